package ledger

import (
	"context"
	"strings"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"gorm.io/gorm"
)

const appLedgerBatchSize = 1000

// AppLedger reads the application's own payments table.
type AppLedger struct {
	DB *gorm.DB
}

func NewAppLedger(db *gorm.DB) *AppLedger {
	return &AppLedger{DB: db}
}

// Fetch returns non-failed payments dated inside the period. Undated payments are
// included when they were recorded inside the period so the exact pass can still pair them.
func (l *AppLedger) Fetch(ctx context.Context, q models.LedgerQuery) ([]models.LedgerRecord, error) {
	if l.DB == nil {
		return nil, utils.ErrorNotConfigured
	}
	from := utils.DateOnlyUTC(q.PeriodStart)
	until := utils.DateOnlyUTC(q.PeriodEnd).AddDate(0, 0, 1)

	db := l.DB.WithContext(ctx).
		Model(&models.AppPayment{}).
		Where("status <> ?", models.AppPaymentStatusFailed).
		Where("((transaction_date >= ? AND transaction_date < ?) OR (transaction_date IS NULL AND created_at >= ? AND created_at < ?))", from, until, from, until)
	if q.County != nil && strings.TrimSpace(*q.County) != "" {
		db = db.Where("LOWER(county) = ?", strings.ToLower(strings.TrimSpace(*q.County)))
	}

	var records []models.LedgerRecord
	var batch []models.AppPayment
	err := db.Order("id ASC").FindInBatches(&batch, appLedgerBatchSize, func(tx *gorm.DB, n int) error {
		for _, p := range batch {
			records = append(records, p.ToLedgerRecord())
		}
		return nil
	}).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
