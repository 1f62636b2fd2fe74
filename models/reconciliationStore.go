package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// RunStore persists runs and their items. Implementations hold no business logic;
// every failure is reported as a StorageError (or RunNotFound for unknown ids).
type RunStore interface {
	// Create inserts a non-terminal run.
	Create(ctx context.Context, run *ReconciliationRun) error
	// UpdateStatus writes status, timestamps and error message of a non-terminal run.
	UpdateStatus(ctx context.Context, run *ReconciliationRun) error
	// Save atomically writes the final run row together with all of its items.
	Save(ctx context.Context, run *ReconciliationRun, items []ReconciliationItem) error
	Get(ctx context.Context, runId string) (*ReconciliationRun, []ReconciliationItem, error)
	List(ctx context.Context, filter RunFilter) ([]RunSummary, error)
	Export(ctx context.Context, runId string, status *ItemStatus) ([]ReconciliationItem, error)

	// ClaimIdempotencyKey binds key to runId. When the key is already bound the existing run id is returned.
	ClaimIdempotencyKey(ctx context.Context, createdBy, key, runId string) (existingRunId string, err error)
	LookupIdempotencyKey(ctx context.Context, createdBy, key string) (runId string, found bool, err error)
	ReleaseIdempotencyKey(ctx context.Context, createdBy, key string) error

	// SoftDeleteCompletedBefore hides terminal runs completed before cutoff.
	SoftDeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const itemBatchSize = 500

var nonTerminalRunStatuses = []ReconciliationRunStatus{RunStatusPending, RunStatusRunning}

type GormRunStore struct {
	DB *gorm.DB
}

func NewGormRunStore(db *gorm.DB) *GormRunStore {
	return &GormRunStore{DB: db}
}

func (s *GormRunStore) db(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.DB == nil {
		return nil, NewReconError(ErrKindStorage, "database is not connected", nil)
	}
	return s.DB.WithContext(ctx), nil
}

func (s *GormRunStore) Create(ctx context.Context, run *ReconciliationRun) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return NewReconError(ErrKindStorage, "create requires a non-terminal run", nil)
	}
	return storageError("create run", db.Create(run).Error)
}

func (s *GormRunStore) UpdateStatus(ctx context.Context, run *ReconciliationRun) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&ReconciliationRun{}).
		Where("run_id = ? AND status IN ?", run.RunId, nonTerminalRunStatuses).
		Updates(map[string]interface{}{
			"status":        run.Status,
			"started_at":    run.StartedAt,
			"completed_at":  run.CompletedAt,
			"error_message": run.ErrorMessage,
		})
	if res.Error != nil {
		return storageError("update run status", res.Error)
	}
	if res.RowsAffected == 0 {
		return NewReconError(ErrKindStorage, fmt.Sprintf("run %s is missing or already terminal", run.RunId), nil)
	}
	return nil
}

func (s *GormRunStore) Save(ctx context.Context, run *ReconciliationRun, items []ReconciliationItem) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		var existing ReconciliationRun
		findErr := tx.Where("run_id = ?", run.RunId).Take(&existing).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			if err := tx.Create(run).Error; err != nil {
				return err
			}
		case findErr != nil:
			return findErr
		default:
			if existing.Status.IsTerminal() {
				return fmt.Errorf("run %s is already %s", run.RunId, existing.Status)
			}
			run.ID = existing.ID
			if err := tx.Model(&ReconciliationRun{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
				"status":                  run.Status,
				"matched_count":           run.MatchedCount,
				"unmatched_app_count":     run.UnmatchedAppCount,
				"unmatched_gateway_count": run.UnmatchedGatewayCount,
				"amount_mismatch_count":   run.AmountMismatchCount,
				"duplicate_app_count":     run.DuplicateAppCount,
				"duplicate_gateway_count": run.DuplicateGatewayCount,
				"total_app_amount":        run.TotalAppAmount,
				"total_gateway_amount":    run.TotalGatewayAmount,
				"total_discrepancy":       run.TotalDiscrepancy,
				"tolerance_config_used":   run.ToleranceConfigUsed,
				"error_message":           run.ErrorMessage,
				"started_at":              run.StartedAt,
				"completed_at":            run.CompletedAt,
			}).Error; err != nil {
				return err
			}
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].RunId = run.RunId
		}
		return tx.CreateInBatches(items, itemBatchSize).Error
	})
	return storageError("save run", err)
}

func (s *GormRunStore) Get(ctx context.Context, runId string) (*ReconciliationRun, []ReconciliationItem, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, nil, err
	}
	var run ReconciliationRun
	if err := db.Where("run_id = ?", runId).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, runNotFound(runId)
		}
		return nil, nil, storageError("get run", err)
	}
	var items []ReconciliationItem
	if err := db.Where("run_id = ?", runId).Order("position ASC").Find(&items).Error; err != nil {
		return nil, nil, storageError("get run items", err)
	}
	return &run, items, nil
}

func (s *GormRunStore) List(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Model(&ReconciliationRun{})
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.County != nil {
		q = q.Where("county_filter = ?", *filter.County)
	}
	if filter.From != nil {
		q = q.Where("period_end >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("period_start <= ?", *filter.To)
	}
	if filter.CreatedBy != "" {
		q = q.Where("created_by = ?", filter.CreatedBy)
	}
	var runs []ReconciliationRun
	if err := q.Order("created_at DESC").Order("id DESC").
		Limit(filter.EffectiveLimit()).Offset(filter.Offset).
		Find(&runs).Error; err != nil {
		return nil, storageError("list runs", err)
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, r.Summary())
	}
	return summaries, nil
}

func (s *GormRunStore) Export(ctx context.Context, runId string, status *ItemStatus) ([]ReconciliationItem, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var count int64
	if err := db.Model(&ReconciliationRun{}).Where("run_id = ?", runId).Count(&count).Error; err != nil {
		return nil, storageError("export run", err)
	}
	if count == 0 {
		return nil, runNotFound(runId)
	}
	q := db.Where("run_id = ?", runId)
	if status != nil {
		q = q.Where("reconciliation_status = ?", *status)
	}
	var items []ReconciliationItem
	if err := q.Order("position ASC").Find(&items).Error; err != nil {
		return nil, storageError("export run items", err)
	}
	return items, nil
}

func (s *GormRunStore) ClaimIdempotencyKey(ctx context.Context, createdBy, key, runId string) (string, error) {
	db, err := s.db(ctx)
	if err != nil {
		return "", err
	}
	row := IdempotencyKey{CreatedBy: createdBy, Key: key, RunId: runId}
	if err := db.Create(&row).Error; err == nil {
		return "", nil
	} else if !isDuplicateKeyErr(err) {
		return "", storageError("claim idempotency key", err)
	}
	existing, found, err := s.LookupIdempotencyKey(ctx, createdBy, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", NewReconError(ErrKindStorage, "idempotency key vanished during claim", nil)
	}
	return existing, nil
}

func (s *GormRunStore) LookupIdempotencyKey(ctx context.Context, createdBy, key string) (string, bool, error) {
	db, err := s.db(ctx)
	if err != nil {
		return "", false, err
	}
	var row IdempotencyKey
	if err := db.Where("created_by = ? AND idempotency_key = ?", createdBy, key).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, storageError("lookup idempotency key", err)
	}
	return row.RunId, true, nil
}

func (s *GormRunStore) ReleaseIdempotencyKey(ctx context.Context, createdBy, key string) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	return storageError("release idempotency key",
		db.Where("created_by = ? AND idempotency_key = ?", createdBy, key).Delete(&IdempotencyKey{}).Error)
}

func (s *GormRunStore) SoftDeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?",
		[]ReconciliationRunStatus{RunStatusSuccess, RunStatusPartial, RunStatusFailed}, cutoff).
		Delete(&ReconciliationRun{})
	if res.Error != nil {
		return 0, storageError("purge runs", res.Error)
	}
	return res.RowsAffected, nil
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func runNotFound(runId string) error {
	return NewReconError(ErrKindRunNotFound, fmt.Sprintf("run %s", runId), nil)
}
