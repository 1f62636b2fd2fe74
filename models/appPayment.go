package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	AppPaymentStatusPending   = "pending"
	AppPaymentStatusCompleted = "completed"
	AppPaymentStatusFailed    = "failed"
	AppPaymentStatusRefunded  = "refunded"
)

// AppPayment is a row of the application's own payment ledger.
// The reconciliation engine only reads it.
type AppPayment struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	TransactionId   *string         `gorm:"size:128;index" json:"transaction_id"`
	Reference       string          `gorm:"size:128;index;not null" json:"reference"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency        string          `gorm:"size:10;not null;default:'KES'" json:"currency"`
	TransactionDate *time.Time      `gorm:"index:idx_app_payment_window,priority:1" json:"transaction_date"`
	PayerName       *string         `gorm:"size:255" json:"payer_name"`
	PayerPhone      *string         `gorm:"size:50" json:"payer_phone"`
	PayerEmail      *string         `gorm:"size:255" json:"payer_email"`
	County          *string         `gorm:"size:100;index:idx_app_payment_window,priority:2" json:"county"`
	Status          string          `gorm:"size:20;not null" json:"status"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p AppPayment) ToLedgerRecord() LedgerRecord {
	return LedgerRecord{
		RecordId:        "app-" + strconv.FormatUint(uint64(p.ID), 10),
		TransactionId:   p.TransactionId,
		Reference:       p.Reference,
		Amount:          p.Amount,
		Currency:        p.Currency,
		TransactionDate: p.TransactionDate,
		PayerName:       p.PayerName,
		PayerPhone:      p.PayerPhone,
		PayerEmail:      p.PayerEmail,
		County:          p.County,
		Status:          p.Status,
		Source:          LedgerSourceApp,
	}
}
