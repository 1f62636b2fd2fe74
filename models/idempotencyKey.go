package models

import "time"

// IdempotencyKey binds a caller-supplied trigger key to the run it created.
// Unique constraint: (created_by, idempotency_key).
type IdempotencyKey struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CreatedBy string    `gorm:"size:100;not null;index:uniq_recon_idem,unique" json:"created_by"`
	Key       string    `gorm:"column:idempotency_key;size:128;not null;index:uniq_recon_idem,unique" json:"idempotency_key"`
	RunId     string    `gorm:"size:64;not null;index" json:"run_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (IdempotencyKey) TableName() string {
	return "reconciliation_idempotency_keys"
}
