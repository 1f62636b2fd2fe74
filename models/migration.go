package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	if err := AutoMigrate(db); err != nil {
		log.Fatal(err)
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AppPayment{},
		&ReconciliationRun{}, &ReconciliationItem{},
		&IdempotencyKey{},
	)
}
