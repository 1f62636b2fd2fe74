// seed-payments loads app-side payments from an xlsx sheet into app_payments.
// The sheet uses the same headers as gateway statements (reference, amount, date, ...).
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-payments -file payments.xlsx
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/ledger"
	"github.com/mmdatafocus/recon_backend/models"
)

func main() {
	file := flag.String("file", "", "xlsx file with app payments")
	batch := flag.Int("batch", 500, "rows per insert")
	currency := flag.String("currency", "KES", "currency for rows without one")
	migrate := flag.Bool("migrate", true, "run AutoMigrate before inserting")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(2)
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *file, err)
		os.Exit(1)
	}
	records, err := ledger.ParseStatement(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", *file, err)
		os.Exit(1)
	}

	payments := make([]models.AppPayment, 0, len(records))
	for _, r := range records {
		p := models.AppPayment{
			TransactionId:   r.TransactionId,
			Reference:       r.Reference,
			Amount:          r.Amount,
			Currency:        r.Currency,
			TransactionDate: r.TransactionDate,
			PayerName:       r.PayerName,
			PayerPhone:      r.PayerPhone,
			PayerEmail:      r.PayerEmail,
			County:          r.County,
			Status:          strings.ToLower(r.Status),
		}
		if p.Currency == "" {
			p.Currency = strings.ToUpper(*currency)
		}
		if p.Status == "" {
			p.Status = models.AppPaymentStatusCompleted
		}
		payments = append(payments, p)
	}
	if len(payments) == 0 {
		fmt.Println("no rows to insert")
		return
	}

	db, err := config.OpenDatabase(config.DatabaseDSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
		os.Exit(1)
	}
	if *migrate {
		if err := models.AutoMigrate(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	}
	if err := db.CreateInBatches(&payments, *batch).Error; err != nil {
		fmt.Fprintf(os.Stderr, "insert: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("inserted %d app payments from %s\n", len(payments), *file)
}
