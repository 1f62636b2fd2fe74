package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/models/reports"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// session holds the connections one command needs.
type session struct {
	orchestrator *workflow.Orchestrator
	close        func()
}

// connectRedisOnce pings REDIS_ADDRESS a single time; the CLI does not wait for Redis.
func connectRedisOnce(ctx context.Context) bool {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		return false
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return false
	}
	config.SetRedis(client)
	return true
}

func openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()
	db, err := config.OpenDatabase(config.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	config.SetDB(db)

	settings := config.GetRunSettings()
	if g, _ := cmd.Flags().GetString("guard"); g != "" {
		settings.GuardBackend = strings.ToLower(g)
	} else if os.Getenv("RECON_GUARD_BACKEND") == "" {
		settings.GuardBackend = config.GuardBackendMySQL
	}
	hasRedis := connectRedisOnce(ctx)
	if settings.GuardBackend == config.GuardBackendRedis && !hasRedis {
		config.GetLogger().Warn("redis not reachable; using mysql run guard")
		settings.GuardBackend = config.GuardBackendMySQL
	}

	o, closeSources, err := workflow.BuildOrchestrator(ctx, db, config.GetLogger(), settings)
	if err != nil {
		return nil, err
	}
	return &session{
		orchestrator: o,
		close: func() {
			closeSources()
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			if rdb := config.GetRedisDB(); rdb != nil {
				_ = rdb.Close()
			}
		},
	}, nil
}

func parseDay(flag, v string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
	}
	return d, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(w io.Writer, run *models.ReconciliationRun) {
	fmt.Fprintf(w, "run:               %s\n", run.RunId)
	fmt.Fprintf(w, "status:            %s\n", run.Status)
	fmt.Fprintf(w, "period:            %s .. %s\n", run.PeriodStart.Format(time.DateOnly), run.PeriodEnd.Format(time.DateOnly))
	if run.CountyFilter != nil {
		fmt.Fprintf(w, "county:            %s\n", *run.CountyFilter)
	}
	fmt.Fprintf(w, "matched:           %d\n", run.MatchedCount)
	fmt.Fprintf(w, "amount mismatch:   %d\n", run.AmountMismatchCount)
	fmt.Fprintf(w, "unmatched app:     %d\n", run.UnmatchedAppCount)
	fmt.Fprintf(w, "unmatched gateway: %d\n", run.UnmatchedGatewayCount)
	fmt.Fprintf(w, "duplicates:        %d app, %d gateway\n", run.DuplicateAppCount, run.DuplicateGatewayCount)
	fmt.Fprintf(w, "total discrepancy: %s\n", run.TotalDiscrepancy.StringFixed(2))
	if run.ErrorMessage != nil {
		fmt.Fprintf(w, "error:             %s\n", *run.ErrorMessage)
	}
}

func triggerCmd() *cobra.Command {
	var (
		from, to, county, idemKey, createdBy string
		pct, abs                             string
		days, threshold                      int
		dryRun, asJSON                       bool
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Reconcile one period synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseDay("from", from)
			if err != nil {
				return err
			}
			end, err := parseDay("to", to)
			if err != nil {
				return err
			}
			req := workflow.TriggerRequest{
				PeriodStart:    start,
				PeriodEnd:      end,
				County:         utils.NilIfEmpty(strings.TrimSpace(county)),
				DryRun:         dryRun,
				Sync:           true,
				IdempotencyKey: idemKey,
				CreatedBy:      createdBy,
			}
			if pct != "" {
				d, err := decimal.NewFromString(pct)
				if err != nil {
					return fmt.Errorf("--pct: %w", err)
				}
				req.Policy.AmountPercentageTolerance = &d
			}
			if abs != "" {
				d, err := decimal.NewFromString(abs)
				if err != nil {
					return fmt.Errorf("--abs: %w", err)
				}
				req.Policy.AmountAbsoluteTolerance = &d
			}
			if cmd.Flags().Changed("days") {
				req.Policy.DateToleranceDays = &days
			}
			if cmd.Flags().Changed("threshold") {
				req.Policy.FuzzyMatchThreshold = &threshold
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.orchestrator.Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printRun(cmd.OutOrStdout(), res.Run)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Period end, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&county, "county", "", "Restrict to one county")
	cmd.Flags().StringVar(&pct, "pct", "", "Amount percentage tolerance, e.g. 0.01")
	cmd.Flags().StringVar(&abs, "abs", "", "Amount absolute tolerance, e.g. 5")
	cmd.Flags().IntVar(&days, "days", 0, "Date tolerance in days")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "Fuzzy match threshold (0-100)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Match without persisting")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Replay the earlier run created with this key")
	cmd.Flags().StringVar(&createdBy, "created-by", currentUser(), "Recorded as the run creator")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Print the run and items as JSON")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runsCmd() *cobra.Command {
	var (
		status, county, createdBy string
		limit, offset             int
		asJSON                    bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List reconciliation runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.RunFilter{
				County:    utils.NilIfEmpty(strings.TrimSpace(county)),
				CreatedBy: createdBy,
				Limit:     limit,
				Offset:    offset,
			}
			if status != "" {
				st := models.ReconciliationRunStatus(strings.ToLower(status))
				filter.Status = &st
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			runs, err := s.orchestrator.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTATUS\tPERIOD\tCOUNTY\tMATCHED\tMISMATCH\tUNM_APP\tUNM_GW\tDUP\tDISCREPANCY")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s..%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
					r.RunId, r.Status,
					r.PeriodStart.Format(time.DateOnly), r.PeriodEnd.Format(time.DateOnly),
					utils.DereferencePtr(r.CountyFilter, "*"),
					r.MatchedCount, r.AmountMismatchCount, r.UnmatchedAppCount, r.UnmatchedGatewayCount, r.DuplicateCount,
					r.TotalDiscrepancy.StringFixed(2))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, running, success, partial or failed")
	cmd.Flags().StringVar(&county, "county", "", "County filter")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Creator filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", models.DefaultRunListLimit, "Maximum runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many runs")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		status, format, out, bucket, object string
	)
	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export the items of a run as JSON or XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runId := args[0]
			var itemStatus *models.ItemStatus
			if status != "" {
				st := models.ItemStatus(strings.ToLower(status))
				itemStatus = &st
			}
			format = strings.ToLower(format)
			if format != "json" && format != "xlsx" {
				return fmt.Errorf("--format must be json or xlsx")
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			items, err := s.orchestrator.Export(ctx, runId, itemStatus)
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			contentType := "application/json"
			if format == "xlsx" {
				res, err := s.orchestrator.Get(ctx, runId)
				if err != nil {
					return err
				}
				if err := reports.WriteItemsXLSX(&buf, res.Run, items); err != nil {
					return err
				}
				contentType = reports.XLSXContentType
			} else if err := printJSON(&buf, items); err != nil {
				return err
			}

			if bucket != "" || object != "" {
				if object == "" {
					object = "reconciliation/exports/" + reports.ExportFileName(runId, itemStatus)
					if format == "json" {
						object = strings.TrimSuffix(object, ".xlsx") + ".json"
					}
				}
				if err := utils.UploadBytesToGCS(ctx, bucket, object, buf.Bytes(), contentType); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "uploaded %d items to %s\n", len(items), object)
				return nil
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d items to %s\n", len(items), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only items with this reconciliation status")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (stdout when empty)")
	cmd.Flags().StringVar(&bucket, "gcs-bucket", "", "Upload to this GCS bucket instead of writing locally (GCS_BUCKET when empty)")
	cmd.Flags().StringVar(&object, "gcs-object", "", "Object name for the upload")
	return cmd
}

func purgeCmd() *cobra.Command {
	var (
		olderThan time.Duration
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Soft-delete terminal runs completed before the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			cutoff := time.Now().UTC().Add(-olderThan)
			if !yes {
				fmt.Fprintf(cmd.ErrOrStderr(), "would purge runs completed before %s; rerun with --yes\n", cutoff.Format(time.RFC3339))
				return nil
			}

			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			n, err := s.orchestrator.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d runs completed before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "Retention window")
	cmd.Flags().BoolVar(&yes, "yes", false, "Actually delete")
	return cmd
}
