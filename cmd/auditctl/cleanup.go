package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/GoPolymarket/polyaudit/internal/repository"
	"github.com/spf13/cobra"
)

var cleanupFlags struct {
	days      int
	dryRun    bool
	batchSize int
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete audit records older than the retention window",
	Long: `Delete audit records from the postgres request_logs table.

Rows are removed in batches. --days defaults to database.retention_days.

Examples:
  # Use the configured retention
  auditctl cleanup

  # Show what a 30 day cleanup would remove
  auditctl cleanup --days 30 --dry-run`,
	RunE: runCleanupCmd,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupFlags.days, "days", 0, "delete records older than this many days")
	cleanupCmd.Flags().BoolVar(&cleanupFlags.dryRun, "dry-run", false, "only count matching records")
	cleanupCmd.Flags().IntVar(&cleanupFlags.batchSize, "batch-size", 0, "rows per delete batch")
}

// retentionStore is the part of RetentionRepo cleanup needs.
type retentionStore interface {
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

func runCleanupCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	days := cleanupFlags.days
	if !cmd.Flags().Changed("days") {
		days = cfg.Database.RetentionDays
	}
	batch := cleanupFlags.batchSize
	if batch <= 0 {
		batch = cfg.Database.CleanupBatchSize
	}
	if days <= 0 {
		return fmt.Errorf("--days must be positive, got %d", days)
	}

	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	return cleanup(cmd.Context(), repository.NewRetentionRepo(db), cmd.OutOrStdout(), days, batch, cleanupFlags.dryRun, time.Now())
}

func cleanup(ctx context.Context, repo retentionStore, out io.Writer, days, batch int, dryRun bool, now time.Time) error {
	if days <= 0 {
		return fmt.Errorf("--days must be positive, got %d", days)
	}
	cutoff := now.UTC().AddDate(0, 0, -days)

	if dryRun {
		n, err := repo.CountOlderThan(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("count expired records: %w", err)
		}
		fmt.Fprintf(out, "dry run: %d records older than %s would be deleted\n", n, cutoff.Format(time.RFC3339))
		return nil
	}

	n, err := repo.DeleteOlderThan(ctx, cutoff, batch)
	if err != nil {
		return fmt.Errorf("deleted %d records before failing: %w", n, err)
	}
	fmt.Fprintf(out, "deleted %d records older than %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
