package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/GoPolymarket/polyaudit/internal/repository"
	"github.com/jmoiron/sqlx"
)

var fixedNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

func TestCleanupRejectsNonPositiveDays(t *testing.T) {
	for _, days := range []int{0, -3} {
		err := cleanup(context.Background(), nil, &bytes.Buffer{}, days, 10, false, fixedNow)
		if err == nil || !strings.Contains(err.Error(), "--days must be positive") {
			t.Errorf("days=%d: err = %v, want positive days error", days, err)
		}
	}
}

func TestCleanupDryRunOnlyCounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cutoff := fixedNow.AddDate(0, 0, -30)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM request_logs WHERE timestamp < \$1`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	var out bytes.Buffer
	repo := repository.NewRetentionRepo(sqlx.NewDb(db, "postgres"))
	if err := cleanup(context.Background(), repo, &out, 30, 10, true, fixedNow); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !strings.Contains(out.String(), "dry run: 42 records") {
		t.Errorf("output = %q", out.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCleanupDeletesInBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cutoff := fixedNow.AddDate(0, 0, -7)
	mock.ExpectExec(`DELETE FROM request_logs`).WithArgs(cutoff, 100).WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec(`DELETE FROM request_logs`).WithArgs(cutoff, 100).WillReturnResult(sqlmock.NewResult(0, 17))

	var out bytes.Buffer
	repo := repository.NewRetentionRepo(sqlx.NewDb(db, "postgres"))
	if err := cleanup(context.Background(), repo, &out, 7, 100, false, fixedNow); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !strings.Contains(out.String(), "deleted 117 records") {
		t.Errorf("output = %q", out.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

type failingRetention struct{}

func (failingRetention) CountOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func (failingRetention) DeleteOlderThan(context.Context, time.Time, int) (int64, error) {
	return 3, errors.New("db down")
}

func TestCleanupReportsPartialProgress(t *testing.T) {
	err := cleanup(context.Background(), failingRetention{}, &bytes.Buffer{}, 1, 10, false, fixedNow)
	if err == nil || !strings.Contains(err.Error(), "deleted 3 records before failing") {
		t.Errorf("err = %v", err)
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"cleanup", "worker"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
	for _, flag := range []string{"days", "dry-run", "batch-size"} {
		if cleanupCmd.Flags().Lookup(flag) == nil {
			t.Errorf("cleanup flag --%s missing", flag)
		}
	}
}
