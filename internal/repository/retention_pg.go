package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// RetentionRepo deletes expired audit records in batches so a large backlog never
// holds one long transaction.
type RetentionRepo struct {
	db *sqlx.DB
}

func NewRetentionRepo(db *sqlx.DB) *RetentionRepo {
	return &RetentionRepo{db: db}
}

// CountOlderThan reports how many records a cleanup at cutoff would delete.
func (r *RetentionRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM request_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, storeError("postgres", err)
	}
	return n, nil
}

// DeleteOlderThan removes records older than cutoff, batchSize rows at a time,
// and returns the number deleted.
func (r *RetentionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM request_logs
			WHERE id IN (
				SELECT id FROM request_logs WHERE timestamp < $1 LIMIT $2
			)
		`, cutoff, batchSize)
		if err != nil {
			return total, storeError("postgres", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, storeError("postgres", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
