package service

import (
	"context"
	"errors"

	"github.com/GoPolymarket/polyaudit/internal/model"
)

// Store persists audit records. Implementations must be safe for concurrent use and
// must absorb a second Create for an id they already hold.
type Store interface {
	Create(ctx context.Context, rec *model.AuditRecord) (string, error)
	Name() string
}

// Lister is implemented by stores that can serve the browse endpoint.
type Lister interface {
	List(ctx context.Context, filter model.RecordFilter) ([]*model.AuditRecord, error)
}

// errorKind reports the StoreError kind of err, or "unknown".
func errorKind(err error) string {
	var k interface{ StoreKind() string }
	if errors.As(err, &k) {
		return k.StoreKind()
	}
	return "unknown"
}
