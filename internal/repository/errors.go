package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// Store error kinds.
const (
	KindConstraint    = "constraint"
	KindConnection    = "connection"
	KindSerialization = "serialization"
	KindUnknown       = "unknown"
)

// StoreError is returned by every audit backend in this package.
type StoreError struct {
	Backend string
	Kind    string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// StoreKind exposes the kind to callers that only see an error.
func (e *StoreError) StoreKind() string { return e.Kind }

func storeError(backend string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Backend: backend, Kind: classify(err), Err: err}
}

func classify(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return KindConstraint
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57"):
			return KindConnection
		case strings.HasPrefix(pgErr.Code, "22"):
			return KindSerialization
		}
		return KindUnknown
	}

	var (
		netErr     net.Error
		syntaxErr  *json.SyntaxError
		typeErr    *json.UnsupportedTypeError
		marshalErr *json.MarshalerError
	)
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey), mongo.IsDuplicateKeyError(err):
		return KindConstraint
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, redis.ErrClosed), mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.As(err, &netErr):
		return KindConnection
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.As(err, &marshalErr):
		return KindSerialization
	}
	return KindUnknown
}
