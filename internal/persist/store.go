package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hbpg/hbpg/internal/dbx"
)

// distantFuture stands in for "no expiration". Postgres timestamptz
// comfortably represents this.
var distantFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Store is the Persist Store: a key-scoped JSON value store with
// optional TTL.
type Store struct {
	gw *dbx.Gateway
}

// New wraps gw as a Persist Store. Callers must wait for the migration
// engine to complete before using it.
func New(gw *dbx.Gateway) *Store {
	return &Store{gw: gw}
}

func expiresAt(ttl *time.Duration) time.Time {
	if ttl == nil {
		return distantFuture
	}
	return time.Now().Add(*ttl)
}

// Create inserts key with value and an optional ttl. Returns
// ErrDuplicate if key already exists.
func Create[T any](ctx context.Context, s *Store, key string, value T, ttl *time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal value for %q: %w", key, err)
	}

	return s.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO `+tableName+` (id, data, expires) VALUES ($1, $2, $3)`,
			key, data, expiresAt(ttl),
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("persist: create %q: %w", key, err)
		}
		return nil
	})
}

// Set upserts key, replacing both value and expiration.
func Set[T any](ctx context.Context, s *Store, key string, value T, ttl *time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal value for %q: %w", key, err)
	}

	return s.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO `+tableName+` (id, data, expires) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET data = excluded.data, expires = excluded.expires
		`, key, data, expiresAt(ttl))
		if err != nil {
			return fmt.Errorf("persist: set %q: %w", key, err)
		}
		return nil
	})
}

// Get reads key. It returns (zero, false, nil) if the key is absent or
// expired, and ErrInvalidConversion if the stored payload cannot be
// decoded into T.
func Get[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var zero T
	var data []byte

	err := s.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT data FROM `+tableName+` WHERE id = $1 AND expires > now()`,
			key,
		).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("persist: get %q: %w", key, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, ErrInvalidConversion
	}
	return value, true, nil
}

// Count returns the number of live (non-expired) rows currently stored.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT count(*) FROM `+tableName+` WHERE expires > now()`,
		).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("persist: count: %w", err)
	}
	return n, nil
}

// Remove unconditionally deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM `+tableName+` WHERE id = $1`, key)
		if err != nil {
			return fmt.Errorf("persist: remove %q: %w", key, err)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
