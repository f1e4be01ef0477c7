// Package dbx implements a thin adapter over a pooled *sql.DB that
// exposes query, withConnection, and withTransaction.
// No retry is performed at this layer; SQL errors bubble up unchanged.
package dbx

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Conn is the subset of *sql.DB / *sql.Conn / *sql.Tx that callers need to
// run queries. Migration, persist, and job queue code is written against
// this interface so it composes uniformly inside or outside a transaction.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a Conn that can be committed or rolled back.
type Tx interface {
	Conn
	Commit() error
	Rollback() error
}

// Gateway wraps a pooled Postgres connection and provides the three
// operations every other component in this module is built on.
type Gateway struct {
	db *sql.DB
}

// Open opens a connection pool against databaseURL and verifies
// connectivity with a ping.
func Open(ctx context.Context, databaseURL string) (*Gateway, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Gateway{db: db}, nil
}

// New wraps an already-open *sql.DB, used by tests to inject a sqlmock
// database without dialing Postgres.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// DB exposes the underlying pool, e.g. for tools that need to pass it to
// a third-party migration/inspection utility.
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// Close closes the connection pool.
func (g *Gateway) Close() error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Query runs a query against the pool directly, outside any transaction.
func (g *Gateway) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return g.db.QueryContext(ctx, query, args...)
}

// WithConnection checks out a pooled connection, runs op against it, and
// releases the connection on every exit path (including a canceled ctx).
func (g *Gateway) WithConnection(ctx context.Context, op func(ctx context.Context, conn Conn) error) error {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	return op(ctx, conn)
}

// WithTransaction runs op inside BEGIN/COMMIT, rolling back automatically
// if op returns an error or panics.
func (g *Gateway) WithTransaction(ctx context.Context, op func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = op(ctx, tx)
	return err
}
