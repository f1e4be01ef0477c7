// Package persist implements the Persist Store: a key-scoped JSON value
// store with optional TTL, backed by table _hb_pg_persist.
package persist

import (
	"context"

	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/migrate"
)

const tableName = "_hb_pg_persist"

// Migrations returns the persist store's schema migrations, declared
// under migrate.PersistGroup. Add these to a Migration Engine before
// constructing a Store.
func Migrations() []migrate.Descriptor {
	return []migrate.Descriptor{
		{
			Name:  "001_create_persist_table",
			Group: migrate.PersistGroup,
			Apply: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `
					CREATE TABLE IF NOT EXISTS `+tableName+` (
						id      TEXT PRIMARY KEY,
						data    JSON NOT NULL,
						expires TIMESTAMPTZ NOT NULL
					)
				`)
				return err
			},
			Revert: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+tableName)
				return err
			},
		},
	}
}
