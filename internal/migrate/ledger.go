package migrate

import (
	"context"
	"fmt"

	"github.com/hbpg/hbpg/internal/dbx"
)

const ledgerTable = "_hb_pg_migrations"

// appliedMigration is one row read back from the ledger.
type appliedMigration struct {
	Order int64
	Name  string
	Group Group
}

// ensureLedgerTable creates the ledger table if it does not already
// exist. Idempotent: running it twice is a no-op.
func ensureLedgerTable(ctx context.Context, conn dbx.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+ledgerTable+` (
			"order" SERIAL PRIMARY KEY,
			name    TEXT NOT NULL,
			"group" TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure ledger table: %w", err)
	}
	return nil
}

// insertLedgerRow records that name/group has been applied. Order is
// assigned by the SERIAL primary key, reflecting insertion order.
func insertLedgerRow(ctx context.Context, conn dbx.Conn, name string, group Group) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO `+ledgerTable+` (name, "group") VALUES ($1, $2)`,
		name, string(group),
	)
	if err != nil {
		return fmt.Errorf("insert ledger row %s/%s: %w", group, name, err)
	}
	return nil
}

// deleteLedgerRowByName removes a ledger row after its migration has been
// successfully reverted. Scoped by group as well as name: two different
// groups may declare a migration with the same name, and each has its
// own independent ledger row.
func deleteLedgerRowByName(ctx context.Context, conn dbx.Conn, name string, group Group) error {
	_, err := conn.ExecContext(ctx,
		`DELETE FROM `+ledgerTable+` WHERE name = $1 AND "group" = $2`,
		name, string(group),
	)
	if err != nil {
		return fmt.Errorf("delete ledger row %s/%s: %w", group, name, err)
	}
	return nil
}

// listLedgerOrdered reads every applied migration, ordered by insertion
// order ascending.
func listLedgerOrdered(ctx context.Context, conn dbx.Conn) ([]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT "order", name, "group" FROM `+ledgerTable+` ORDER BY "order" ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []appliedMigration
	for rows.Next() {
		var m appliedMigration
		var group string
		if err := rows.Scan(&m.Order, &m.Name, &group); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		m.Group = Group(group)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}
