// Package migrate implements the migration ledger and migration engine:
// reconciling a declared, ordered list of schema migrations against a
// persisted ledger of already-applied migrations.
package migrate

import (
	"context"

	"github.com/hbpg/hbpg/internal/dbx"
)

// Group is a migration namespace. Groups are reconciled independently:
// the applied list for group G is compared only to the declared list for
// group G. Group comparison is plain string equality.
type Group string

// Well-known groups. Libraries that ship their own migrations (persist,
// job queue) declare them under their own group so host applications can
// evolve their own default-group migrations independently.
const (
	DefaultGroup  Group = "_hb_default"
	PersistGroup  Group = "_hb_persist"
	JobQueueGroup Group = "_hb_jobqueue"
)

// ApplyFunc runs a migration's forward DDL/DML against the supplied
// connection, which may be a bare pooled connection or an open
// transaction depending on the caller.
type ApplyFunc func(ctx context.Context, conn dbx.Conn) error

// RevertFunc undoes what ApplyFunc did.
type RevertFunc func(ctx context.Context, conn dbx.Conn) error

// Descriptor is one declared schema migration. Identity is (Group, Name);
// names must be unique within a group. Immutable once declared for a run.
type Descriptor struct {
	Name   string
	Group  Group
	Apply  ApplyFunc
	Revert RevertFunc
}
