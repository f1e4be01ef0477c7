// Package jobqueue implements the job store, queue index, queue driver,
// and worker pool: a durable, at-least-once job queue with
// FOR UPDATE SKIP LOCKED claim semantics.
package jobqueue

import (
	"context"

	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/migrate"
)

const (
	jobsTable      = "_hb_pg_jobs"
	queueTable     = "_hb_pg_job_queue"
	queueMetaTable = "_hb_pg_job_queue_metadata"
)

// Migrations returns the job queue's schema migrations, declared under
// migrate.JobQueueGroup, in application order.
func Migrations() []migrate.Descriptor {
	return []migrate.Descriptor{
		{
			Name:  "001_create_jobs",
			Group: migrate.JobQueueGroup,
			Apply: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `
					CREATE TABLE IF NOT EXISTS `+jobsTable+` (
						id           UUID PRIMARY KEY,
						job          BYTEA NOT NULL,
						status       SMALLINT NOT NULL,
						lastModified TIMESTAMPTZ NOT NULL DEFAULT now()
					)
				`)
				if err != nil {
					return err
				}
				_, err = conn.ExecContext(ctx,
					`CREATE INDEX IF NOT EXISTS `+jobsTable+`_status_idx ON `+jobsTable+` (status)`)
				return err
			},
			Revert: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+jobsTable)
				return err
			},
		},
		{
			Name:  "002_create_job_queue",
			Group: migrate.JobQueueGroup,
			Apply: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `
					CREATE TABLE IF NOT EXISTS `+queueTable+` (
						job_id    UUID PRIMARY KEY,
						createdAt TIMESTAMPTZ NOT NULL
					)
				`)
				if err != nil {
					return err
				}
				_, err = conn.ExecContext(ctx,
					`CREATE INDEX IF NOT EXISTS `+queueTable+`_created_idx ON `+queueTable+` (createdAt ASC)`)
				return err
			},
			Revert: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+queueTable)
				return err
			},
		},
		{
			Name:  "003_create_job_queue_metadata",
			Group: migrate.JobQueueGroup,
			Apply: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `
					CREATE TABLE IF NOT EXISTS `+queueMetaTable+` (
						key   TEXT PRIMARY KEY,
						value BYTEA NOT NULL
					)
				`)
				return err
			},
			Revert: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx, `DROP TABLE IF EXISTS `+queueMetaTable)
				return err
			},
		},
		{
			Name:  "004_add_delayed_until",
			Group: migrate.JobQueueGroup,
			Apply: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx,
					`ALTER TABLE `+queueTable+` ADD COLUMN IF NOT EXISTS delayed_until TIMESTAMPTZ`)
				return err
			},
			Revert: func(ctx context.Context, conn dbx.Conn) error {
				_, err := conn.ExecContext(ctx,
					`ALTER TABLE `+queueTable+` DROP COLUMN IF EXISTS delayed_until`)
				return err
			},
		},
	}
}
