package jobqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hbpg/hbpg/internal/dbx"
)

// getJobs is a diagnostic query: every job id currently at status,
// locked FOR UPDATE SKIP LOCKED so it composes inside a
// caller's transaction without blocking on rows another worker holds.
func getJobs(ctx context.Context, conn dbx.Conn, status Status) ([]uuid.UUID, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT id FROM `+jobsTable+` WHERE status = $1 FOR UPDATE SKIP LOCKED`, status)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: getJobs status=%s: %w", status, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobqueue: scan getJobs row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetJobs exposes the diagnostic getJobs query.
func (d *Driver) GetJobs(ctx context.Context, status Status) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		var err error
		out, err = getJobs(ctx, conn, status)
		return err
	})
	return out, err
}

func insertJobRow(ctx context.Context, conn dbx.Conn, id uuid.UUID, payload []byte, status Status) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO `+jobsTable+` (id, job, status) VALUES ($1, $2, $3)`,
		id, payload, status,
	)
	return err
}

func setJobStatus(ctx context.Context, conn dbx.Conn, id uuid.UUID, status Status) error {
	_, err := conn.ExecContext(ctx,
		`UPDATE `+jobsTable+` SET status = $1, lastModified = now() WHERE id = $2`,
		status, id,
	)
	return err
}

func deleteJobRow(ctx context.Context, conn dbx.Conn, id uuid.UUID) error {
	_, err := conn.ExecContext(ctx, `DELETE FROM `+jobsTable+` WHERE id = $1`, id)
	return err
}

func listJobsByStatus(ctx context.Context, conn dbx.Conn, status Status) ([]Job, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT id, job, status, lastModified FROM `+jobsTable+` WHERE status = $1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Payload, &j.Status, &j.LastModified); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
