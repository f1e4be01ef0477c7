package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/logger"
	"github.com/hbpg/hbpg/internal/observability"
)

var tracer = observability.Tracer("hbpg/jobqueue")

// completer is satisfied by *migrate.Migrations.
type completer interface {
	WaitUntilCompleted(ctx context.Context) error
}

// Driver pushes, claims, and iterates over durable jobs with
// FOR UPDATE SKIP LOCKED claim semantics.
type Driver struct {
	gw       *dbx.Gateway
	policies InitPolicies
	pollTime time.Duration
	log      *slog.Logger
	stopped  atomic.Bool

	errMu   sync.RWMutex
	onError func(error)
}

// DefaultInitPolicies returns the recommended defaults: leave pending
// jobs alone, rerun failed and processing jobs left over from a prior
// run.
func DefaultInitPolicies() InitPolicies {
	return InitPolicies{
		Pending:    PolicyDoNothing,
		Failed:     PolicyRerun,
		Processing: PolicyRerun,
	}
}

// New creates a Driver. pollTime is how long Iterate sleeps between
// empty claim-next attempts; non-positive falls back to a default of
// 100ms.
func New(gw *dbx.Gateway, policies InitPolicies, pollTime time.Duration) *Driver {
	if pollTime <= 0 {
		pollTime = 100 * time.Millisecond
	}
	return &Driver{gw: gw, policies: policies, pollTime: pollTime, log: slog.Default()}
}

// SetErrorHandler installs fn to be called, in addition to logging,
// whenever Iterate's underlying ClaimNext call fails. Callers that drain
// Iterate (such as Pool) use this to surface a persistent claim failure
// (e.g. a database outage) rather than let it spin silently.
func (d *Driver) SetErrorHandler(fn func(error)) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	d.onError = fn
}

// OnInit awaits migration engine completion, then applies the
// configured startup recovery policy per status.
func (d *Driver) OnInit(ctx context.Context, engine completer) error {
	if err := engine.WaitUntilCompleted(ctx); err != nil {
		return err
	}

	return d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		for status, policy := range map[Status]InitPolicy{
			StatusPending:    d.policies.Pending,
			StatusProcessing: d.policies.Processing,
			StatusFailed:     d.policies.Failed,
		} {
			if err := applyInitPolicy(ctx, conn, status, policy); err != nil {
				return fmt.Errorf("jobqueue: onInit status=%s policy=%s: %w", status, policy, err)
			}
		}
		return nil
	})
}

func applyInitPolicy(ctx context.Context, conn dbx.Conn, status Status, policy InitPolicy) error {
	switch policy {
	case PolicyDoNothing, "":
		return nil
	case PolicyRemove:
		_, err := conn.ExecContext(ctx, `DELETE FROM `+jobsTable+` WHERE status = $1`, status)
		return err
	case PolicyRerun:
		if status == StatusPending {
			return nil
		}
		jobs, err := listJobsByStatus(ctx, conn, status)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		// One bulk insert via unnest($1) rather than one round trip per
		// recovered job: startup recovery can be reviving thousands of
		// rows left processing by a crashed worker.
		_, err = conn.ExecContext(ctx, `
			INSERT INTO `+queueTable+` (job_id, createdAt)
			SELECT unnest($1::uuid[]), now()
		`, pq.Array(ids))
		return err
	default:
		return fmt.Errorf("unknown init policy %q", policy)
	}
}

// Push enqueues payload for immediate or delayed delivery, returning the
// new job's id.
func (d *Driver) Push(ctx context.Context, payload []byte, delayedUntil *time.Time) (uuid.UUID, error) {
	id := uuid.New()
	ctx = logger.WithJobID(ctx, id.String())
	log := logger.FromContext(ctx, d.log)

	ctx, span := tracer.Start(ctx, "jobqueue.push", trace.WithAttributes(attribute.String("job_id", id.String())))
	defer span.End()

	err := d.gw.WithTransaction(ctx, func(ctx context.Context, tx dbx.Tx) error {
		if err := insertJobRow(ctx, tx, id, payload, StatusPending); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO `+queueTable+` (job_id, createdAt, delayed_until) VALUES ($1, now(), $2)`,
			id, delayedUntil,
		)
		return err
	})
	if err != nil {
		log.Error("failed to push job", "error", err)
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("%w: %v", ErrFailedToAdd, err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest eligible job, marking it
// processing. It returns (nil, nil) when no work is available.
func (d *Driver) ClaimNext(ctx context.Context) (*Claimed, error) {
	for {
		claimed, retry, err := d.claimOnce(ctx)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return claimed, nil
	}
}

// claimOnce runs the three-step claim transaction. retry is true when
// the queue-index row's job vanished underneath it: the caller should
// immediately try again rather than surface "no work".
func (d *Driver) claimOnce(ctx context.Context) (claimed *Claimed, retry bool, err error) {
	ctx, span := tracer.Start(ctx, "jobqueue.claim_next")
	defer span.End()

	err = d.gw.WithTransaction(ctx, func(ctx context.Context, tx dbx.Tx) error {
		var jobID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			DELETE FROM `+queueTable+` pse
			WHERE pse.job_id = (
				SELECT pse_inner.job_id FROM `+queueTable+` pse_inner
				WHERE (pse_inner.delayed_until IS NULL OR pse_inner.delayed_until <= now())
				ORDER BY pse_inner.createdAt ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1)
			RETURNING pse.job_id
		`).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("jobqueue: claim delete: %w", err)
		}

		var payload []byte
		err = tx.QueryRowContext(ctx,
			`SELECT job FROM `+jobsTable+` WHERE id = $1 FOR UPDATE SKIP LOCKED`, jobID,
		).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			retry = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("jobqueue: claim read job: %w", err)
		}

		if err := setJobStatus(ctx, tx, jobID, StatusProcessing); err != nil {
			return fmt.Errorf("jobqueue: claim mark processing: %w", err)
		}

		claimed = &Claimed{ID: jobID, Payload: payload}
		return nil
	})
	if err == nil && claimed != nil {
		span.SetAttributes(attribute.String("job_id", claimed.ID.String()))
		logger.FromContext(logger.WithJobID(ctx, claimed.ID.String()), d.log).Debug("claimed job")
	}
	if err != nil {
		span.RecordError(err)
	}
	return claimed, retry, err
}

// Finished deletes a successfully completed job.
func (d *Driver) Finished(ctx context.Context, id uuid.UUID) error {
	return d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return deleteJobRow(ctx, conn, id)
	})
}

// Failed marks id as permanently failed.
func (d *Driver) Failed(ctx context.Context, id uuid.UUID) error {
	return d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return setJobStatus(ctx, conn, id, StatusFailed)
	})
}

// MarkPending resets id's Job Store status back to pending, used when a
// handler failure is being retried rather than terminally failed.
func (d *Driver) MarkPending(ctx context.Context, id uuid.UUID) error {
	return d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return setJobStatus(ctx, conn, id, StatusPending)
	})
}

// Requeue re-enqueues id for another attempt, optionally delayed.
func (d *Driver) Requeue(ctx context.Context, id uuid.UUID, delayedUntil *time.Time) error {
	return d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO `+queueTable+` (job_id, createdAt, delayed_until) VALUES ($1, now(), $2)`,
			id, delayedUntil,
		)
		return err
	})
}

// GetMetadata reads a queue metadata value, returning (nil, false, nil)
// when absent.
func (d *Driver) GetMetadata(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		return conn.QueryRowContext(ctx,
			`SELECT value FROM `+queueMetaTable+` WHERE key = $1`, key,
		).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// SetMetadata upserts a queue metadata value.
func (d *Driver) SetMetadata(ctx context.Context, key string, value []byte) error {
	return d.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO `+queueMetaTable+` (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

// Stop is a one-way flag that ends any in-progress Iterate loop.
func (d *Driver) Stop() {
	d.stopped.Store(true)
}

// Iterate returns a lazy, cancellable sequence of claimed jobs: it polls
// ClaimNext, sleeping pollTime between empty results, until Stop is
// called or ctx is canceled.
func (d *Driver) Iterate(ctx context.Context, yield func(Claimed) bool) {
	for {
		if d.stopped.Load() || ctx.Err() != nil {
			return
		}

		claimed, err := d.ClaimNext(ctx)
		if err != nil {
			d.log.Error("claim next failed", "error", err)
			d.errMu.RLock()
			onError := d.onError
			d.errMu.RUnlock()
			if onError != nil {
				onError(err)
			}
			select {
			case <-time.After(d.pollTime):
			case <-ctx.Done():
			}
			continue
		}
		if claimed == nil {
			select {
			case <-time.After(d.pollTime):
			case <-ctx.Done():
			}
			continue
		}

		if !yield(*claimed) {
			return
		}
	}
}
