package persist

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hbpg/hbpg/internal/dbx"
	"github.com/hbpg/hbpg/internal/observability"
)

var tracer = observability.Tracer("hbpg/persist")

// completer is satisfied by *migrate.Migrations; declared as an
// interface here so this package does not need to import migrate for
// anything beyond waiting.
type completer interface {
	WaitUntilCompleted(ctx context.Context) error
}

// Sweeper periodically deletes expired persist rows.
type Sweeper struct {
	gw       *dbx.Gateway
	log      *slog.Logger
	interval time.Duration
}

// NewSweeper creates a Sweeper that deletes expired rows every interval.
// A non-positive interval falls back to a default of 600s.
func NewSweeper(gw *dbx.Gateway, log *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 600 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{gw: gw, log: log, interval: interval}
}

// Run awaits engine completion, then sweeps expired rows every interval
// until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context, engine completer) error {
	if err := engine.WaitUntilCompleted(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.log.Error("persist sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "persist.sweep")
	defer span.End()

	return s.gw.WithConnection(ctx, func(ctx context.Context, conn dbx.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM `+tableName+` WHERE expires < now()`)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			span.SetAttributes(attribute.Int64("rows_deleted", n))
			s.log.Info("swept expired persist rows", "count", n)
		}
		return nil
	})
}
