package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RegisterQueueDepthGauge registers an async gauge that queries depth only
// when the /metrics endpoint is scraped.
func RegisterQueueDepthGauge(meterName string, depth func(context.Context) (int64, error), onError func(error)) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge("hbpg.queue.depth",
		metric.WithDescription("Number of job queue entries eligible or waiting to become eligible"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := depth(ctx)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	return err
}

// RegisterPersistRowsGauge registers an async gauge tracking the number of
// live (non-expired) rows in the persist store.
func RegisterPersistRowsGauge(meterName string, rows func(context.Context) (int64, error), onError func(error)) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge("hbpg.persist.rows",
		metric.WithDescription("Number of live rows in the persist store"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := rows(ctx)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	return err
}

// RegisterMigrationStateGauge registers an async gauge reporting the
// Migration Engine's current state: 0=waiting, 1=completed, 2=failed.
func RegisterMigrationStateGauge(meterName string, state func(context.Context) (int64, error)) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge("hbpg.migrations.state",
		metric.WithDescription("Migration engine state: 0=waiting, 1=completed, 2=failed"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := state(ctx)
			if err != nil {
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	return err
}

// NewWorkerRetryCounter creates the worker pool's retry counter.
func NewWorkerRetryCounter(meterName string) (metric.Int64Counter, error) {
	meter := otel.Meter(meterName)
	return meter.Int64Counter("hbpg.worker.retries_total",
		metric.WithDescription("Total number of job handler retries"),
	)
}
