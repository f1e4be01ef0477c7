package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/hbpg/hbpg/internal/logger"
)

// Handler processes one claimed job's payload. A returned error triggers
// the retry/fail path.
type Handler func(ctx context.Context, payload []byte) error

// TypeDecoder extracts a job type name from a payload's prefix, used to
// look up the registered Handler.
type TypeDecoder func(payload []byte) (string, error)

// RetryPolicy bounds retry attempts and backoff for one job type.
type RetryPolicy struct {
	MaxRetryCount int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// BackoffJitter is the fraction (0..1) of the computed backoff
	// randomized on top of the base to avoid thundering-herd retries.
	BackoffJitter float64
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BackoffBase << attempt
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	if p.BackoffJitter > 0 {
		jitter := time.Duration(float64(d) * p.BackoffJitter * rand.Float64())
		d += jitter
	}
	return d
}

type registeredHandler struct {
	handler Handler
	policy  RetryPolicy
}

// Pool is a worker pool: N concurrent consumers sharing one queue
// driver, each claimed job dispatched by decoded type to a registered
// handler with per-handler retry policy.
type Pool struct {
	driver      *Driver
	decode      TypeDecoder
	concurrency int
	log         *slog.Logger

	mu       sync.RWMutex
	handlers map[string]registeredHandler

	defaultPolicy RetryPolicy
	retryCounter  metric.Int64Counter

	wg   sync.WaitGroup
	sem  chan struct{}
	stop chan struct{}
}

// NewPool creates a Pool. decode extracts a job type name from a
// payload's prefix; defaultPolicy applies to handlers registered
// without an explicit RetryPolicy. retryCounter is optional: pass nil
// to skip retry-count instrumentation.
func NewPool(driver *Driver, decode TypeDecoder, concurrency int, defaultPolicy RetryPolicy, log *slog.Logger, retryCounter metric.Int64Counter) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		driver:        driver,
		decode:        decode,
		concurrency:   concurrency,
		log:           log,
		handlers:      make(map[string]registeredHandler),
		defaultPolicy: defaultPolicy,
		retryCounter:  retryCounter,
		sem:           make(chan struct{}, concurrency),
		stop:          make(chan struct{}),
	}
	driver.SetErrorHandler(func(err error) {
		p.log.Error("job queue driver failed to claim next job", "error", err)
	})
	return p
}

// Handle registers h for jobType, applying policy. A zero-value
// RetryPolicy is replaced by the pool's default.
func (p *Pool) Handle(jobType string, h Handler, policy RetryPolicy) {
	if policy.MaxRetryCount == 0 && policy.BackoffBase == 0 {
		policy = p.defaultPolicy
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = registeredHandler{handler: h, policy: policy}
}

// Run starts the pool: it drains driver.Iterate, dispatching each
// claimed job to a goroutine bounded by the pool's concurrency, until
// ctx is canceled. Run blocks until every in-flight handler returns.
func (p *Pool) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			p.driver.Stop()
		case <-p.stop:
			p.driver.Stop()
			cancel()
		}
	}()

	p.driver.Iterate(runCtx, func(job Claimed) bool {
		p.sem <- struct{}{}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, job)
		}()
		return runCtx.Err() == nil
	})

	p.wg.Wait()
}

// ShutdownGracefully stops claiming new work and waits for in-flight
// handlers to finish or ctx to expire. In-flight jobs whose handler does
// not return remain status processing, recovered on next startup
// according to the configured processing-status recovery policy.
func (p *Pool) ShutdownGracefully(ctx context.Context) error {
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) process(ctx context.Context, job Claimed) {
	ctx = logger.WithJobID(ctx, job.ID.String())
	log := logger.FromContext(ctx, p.log)

	jobType, err := p.decode(job.Payload)
	if err != nil {
		log.Error("failed to decode job payload", "error", err)
		if err := p.driver.Failed(ctx, job.ID); err != nil {
			log.Error("failed to mark undecodable job failed", "error", err)
		}
		return
	}

	p.mu.RLock()
	rh, ok := p.handlers[jobType]
	p.mu.RUnlock()
	if !ok {
		log.Error("no handler registered for job type", "job_type", jobType, "error", fmt.Errorf("%w: type=%s", ErrNoHandler, jobType))
		if err := p.driver.Failed(ctx, job.ID); err != nil {
			log.Error("failed to mark unhandled job failed", "error", err)
		}
		return
	}

	if err := rh.handler(ctx, job.Payload); err != nil {
		p.retryOrFail(ctx, job, rh.policy, err)
		return
	}

	if err := p.driver.Finished(ctx, job.ID); err != nil {
		log.Error("failed to mark job finished", "error", err)
	}
}

// retryMetadataKey namespaces per-job attempt counters in the queue
// metadata table, keyed separately from user-set metadata.
func retryMetadataKey(id string) string { return "_hb_retry_count:" + id }

func (p *Pool) attemptCount(ctx context.Context, jobID string) (int, error) {
	raw, ok, err := p.driver.GetMetadata(ctx, retryMetadataKey(jobID))
	if err != nil || !ok {
		return 0, err
	}
	return int(raw[0]), nil
}

func (p *Pool) setAttemptCount(ctx context.Context, jobID string, count int) error {
	return p.driver.SetMetadata(ctx, retryMetadataKey(jobID), []byte{byte(count)})
}

func (p *Pool) retryOrFail(ctx context.Context, job Claimed, policy RetryPolicy, cause error) {
	log := logger.FromContext(ctx, p.log)

	count, err := p.attemptCount(ctx, job.ID.String())
	if err != nil {
		log.Error("failed to read retry count", "error", err)
	}

	if count >= policy.MaxRetryCount {
		log.Warn("job exhausted retries, marking failed", "attempts", count, "error", cause)
		if err := p.driver.Failed(ctx, job.ID); err != nil {
			log.Error("failed to mark exhausted job failed", "error", err)
		}
		return
	}

	if p.retryCounter != nil {
		p.retryCounter.Add(ctx, 1)
	}

	backoff := policy.backoff(count)
	delayedUntil := time.Now().Add(backoff)

	log.Info("retrying job after backoff", "attempt", count+1, "backoff", backoff, "error", cause)
	if err := p.setAttemptCount(ctx, job.ID.String(), count+1); err != nil {
		log.Error("failed to persist retry count", "error", err)
	}
	if err := p.driver.MarkPending(ctx, job.ID); err != nil {
		log.Error("failed to reset job to pending", "error", err)
	}
	if err := p.driver.Requeue(ctx, job.ID, &delayedUntil); err != nil {
		log.Error("failed to requeue job", "error", err)
	}
}
