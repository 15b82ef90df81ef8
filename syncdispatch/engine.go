/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package syncdispatch implements the dispatch engine of the record
// synchronization core: a pool of workers that turns queued operations into
// provider calls under per-provider rate limits, retries transient failures
// with backoff, and dead-letters operations that can never succeed.
package syncdispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/service"
	"go.uber.org/atomic"

	"github.com/acronis/go-syncdispatch/queue"
	"github.com/acronis/go-syncdispatch/ratelimit"
	"github.com/acronis/go-syncdispatch/retry"
	"github.com/acronis/go-syncdispatch/syncop"
)

// Engine is the sync dispatch engine.
//
// Engine implements the service.Worker contract of go-appkit
// (Run blocks until the context is canceled), so it can be run under
// service.NewWorkerUnit for lifecycle and graceful shutdown management.
type Engine struct {
	queue       queue.Queue
	rateLimiter *ratelimit.Manager
	clients     *ClientRegistry
	retryPolicy retry.Policy
	tracker     *resultTracker

	workers         int
	maxAttempts     int
	callTimeout     time.Duration
	claimVisibility time.Duration
	idlePoll        time.Duration

	logger           log.FieldLogger
	metricsCollector *MetricsCollector
	inFlight         atomic.Int64

	now func() time.Time
}

var (
	_ service.Worker            = (*Engine)(nil)
	_ service.MetricsRegisterer = (*Engine)(nil)
)

// Opts contains optional parameters for constructing Engine.
type Opts struct {
	Config           *Config
	Logger           log.FieldLogger
	MetricsCollector *MetricsCollector
	RetryPolicy      *retry.Policy
}

// NewEngine creates a new dispatch engine consuming operations from q
// under admission control of rl.
func NewEngine(q queue.Queue, rl *ratelimit.Manager) (*Engine, error) {
	return NewEngineWithOpts(q, rl, Opts{})
}

// NewEngineWithOpts creates a new dispatch engine
// with an ability to specify different optional parameters.
func NewEngineWithOpts(q queue.Queue, rl *ratelimit.Manager, opts Opts) (*Engine, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if rl == nil {
		return nil, fmt.Errorf("rate limiter manager is required")
	}
	if opts.Config == nil {
		opts.Config = NewDefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}

	retryPolicy := opts.Config.Retry.Policy()
	if opts.RetryPolicy != nil {
		retryPolicy = *opts.RetryPolicy
	}

	tracker, err := newResultTracker(opts.Config.StatusCacheMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("new result tracker: %w", err)
	}

	return &Engine{
		queue:            q,
		rateLimiter:      rl,
		clients:          NewClientRegistry(),
		retryPolicy:      retryPolicy,
		tracker:          tracker,
		workers:          opts.Config.Workers,
		maxAttempts:      opts.Config.MaxAttempts,
		callTimeout:      time.Duration(opts.Config.Timeouts.ProviderCall),
		claimVisibility:  time.Duration(opts.Config.Timeouts.ClaimVisibility),
		idlePoll:         time.Duration(opts.Config.IdlePollInterval),
		logger:           opts.Logger,
		metricsCollector: opts.MetricsCollector,
		now:              time.Now,
	}, nil
}

// RegisterProvider registers a provider: its rate profile in the rate limiter
// manager and its client in the registry. Registration may happen while the
// engine is running.
func (e *Engine) RegisterProvider(providerID string, sustainedRate float64, burst int, client ProviderClient) error {
	if client == nil {
		return fmt.Errorf("client is required for provider %q", providerID)
	}
	if err := e.rateLimiter.Register(providerID, sustainedRate, burst); err != nil {
		return err
	}
	e.clients.Register(providerID, client)
	return nil
}

// DeregisterProvider removes the provider's rate profile and client.
// Operations still queued for the provider will be dead-lettered on dispatch.
func (e *Engine) DeregisterProvider(providerID string) {
	e.rateLimiter.Deregister(providerID)
	e.clients.Deregister(providerID)
}

// Submit enqueues an operation for dispatch. Acceptance is independent of the
// eventual outcome; use Status to observe it.
func (e *Engine) Submit(ctx context.Context, op *syncop.Operation) error {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = e.now()
	}
	op.Status = syncop.StatusPending
	if err := e.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("enqueue operation: %w", err)
	}
	e.tracker.update(op)
	e.logger.Info("operation submitted",
		log.String("operation_id", op.ID),
		log.String("kind", string(op.Kind)),
		log.String("provider_id", op.Provider))
	return nil
}

// Status returns the current queryable outcome of an operation.
func (e *Engine) Status(operationID string) (syncop.Result, bool) {
	return e.tracker.get(operationID)
}

// InFlight returns the number of operations currently being sent to providers.
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Run starts the worker pool and blocks until ctx is canceled.
// Per-operation errors never stop other operations or workers.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting dispatch workers", log.Int("workers", e.workers))

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, workerID)
		}()
	}
	if reporter, ok := e.queue.(queue.DepthReporter); ok && e.metricsCollector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.queueDepthLoop(ctx, reporter)
		}()
	}
	wg.Wait()

	e.logger.Info("all dispatch workers stopped")
	return nil
}

// MustRegisterMetrics registers the engine's metrics in Prometheus.
// Implements service.MetricsRegisterer.
func (e *Engine) MustRegisterMetrics() {
	if e.metricsCollector != nil {
		e.metricsCollector.MustRegister()
	}
}

// UnregisterMetrics unregisters the engine's metrics.
// Implements service.MetricsRegisterer.
func (e *Engine) UnregisterMetrics() {
	if e.metricsCollector != nil {
		e.metricsCollector.Unregister()
	}
}

func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	logger := e.logger.With(log.String("worker_id", workerID))
	logger.Debug("dispatch worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("dispatch worker stopped")
			return
		}

		op, err := e.queue.Claim(ctx, workerID, e.claimVisibility)
		if err != nil {
			logger.Error("failed to claim operation", log.Error(err))
			e.sleep(ctx, e.idlePoll)
			continue
		}
		if op == nil {
			e.sleep(ctx, e.idlePoll)
			continue
		}

		e.dispatch(ctx, logger, workerID, op)
	}
}

// queueDepthLoop periodically publishes queue depth gauges.
func (e *Engine) queueDepthLoop(ctx context.Context, reporter queue.DepthReporter) {
	ticker := time.NewTicker(e.idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		depths, err := reporter.Depths(ctx)
		if err != nil {
			e.logger.Error("failed to report queue depth", log.Error(err))
			continue
		}
		e.metricsCollector.ObserveQueueDepths(depths)
	}
}

// dispatch performs one iteration of the dispatch protocol for a claimed operation.
func (e *Engine) dispatch(ctx context.Context, logger log.FieldLogger, workerID string, op *syncop.Operation) {
	logger = logger.With(
		log.String("operation_id", op.ID),
		log.String("provider_id", op.Provider))

	granted, wait, err := e.rateLimiter.TryAcquire(op.Provider, 1)
	if err != nil {
		// An unregistered provider can never succeed: dead-letter right away,
		// without consulting the retry policy. No attempt history is recorded
		// since the provider was never called.
		e.deadLetter(ctx, logger, workerID, op, err.Error())
		return
	}

	if !granted {
		// Do not block the worker on the wait: release the claim with the
		// estimated delay and move on, so one over-quota provider cannot
		// starve workers serving other providers.
		if requeueErr := e.queue.Requeue(ctx, workerID, op, wait); requeueErr != nil {
			logger.Error("failed to requeue operation after admission denial", log.Error(requeueErr))
			return
		}
		e.observeOutcome(op.Provider, metricsOutcomeDenied)
		logger.Debug("admission denied, operation requeued", log.DurationIn(wait, time.Millisecond))
		return
	}

	op.Status = syncop.StatusInFlight
	op.Attempts++
	op.LastAttemptAt = e.now()
	e.tracker.update(op)

	e.inFlight.Inc()
	if e.metricsCollector != nil {
		e.metricsCollector.InFlight.Inc()
	}
	callErr := e.callProvider(ctx, op)
	e.inFlight.Dec()
	if e.metricsCollector != nil {
		e.metricsCollector.InFlight.Dec()
	}

	if callErr == nil {
		e.succeed(ctx, logger, workerID, op)
		return
	}
	e.fail(ctx, logger, workerID, op, callErr)
}

func (e *Engine) callProvider(ctx context.Context, op *syncop.Operation) error {
	client, ok := e.clients.Get(op.Provider)
	if !ok {
		return syncop.NewTerminalError(0, fmt.Sprintf("no client registered for provider %q", op.Provider))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	start := e.now()
	err := client.Send(callCtx, op)
	if e.metricsCollector != nil {
		e.metricsCollector.ObserveCallDuration(op.Provider, e.now().Sub(start))
	}
	return err
}

func (e *Engine) succeed(ctx context.Context, logger log.FieldLogger, workerID string, op *syncop.Operation) {
	op.Status = syncop.StatusSucceeded
	if err := e.queue.Ack(ctx, workerID, op.ID); err != nil {
		logger.Error("failed to ack succeeded operation", log.Error(err))
	}
	e.tracker.update(op)
	e.observeOutcome(op.Provider, metricsOutcomeSucceeded)
	logger.Info("operation succeeded", log.Int("attempts", op.Attempts))
}

func (e *Engine) fail(ctx context.Context, logger log.FieldLogger, workerID string, op *syncop.Operation, callErr error) {
	class := syncop.ClassifyError(callErr)
	op.RecordFailure(e.now(), class, callErr.Error())

	if !retry.IsRetryable(class, op.Attempts, e.maxAttempts) {
		reason := fmt.Sprintf("%s failure on attempt %d: %s", class, op.Attempts, callErr.Error())
		e.deadLetter(ctx, logger, workerID, op, reason)
		return
	}

	delay := e.retryPolicy.NextDelay(op.Attempts)
	op.Status = syncop.StatusRetryScheduled
	if err := e.queue.Requeue(ctx, workerID, op, delay); err != nil {
		logger.Error("failed to requeue operation for retry", log.Error(err))
		return
	}
	e.tracker.update(op)
	e.observeOutcome(op.Provider, metricsOutcomeRetryScheduled)
	logger.Warn("operation scheduled for retry",
		log.Int("attempts", op.Attempts),
		log.DurationIn(delay, time.Millisecond),
		log.Error(callErr))
}

// deadLetter produces the terminal record of an operation and removes it from
// the active queue. There is no silent drop path: every operation reaches
// either SUCCEEDED or DEAD.
func (e *Engine) deadLetter(ctx context.Context, logger log.FieldLogger, workerID string, op *syncop.Operation, reason string) {
	entry := syncop.NewDeadLetterEntry(op, reason, e.now())
	if err := e.queue.DeadLetter(ctx, entry); err != nil {
		logger.Error("failed to write dead letter entry", log.Error(err))
	}
	if err := e.queue.Ack(ctx, workerID, op.ID); err != nil {
		logger.Error("failed to ack dead-lettered operation", log.Error(err))
	}
	op.Status = syncop.StatusDead
	e.tracker.update(op)
	e.observeOutcome(op.Provider, metricsOutcomeDeadLettered)
	logger.Error("operation dead-lettered",
		log.Int("attempts", op.Attempts),
		log.String("reason", reason))
}

func (e *Engine) observeOutcome(providerID, outcome string) {
	if e.metricsCollector != nil {
		e.metricsCollector.ObserveOutcome(providerID, outcome)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
