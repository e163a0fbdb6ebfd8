// Package worker runs the claim/lease/execute loop against a
// storage.Backend, in the shape of the teacher's
// pkg/core/executor/executor.go: a bounded worker-pool semaphore, a
// scheduling goroutine, and a graceful, timeout-bounded Shutdown.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/senpuki/senpuki/internal/logging"
	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/notify"
	"github.com/senpuki/senpuki/pkg/orchestrator"
	"github.com/senpuki/senpuki/pkg/registry"
	"github.com/senpuki/senpuki/pkg/retry"
	"github.com/senpuki/senpuki/pkg/serializer"
	"github.com/senpuki/senpuki/pkg/storage"
)

// Config controls one Worker's behavior.
type Config struct {
	ID            string
	Queues        []string // empty means "any queue"
	Concurrency   int
	LeaseDuration time.Duration
	HeartbeatEvery time.Duration
	// RequiredTags restricts claims to tasks carrying every one of
	// these tags (empty means no tag filter).
	RequiredTags []string
	// EmptyQueueBackoff is the poller used when ClaimNextTask finds no
	// eligible task, before trying again.
	EmptyQueueBackoff notify.Poller
}

// DefaultConfig matches the teacher's executor defaults in spirit: a
// modest fixed worker pool, generous lease, frequent heartbeats.
func DefaultConfig(id string) Config {
	return Config{
		ID:                id,
		Concurrency:       4,
		LeaseDuration:     30 * time.Second,
		HeartbeatEvery:    10 * time.Second,
		EmptyQueueBackoff: notify.DefaultPoller(),
	}
}

// Worker claims tasks from Backend and executes them against Registry,
// dispatching orchestrator-registered functions through
// orchestrator.Driver and everything else directly.
type Worker struct {
	cfg      Config
	backend  storage.Backend
	registry *registry.Registry
	codec    *serializer.Serializer
	driver   *orchestrator.Driver
	bus      notify.Bus

	sem      chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
	ready    chan struct{}
	readyOnce sync.Once

	backoff time.Duration // current empty-queue wait, reset on each successful claim
}

// New builds a Worker. bus may be nil, in which case notification of
// waiters relies entirely on their own Poller fallback.
func New(cfg Config, backend storage.Backend, reg *registry.Registry, codec *serializer.Serializer, bus notify.Bus) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		cfg:      cfg,
		backend:  backend,
		registry: reg,
		codec:    codec,
		driver:   orchestrator.New(backend, reg, codec),
		bus:      bus,
		sem:      make(chan struct{}, cfg.Concurrency),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// Run drives the claim loop until ctx is cancelled or Drain is called.
// It blocks until every in-flight task finishes and the loop exits.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	w.readyOnce.Do(func() { close(w.ready) })

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case <-w.stopCh:
			w.wg.Wait()
			return nil
		case w.sem <- struct{}{}:
		}

		task, err := w.backend.ClaimNextTask(ctx, w.cfg.Queues, w.cfg.RequiredTags, w.cfg.ID, w.cfg.LeaseDuration)
		if err != nil {
			<-w.sem
			if errors.Is(err, storage.ErrNoTaskReady) {
				select {
				case <-ctx.Done():
					w.wg.Wait()
					return ctx.Err()
				case <-w.stopCh:
					w.wg.Wait()
					return nil
				case <-time.After(w.nextBackoff()):
				}
				continue
			}
			log.Ctx(ctx).Warn().Err(err).Msg("claim failed")
			continue
		}
		w.backoff = 0

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runOne(ctx, task)
		}()
	}
}

// nextBackoff advances the empty-queue wait geometrically, matching
// notify.Poller's shape without reusing ClaimNextTask itself as a
// probe (which would claim and orphan a real task as a side effect).
func (w *Worker) nextBackoff() time.Duration {
	min := w.cfg.EmptyQueueBackoff.MinInterval
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := w.cfg.EmptyQueueBackoff.MaxInterval
	if max <= 0 {
		max = 5 * time.Second
	}
	if w.backoff <= 0 {
		w.backoff = min
	} else {
		w.backoff *= 2
		if w.backoff > max {
			w.backoff = max
		}
	}
	return w.backoff
}

// Ready is closed once Run has started its claim loop.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Stopped is closed once Run has returned.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

// Drain requests a graceful stop: no new tasks are claimed, and Drain
// blocks (bounded by ctx) until in-flight tasks finish.
func (w *Worker) Drain(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: drain deadline exceeded: %w", ctx.Err())
	}
}

func (w *Worker) runOne(ctx context.Context, task *storage.Task) {
	ctx = logging.WithTask(ctx, task.ExecutionID, task.ID, task.FunctionName)
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if task.TimeoutSeconds > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.heartbeat(taskCtx, task, cancel, heartbeatDone)
	defer close(heartbeatDone)

	logger := log.Ctx(ctx)

	def, err := w.registry.Lookup(task.FunctionName)
	if err != nil {
		logger.Error().Err(err).Msg("task references unregistered function")
		w.fail(ctx, task, err, false)
		return
	}

	if def.Cacheable && task.IdempotencyKey != "" {
		if cached, err := w.backend.CacheGet(ctx, task.FunctionName, task.IdempotencyKey); err == nil {
			logger.Debug().Msg("idempotency cache hit")
			w.complete(ctx, task, cached)
			return
		} else if !errors.Is(err, storage.ErrCacheMiss) {
			logger.Warn().Err(err).Msg("cache lookup failed, executing anyway")
		}
	}

	var (
		result  any
		runErr  error
		outcome orchestrator.Outcome
	)
	if def.IsOrchestrator {
		outcome, runErr = w.driver.Execute(taskCtx, task)
		if runErr == nil && outcome.Parked {
			resumeAt := outcome.ResumeAt
			if resumeAt.IsZero() {
				resumeAt = time.Now().UTC()
			}
			if perr := w.backend.ParkTask(ctx, task.ID, task.LeaseToken, resumeAt); perr != nil {
				logger.Warn().Err(perr).Msg("park failed")
			}
			return
		}
	} else {
		base := execctx.NewBase(taskCtx, task.ExecutionID, task.ID, task.FunctionName, task.FailureAttempts, task.Args, w.codec, w.backend)
		result, runErr = def.Fn(leafContext{base})
	}

	if runErr != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			logger.Warn().Msg("task timed out")
			w.timeout(ctx, task)
			return
		}
		policy := effectiveRetryPolicy(def, task)
		retryable := policy.ShouldRetry(task.FailureAttempts+1, runErr)
		logger.Warn().Err(runErr).Bool("retry", retryable).Msg("task failed")
		w.fail(ctx, task, runErr, retryable)
		return
	}

	var raw []byte
	if def.IsOrchestrator {
		raw = outcome.Result
	} else {
		raw, err = w.codec.Encode(result)
		if err != nil {
			w.fail(ctx, task, fmt.Errorf("worker: encode result: %w", err), false)
			return
		}
	}

	if def.Cacheable && task.IdempotencyKey != "" {
		if err := w.backend.CachePut(ctx, task.FunctionName, task.IdempotencyKey, raw); err != nil {
			logger.Warn().Err(err).Msg("cache write failed")
		}
	}
	w.complete(ctx, task, raw)
}

func (w *Worker) complete(ctx context.Context, task *storage.Task, result []byte) {
	if err := w.backend.CompleteTask(ctx, task.ID, task.LeaseToken, result); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task_id", task.ID).Msg("complete failed")
		return
	}
	w.publish(ctx, task, "completed")
}

func (w *Worker) fail(ctx context.Context, task *storage.Task, cause error, retry bool) {
	var nextAttempt time.Time
	if retry {
		def, err := w.registry.Lookup(task.FunctionName)
		delay := time.Second
		if err == nil {
			delay = effectiveRetryPolicy(def, task).Delay(task.FailureAttempts + 1)
		}
		nextAttempt = time.Now().UTC().Add(delay)
	}
	if err := w.backend.FailTask(ctx, task.ID, task.LeaseToken, cause.Error(), retry, nextAttempt); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task_id", task.ID).Msg("fail-task write failed")
		return
	}
	state := "dead_letter"
	if retry {
		state = "pending"
	}
	w.publish(ctx, task, state)
}

// timeout handles a task that ran past its TimeoutSeconds. A timeout is
// always terminal for the current attempt regardless of retry policy:
// the task is dead-lettered and its owning execution moves to
// ExecutionTimedOut, never rescheduled and never ExecutionFailed.
func (w *Worker) timeout(ctx context.Context, task *storage.Task) {
	cause := fmt.Errorf("worker: task exceeded timeout")
	if err := w.backend.TimeoutTask(ctx, task.ID, task.LeaseToken, cause.Error()); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("task_id", task.ID).Msg("timeout-task write failed")
		return
	}
	w.publish(ctx, task, "timed_out")
}

// effectiveRetryPolicy returns the task's per-dispatch retry policy
// override if one was supplied, else the registered function's default.
// A decode failure or a missing Terminal classifier on the override
// falls back to retry.NeverTerminal: retry.Policy.Terminal is a func
// value and cannot round-trip through JSON, so a dispatch-time override
// can steer MaxAttempts/BaseDelay/MaxDelay/Multiplier/Jitter but never a
// custom terminal-error classifier.
func effectiveRetryPolicy(def *registry.Definition, task *storage.Task) retry.Policy {
	if len(task.RetryPolicy) == 0 {
		return def.Retry
	}
	var override retry.Policy
	if err := json.Unmarshal(task.RetryPolicy, &override); err != nil {
		return def.Retry
	}
	if override.Terminal == nil {
		override.Terminal = retry.NeverTerminal
	}
	return override
}

// publish notifies waiters keyed by this task's own topic and its
// execution's topic, plus (best-effort) the parent task's topic when
// this task is a durable call dispatched from a parked orchestrator.
// The claim loop is scan/poll-based rather than subscribed per task, so
// this only shortens the parent's next poll rather than waking it
// immediately; ClaimNextTask's own claim cycle remains the only thing
// that actually resumes it.
func (w *Worker) publish(ctx context.Context, task *storage.Task, state string) {
	if w.bus == nil {
		return
	}
	msg := notify.Message{TaskID: task.ID, ExecutionID: task.ExecutionID, State: state}
	if err := w.bus.Publish(ctx, notify.TaskTopic(task.ID), msg); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("publish task notification failed")
	}
	if err := w.bus.Publish(ctx, notify.ExecutionTopic(task.ExecutionID), msg); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("publish execution notification failed")
	}
	if task.ParentTaskID != "" {
		if err := w.bus.Publish(ctx, notify.TaskTopic(task.ParentTaskID), msg); err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("publish parent task notification failed")
		}
	}
}

// heartbeat renews task's lease on cfg.HeartbeatEvery. If RenewLease
// ever fails, the lease is gone (lost to a reclaim or another worker),
// and cancel stops the in-flight runner via taskCtx so it does not run
// to completion after losing the lease it was granted under.
func (w *Worker) heartbeat(ctx context.Context, task *storage.Task, cancel context.CancelFunc, done <-chan struct{}) {
	interval := w.cfg.HeartbeatEvery
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.backend.RenewLease(ctx, task.ID, task.LeaseToken, w.cfg.LeaseDuration); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("task_id", task.ID).Msg("lease renewal failed, cancelling runner")
				cancel()
				return
			}
		}
	}
}

// leafContext adapts execctx.Base for plain (non-orchestrator)
// functions, where the durable operations are unavailable.
type leafContext struct {
	*execctx.Base
}

func (leafContext) Call(string, any) (execctx.Future, error)    { return nil, execctx.ErrNotOrchestrated }
func (leafContext) Sleep(time.Duration) (execctx.Future, error) { return nil, execctx.ErrNotOrchestrated }
func (leafContext) WaitForSignal(string, time.Duration) (execctx.Future, error) {
	return nil, execctx.ErrNotOrchestrated
}

var _ execctx.Context = leafContext{}
