// Package senpuki is the executor facade: the one type an embedding
// application constructs, registers functions against, dispatches
// executions through, and runs a worker fleet from. It plays the role
// the teacher's pkg/core/engine.Engine plays for its DAG runtime,
// wired instead against Senpuki's storage/registry/orchestrator/worker
// stack.
package senpuki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/senpuki/senpuki/pkg/notify"
	"github.com/senpuki/senpuki/pkg/registry"
	"github.com/senpuki/senpuki/pkg/retry"
	"github.com/senpuki/senpuki/pkg/serializer"
	"github.com/senpuki/senpuki/pkg/storage"
	"github.com/senpuki/senpuki/pkg/storage/sql"
	"github.com/senpuki/senpuki/pkg/storage/sqlite"
	"github.com/senpuki/senpuki/pkg/worker"
)

// Senpuki wires storage, the function registry, and (optionally) a
// notification bus into one facade. It does not itself run any
// workers until CreateWorkerLifecycle/Serve is called.
type Senpuki struct {
	backend  storage.Backend
	registry *registry.Registry
	codec    *serializer.Serializer
	bus      notify.Bus

	mu      sync.Mutex
	workers []*worker.Worker
	wg      sync.WaitGroup
}

// Option configures New.
type Option func(*options)

type options struct {
	bus       notify.Bus
	redisURL  string
	codec     *serializer.Serializer
}

// WithBus attaches a pre-built notification bus (typically a
// notify.RedisBus for a multi-process deployment).
func WithBus(bus notify.Bus) Option { return func(o *options) { o.bus = bus } }

// WithRedisNotify builds and attaches a notify.RedisBus from a Redis
// URL, an alternative to WithBus for the common case.
func WithRedisNotify(redisURL string) Option { return func(o *options) { o.redisURL = redisURL } }

// WithCodec overrides the default JSON+gob serializer.Serializer.
func WithCodec(c *serializer.Serializer) Option { return func(o *options) { o.codec = c } }

// New opens a Backend from dsn (dispatching on scheme exactly as
// storage.SchemeOf documents), builds a fresh Registry, and applies
// opts. It also calls Backend.InitSchema.
func New(ctx context.Context, dsn string, opts ...Option) (*Senpuki, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	scheme, err := storage.SchemeOf(dsn)
	if err != nil {
		return nil, err
	}

	var backend storage.Backend
	switch scheme {
	case "sqlite":
		backend, err = sqlite.Open(stripScheme(dsn))
	case "postgres":
		backend, err = sql.OpenPostgres(dsn)
	case "mysql":
		backend, err = sql.OpenMySQL(dsn)
	default:
		return nil, fmt.Errorf("senpuki: unsupported backend scheme %q", scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("senpuki: open backend: %w", err)
	}
	if err := backend.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("senpuki: init schema: %w", err)
	}

	bus := o.bus
	if bus == nil && o.redisURL != "" {
		bus, err = notify.NewRedisBus(o.redisURL)
		if err != nil {
			return nil, fmt.Errorf("senpuki: connect notification bus: %w", err)
		}
	}

	codec := o.codec
	if codec == nil {
		codec = serializer.New()
	}

	return &Senpuki{
		backend:  backend,
		registry: registry.New(),
		codec:    codec,
		bus:      bus,
	}, nil
}

func stripScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[i+3:]
	}
	return dsn
}

// Register adds a durable function under name, forwarding to the
// underlying Registry.
func (s *Senpuki) Register(name string, fn registry.Func, opts ...registry.Option) error {
	return s.registry.Register(name, fn, opts...)
}

// Registry exposes the underlying Registry for callers that want to
// inspect registrations.
func (s *Senpuki) Registry() *registry.Registry { return s.registry }

// Backend exposes the underlying storage.Backend, mainly for tooling
// that needs direct access (migrations, admin scripts).
func (s *Senpuki) Backend() storage.Backend { return s.backend }

// DispatchOptions holds the per-call overrides Dispatch accepts, applied
// on top of the registered function's Definition defaults. Zero value
// means "no overrides": every field is left at whatever Register set.
type DispatchOptions struct {
	queue             string
	queueSet          bool
	priority          int
	prioritySet       bool
	tags              []string
	tagsSet           bool
	delay             time.Duration
	expiry            time.Duration
	expirySet         bool
	idempotencyKey    string
	idempotencyKeySet bool
	retryPolicy       *retry.Policy
}

// DispatchOption configures a DispatchOptions, mirroring the shape of
// registry.Option.
type DispatchOption func(*DispatchOptions)

// WithDispatchQueue overrides the registered function's queue for this
// call only.
func WithDispatchQueue(queue string) DispatchOption {
	return func(o *DispatchOptions) { o.queue, o.queueSet = queue, true }
}

// WithDispatchPriority overrides the registered function's priority for
// this call only.
func WithDispatchPriority(p int) DispatchOption {
	return func(o *DispatchOptions) { o.priority, o.prioritySet = p, true }
}

// WithDispatchTags replaces the registered function's tags for this
// call only.
func WithDispatchTags(tags ...string) DispatchOption {
	return func(o *DispatchOptions) { o.tags, o.tagsSet = tags, true }
}

// WithDispatchDelay shifts the root task's scheduled_for by d.
func WithDispatchDelay(d time.Duration) DispatchOption {
	return func(o *DispatchOptions) { o.delay = d }
}

// WithDispatchExpiry overrides the registered function's execution
// timeout for this call only.
func WithDispatchExpiry(d time.Duration) DispatchOption {
	return func(o *DispatchOptions) { o.expiry, o.expirySet = d, true }
}

// WithDispatchIdempotencyKey overrides the registered function's
// IdempotencyKeyFn (if any) with a caller-supplied key for this call
// only, and marks the task cacheable.
func WithDispatchIdempotencyKey(key string) DispatchOption {
	return func(o *DispatchOptions) { o.idempotencyKey, o.idempotencyKeySet = key, true }
}

// WithDispatchRetryPolicy overrides the registered function's retry
// policy for this call only. p.Terminal cannot survive the JSON
// round-trip a per-dispatch override is stored with (it is a func
// value), so the effective policy always classifies errors as
// non-terminal (retry.NeverTerminal) regardless of what p.Terminal was
// set to; MaxAttempts, BaseDelay, MaxDelay, Multiplier, and Jitter all
// carry through.
func WithDispatchRetryPolicy(p retry.Policy) DispatchOption {
	return func(o *DispatchOptions) { o.retryPolicy = &p }
}

// Dispatch creates a new execution and its root task, returning the
// new execution's ID immediately without waiting for it to run. opts
// override the registered function's queue, priority, tags, schedule,
// expiry, idempotency key, and retry policy for this call only; the
// underlying registration is untouched.
func (s *Senpuki) Dispatch(ctx context.Context, fnName string, args any, opts ...DispatchOption) (string, error) {
	def, err := s.registry.Lookup(fnName)
	if err != nil {
		return "", err
	}
	var do DispatchOptions
	for _, opt := range opts {
		opt(&do)
	}

	rawArgs, err := s.codec.Encode(args)
	if err != nil {
		return "", fmt.Errorf("senpuki: encode dispatch args: %w", err)
	}

	now := time.Now().UTC()
	scheduledFor := now
	if do.delay > 0 {
		scheduledFor = scheduledFor.Add(do.delay)
	}

	queue, priority, tags, timeoutSeconds := def.Queue, def.Priority, def.Tags, def.Timeout
	if do.queueSet {
		queue = do.queue
	}
	if do.prioritySet {
		priority = do.priority
	}
	if do.tagsSet {
		tags = do.tags
	}
	if do.expirySet {
		timeoutSeconds = int(do.expiry.Seconds())
	}

	execID := uuid.NewString()
	taskID := uuid.NewString()
	exec := &storage.Execution{
		ID: execID, FunctionName: fnName, RootTaskID: taskID,
		State: storage.ExecutionPending, CreatedAt: now, UpdatedAt: now,
	}
	task := &storage.Task{
		ID: taskID, ExecutionID: execID, FunctionName: fnName, Args: rawArgs,
		Queue: queue, Priority: priority, Tags: storage.EncodeTags(tags), State: storage.TaskPending,
		MaxAttempts: def.Retry.MaxAttempts, ScheduledFor: scheduledFor, CreatedAt: now,
		TimeoutSeconds: timeoutSeconds, ConcurrencyGroup: def.ConcurrencyGroup,
		ConcurrencyLimit: def.ConcurrencyLimit, Cacheable: def.Cacheable, IsRoot: true,
	}
	switch {
	case do.idempotencyKeySet:
		task.IdempotencyKey = do.idempotencyKey
		task.Cacheable = true
	case def.IdempotencyKeyFn != nil:
		task.IdempotencyKey = def.IdempotencyKeyFn(args)
	}
	if do.retryPolicy != nil {
		raw, err := json.Marshal(do.retryPolicy)
		if err != nil {
			return "", fmt.Errorf("senpuki: encode retry policy override: %w", err)
		}
		task.RetryPolicy = raw
		task.MaxAttempts = do.retryPolicy.MaxAttempts
	}

	if err := s.backend.CreateExecutionWithRootTask(ctx, exec, task); err != nil {
		return "", fmt.Errorf("senpuki: dispatch %s: %w", fnName, err)
	}
	return execID, nil
}

// WaitFor blocks until executionID reaches a terminal state or ctx is
// done. It prefers the notification bus if one is configured, falling
// back to notify.DefaultPoller() otherwise (and always as a safety net
// alongside the bus, since a pub/sub message can be dropped).
func (s *Senpuki) WaitFor(ctx context.Context, executionID string) (*storage.Execution, error) {
	if exec, err := s.StateOf(ctx, executionID); err == nil && exec.State.Terminal() {
		return exec, nil
	}

	var unsubscribe func()
	var updates <-chan notify.Message
	if s.bus != nil {
		ch, cancel, err := s.bus.Subscribe(ctx, notify.ExecutionTopic(executionID))
		if err == nil {
			updates, unsubscribe = ch, cancel
			defer unsubscribe()
		} else {
			log.Ctx(ctx).Debug().Err(err).Msg("senpuki: bus subscribe failed, falling back to polling")
		}
	}

	poller := notify.DefaultPoller()
	probe := func(ctx context.Context) (bool, error) {
		exec, err := s.StateOf(ctx, executionID)
		if err != nil {
			return false, err
		}
		return exec.State.Terminal(), nil
	}

	if updates == nil {
		if err := poller.Poll(ctx, probe); err != nil {
			return nil, err
		}
		return s.StateOf(ctx, executionID)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-updates:
			exec, err := s.StateOf(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if exec.State.Terminal() {
				return exec, nil
			}
		case <-time.After(poller.MaxInterval):
			// safety-net poll in case a pub/sub message was dropped
			exec, err := s.StateOf(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if exec.State.Terminal() {
				return exec, nil
			}
		}
	}
}

// StateOf returns the current execution record, including its durable
// counters and custom state alongside its result/error/progress.
func (s *Senpuki) StateOf(ctx context.Context, executionID string) (*storage.Execution, error) {
	exec, err := s.backend.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	counters, customState, err := s.backend.GetExecutionState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exec.Counters = counters
	exec.CustomState = customState
	return exec, nil
}

// ResultOf decodes a completed execution's result into out. It returns
// an error if the execution has not completed successfully.
func (s *Senpuki) ResultOf(ctx context.Context, executionID string, out any) error {
	exec, err := s.backend.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.State != storage.ExecutionCompleted {
		return fmt.Errorf("senpuki: execution %s is %s, not completed", executionID, exec.State)
	}
	return s.codec.Decode(exec.Result, out)
}

// ListExecutions lists executions matching opts.
func (s *Senpuki) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*storage.Execution, error) {
	return s.backend.ListExecutions(ctx, opts)
}

// CountExecutions returns the number of executions matching opts
// (opts.Limit is ignored) without materializing them.
func (s *Senpuki) CountExecutions(ctx context.Context, opts storage.ListOptions) (int64, error) {
	return s.backend.CountExecutions(ctx, opts)
}

// CountDeadLetters returns the total number of dead-lettered tasks
// without materializing them.
func (s *Senpuki) CountDeadLetters(ctx context.Context) (int64, error) {
	return s.backend.CountDeadLetters(ctx)
}

// Cancel moves executionID to ExecutionCancelled. Once cancelled,
// ClaimNextTask stops returning any of its tasks, so in-flight work
// observes the cancellation on its next claim cycle rather than being
// interrupted mid-attempt. Returns storage.ErrAlreadyTerminal if the
// execution has already reached a terminal state.
func (s *Senpuki) Cancel(ctx context.Context, executionID string) error {
	if err := s.backend.CancelExecution(ctx, executionID); err != nil {
		return fmt.Errorf("senpuki: cancel %s: %w", executionID, err)
	}
	if s.bus != nil {
		msg := notify.Message{ExecutionID: executionID, State: "cancelled"}
		if perr := s.bus.Publish(ctx, notify.ExecutionTopic(executionID), msg); perr != nil {
			log.Ctx(ctx).Debug().Err(perr).Msg("senpuki: publish cancellation notification failed")
		}
	}
	return nil
}

// SendSignal delivers a named signal payload to a waiting execution.
func (s *Senpuki) SendSignal(ctx context.Context, executionID, name string, payload any) error {
	raw, err := s.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("senpuki: encode signal payload: %w", err)
	}
	if err := s.backend.SendSignal(ctx, executionID, name, raw); err != nil {
		return err
	}
	if s.bus != nil {
		msg := notify.Message{ExecutionID: executionID, State: "signaled"}
		if perr := s.bus.Publish(ctx, notify.ExecutionTopic(executionID), msg); perr != nil {
			log.Ctx(ctx).Debug().Err(perr).Msg("senpuki: publish signal notification failed")
		}
	}
	return nil
}

// ListDeadLetters, GetDeadLetter, DeleteDeadLetter, and ReplayDeadLetter
// forward directly to the backend; they exist on Senpuki so
// cmd/senpukictl and embedding applications don't need to reach past
// the facade into storage.Backend for dead-letter-queue operations.
func (s *Senpuki) ListDeadLetters(ctx context.Context, limit int) ([]*storage.DeadLetter, error) {
	return s.backend.ListDeadLetters(ctx, limit)
}

func (s *Senpuki) GetDeadLetter(ctx context.Context, id string) (*storage.DeadLetter, error) {
	return s.backend.GetDeadLetter(ctx, id)
}

func (s *Senpuki) DeleteDeadLetter(ctx context.Context, id string) error {
	return s.backend.DeleteDeadLetter(ctx, id)
}

// ReplayDeadLetter reinserts a dead-lettered task as a new pending
// task. queue overrides the snapshot's original queue when non-empty.
func (s *Senpuki) ReplayDeadLetter(ctx context.Context, id string, queue string) (*storage.Task, error) {
	return s.backend.ReplayDeadLetter(ctx, id, queue)
}

// CleanupExecutions deletes terminal executions older than olderThan.
func (s *Senpuki) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.backend.CleanupExecutions(ctx, olderThan)
}

// CreateWorkerLifecycle builds and registers a new worker.Worker
// against this Senpuki's backend, registry, codec, and bus, without
// starting it. Callers that want fine-grained control over individual
// workers (rather than Serve's fixed fleet) use this directly.
func (s *Senpuki) CreateWorkerLifecycle(cfg worker.Config) *worker.Worker {
	w := worker.New(cfg, s.backend, s.registry, s.codec, s.bus)
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	return w
}

// Serve runs count workers (each with cfg, given distinct IDs) until
// ctx is cancelled, then drains them gracefully, mirroring the
// teacher's Engine.Start/Stop lifecycle.
func (s *Senpuki) Serve(ctx context.Context, count int, cfg worker.Config) error {
	if count <= 0 {
		count = 1
	}
	baseID := cfg.ID
	if baseID == "" {
		baseID = "senpuki-worker"
	}

	errCh := make(chan error, count)
	for i := 0; i < count; i++ {
		wc := cfg
		wc.ID = fmt.Sprintf("%s-%d", baseID, i)
		w := s.CreateWorkerLifecycle(wc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			errCh <- w.Run(ctx)
		}()
	}

	<-ctx.Done()
	log.Ctx(ctx).Info().Int("workers", count).Msg("senpuki: draining worker fleet")
	s.wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// RequestWorkerDrain asks every worker created via CreateWorkerLifecycle
// or Serve to stop accepting new work and blocks (bounded by ctx) until
// they finish in-flight tasks.
func (s *Senpuki) RequestWorkerDrain(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]*worker.Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	for _, w := range workers {
		if err := w.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the backend's connections and the notification bus,
// if one is configured.
func (s *Senpuki) Close() error {
	var errs []error
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("senpuki: close: %v", errs)
	}
	return nil
}
