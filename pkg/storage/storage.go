// Package storage defines the durable state contract shared by every
// Senpuki backend. A Backend is the only thing that touches persistent
// state; the orchestrator driver, the worker loop, and the executor
// facade all program against this interface, never against a concrete
// database.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Execution states, in the order an execution normally passes through
// them. Terminal states are Completed, Failed, TimedOut, and Cancelled.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionTimedOut  ExecutionState = "timed_out"
	ExecutionCancelled ExecutionState = "cancelled"
)

func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Task states.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskClaimed   TaskState = "claimed"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskDead      TaskState = "dead"
)

// ProgressStatus mirrors the glyphs the CLI renders for a progress
// entry: completed ('+'), failed ('x'), anything else ('>').
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// ProgressEntry is one logical step (durable call, sleep, or signal
// wait) recorded against an execution's replay log.
type ProgressEntry struct {
	Index       int            `json:"index"`
	Step        string         `json:"step"`
	Status      ProgressStatus `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	// TaskRef is the child task ID a durable Call dispatched, so a
	// later replay pass can check that task's live state without
	// redispatching it.
	TaskRef string `json:"task_ref,omitempty"`
	// Result caches the durable step's decoded-ready payload (a call's
	// return value, or a signal's delivered payload) once resolved, so
	// replay can satisfy it without touching storage again.
	Result      []byte     `json:"result,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Execution is the root record for one call into a durable entrypoint
// function. Its RootTaskID points at the Task that runs the
// entrypoint; child tasks dispatched during the run share ExecutionID.
// Counters and CustomState are filled only by callers that assemble a
// full state view from GetExecutionState's maps; GetExecution and
// ListExecutions leave them nil, since most callers only need the
// execution row itself.
type Execution struct {
	ID          string         `db:"id"`
	FunctionName string        `db:"function_name"`
	RootTaskID  string         `db:"root_task_id"`
	State       ExecutionState `db:"state"`
	Result      []byte         `db:"result"`
	ErrorText   string         `db:"error_text"`
	Progress    []ProgressEntry `db:"-"`
	ProgressRaw []byte         `db:"progress"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	Counters    map[string]int64  `db:"-"`
	CustomState map[string][]byte `db:"-"`
}

// Task is one unit of work: either the root entrypoint task of an
// execution, or a durable call made from within an orchestrator.
type Task struct {
	ID               string     `db:"id"`
	ExecutionID      string     `db:"execution_id"`
	ParentTaskID     string     `db:"parent_task_id"`
	FunctionName     string     `db:"function_name"`
	Args             []byte     `db:"args"`
	Queue            string     `db:"queue"`
	Priority         int        `db:"priority"`
	Tags             string     `db:"tags"`
	State            TaskState  `db:"state"`
	// Attempt counts claims (including reclaims after an orchestrator
	// parks); FailureAttempts counts genuine failures and is what
	// retry.Policy.MaxAttempts is checked against, so parking never
	// eats into an orchestrator's retry budget.
	Attempt          int        `db:"attempt"`
	FailureAttempts  int        `db:"failure_attempts"`
	MaxAttempts      int        `db:"max_attempts"`
	ScheduledFor     time.Time  `db:"scheduled_for"`
	CreatedAt        time.Time  `db:"created_at"`
	ClaimedAt        *time.Time `db:"claimed_at"`
	LeaseExpiresAt   *time.Time `db:"lease_expires_at"`
	LeaseToken       string     `db:"lease_token"`
	WorkerID         string     `db:"worker_id"`
	TimeoutSeconds   int        `db:"timeout_seconds"`
	ConcurrencyGroup string     `db:"concurrency_group"`
	ConcurrencyLimit int        `db:"concurrency_limit"`
	Cacheable        bool       `db:"cacheable"`
	IdempotencyKey   string     `db:"idempotency_key"`
	// RetryPolicy is a JSON-encoded retry.Policy override supplied at
	// dispatch time; empty means "use the registered function's
	// default policy". Kept as opaque bytes here so pkg/storage does
	// not need to import pkg/retry.
	RetryPolicy []byte `db:"retry_policy"`
	Result      []byte `db:"result"`
	ErrorText   string `db:"error_text"`
	IsRoot      bool   `db:"is_root"`
}

// EncodeTags joins tags into the boundary-wrapped form Task.Tags is
// stored and filtered in (",tagA,tagB,"), so ClaimNextTask can match a
// single required tag with a plain LIKE '%,tag,%' without colliding on
// tag-name substrings.
func EncodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

// DecodeTags reverses EncodeTags.
func DecodeTags(raw string) []string {
	trimmed := strings.Trim(raw, ",")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, ",")
}

// DeadLetter is a snapshot of a Task that exhausted its retry budget
// or hit a terminal error classification, preserved for inspection and
// optional replay.
type DeadLetter struct {
	ID          string    `db:"id"`
	TaskID      string    `db:"task_id"`
	ExecutionID string    `db:"execution_id"`
	Snapshot    []byte    `db:"snapshot"`
	Reason      string    `db:"reason"`
	CreatedAt   time.Time `db:"created_at"`
}

// CacheEntry is a write-once memoized result keyed by function name
// and idempotency key.
type CacheEntry struct {
	FunctionName string    `db:"function_name"`
	Key          string    `db:"idempotency_key"`
	Result       []byte    `db:"result"`
	CreatedAt    time.Time `db:"created_at"`
}

// Signal is one FIFO-ordered message sent to a waiting execution.
type Signal struct {
	ID          string    `db:"id"`
	ExecutionID string    `db:"execution_id"`
	Name        string    `db:"name"`
	Payload     []byte    `db:"payload"`
	Consumed    bool      `db:"consumed"`
	CreatedAt   time.Time `db:"created_at"`
}

// ListOptions filters Backend.ListExecutions.
type ListOptions struct {
	State ExecutionState // zero value: no filter
	Limit int            // zero value: backend default
}

// Sentinel errors returned by Backend implementations. Backends must
// return these (wrapped with fmt.Errorf %w is fine) rather than
// driver-specific errors, so callers can use errors.Is uniformly.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrNoTaskReady    = errors.New("storage: no task ready to claim")
	ErrLeaseMismatch  = errors.New("storage: lease token mismatch")
	ErrAlreadyExists  = errors.New("storage: already exists")
	ErrCacheMiss      = errors.New("storage: cache miss")
	ErrConcurrencyCap = errors.New("storage: concurrency group at capacity")
	ErrAlreadyTerminal = errors.New("storage: execution already in a terminal state")
)

// Backend is the full durable-state contract. Every method takes a
// context so backends can honor cancellation and deadlines on what are
// ultimately network or disk calls.
type Backend interface {
	// InitSchema creates tables and indexes if they do not already
	// exist. Safe to call on every process start.
	InitSchema(ctx context.Context) error

	// CreateExecutionWithRootTask atomically inserts a new Execution
	// row and its root Task row.
	CreateExecutionWithRootTask(ctx context.Context, exec *Execution, root *Task) error

	// ClaimNextTask finds the highest-priority, earliest-eligible task
	// on one of the given queues (or any queue, if queues is empty),
	// enforces its concurrency group limit, and atomically marks it
	// claimed with a fresh lease held by workerID for leaseDuration.
	// The candidate set is pending tasks plus claimed/running tasks
	// whose lease has expired (a worker that died mid-task leaves its
	// lease to lapse, and any worker may then reclaim it). Tasks whose
	// execution has been cancelled, and tasks missing any tag in
	// requiredTags (or requiredTags is empty: no filter), are excluded.
	// Returns ErrNoTaskReady if nothing is eligible.
	ClaimNextTask(ctx context.Context, queues []string, requiredTags []string, workerID string, leaseDuration time.Duration) (*Task, error)

	// RenewLease extends an already-claimed task's lease, and promotes
	// a still-claimed task to running (the worker's first heartbeat
	// after picking up a task is what makes TaskRunning observable).
	// Returns ErrLeaseMismatch if leaseToken no longer matches (lost
	// lease).
	RenewLease(ctx context.Context, taskID, leaseToken string, extension time.Duration) error

	// CompleteTask marks a task completed with the given result. If this
	// was the root task, its owning execution moves to ExecutionCompleted
	// with the same result; completing any other task leaves the
	// execution row unchanged.
	CompleteTask(ctx context.Context, taskID, leaseToken string, result []byte) error

	// FailTask records a failed attempt, incrementing FailureAttempts.
	// If retry is true the task is reset to pending with the given
	// nextAttemptAt; otherwise it is moved to dead-lettered state and a
	// DeadLetter snapshot is written.
	FailTask(ctx context.Context, taskID, leaseToken string, errText string, retry bool, nextAttemptAt time.Time) error

	// TimeoutTask records a task that ran past its TimeoutSeconds. Unlike
	// FailTask, a timeout is always terminal for the current attempt
	// regardless of retry policy: the task is dead-lettered and its
	// owning execution moves to ExecutionTimedOut, never
	// ExecutionFailed.
	TimeoutTask(ctx context.Context, taskID, leaseToken string, errText string) error

	// CancelExecution moves a non-terminal execution to
	// ExecutionCancelled. Once cancelled, ClaimNextTask will no longer
	// return any of the execution's tasks, so the next claim cycle is
	// the last chance for in-flight work to observe it. Returns
	// ErrAlreadyTerminal if the execution has already reached a
	// terminal state.
	CancelExecution(ctx context.Context, executionID string) error

	// ParkTask releases an orchestrator task's claim back to pending,
	// scheduled for resumeAt, without touching FailureAttempts or
	// error_text: parking is a normal control-flow outcome of a
	// durable Call/Sleep/WaitForSignal awaiting resolution, not a
	// failure.
	ParkTask(ctx context.Context, taskID, leaseToken string, resumeAt time.Time) error

	// GetTask fetches a task by ID.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// GetExecution fetches an execution by ID.
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// ListExecutions returns executions matching opts, most recent first.
	ListExecutions(ctx context.Context, opts ListOptions) ([]*Execution, error)

	// CountExecutions returns the number of executions matching opts
	// (opts.Limit is ignored) using a native COUNT, without scanning or
	// materializing rows.
	CountExecutions(ctx context.Context, opts ListOptions) (int64, error)

	// UpdateExecutionState transitions an execution and optionally sets
	// its terminal result/error.
	UpdateExecutionState(ctx context.Context, executionID string, state ExecutionState, result []byte, errText string) error

	// AppendProgress appends or updates one progress entry on an
	// execution's replay log (by Index, so re-recording a step in a
	// later replay pass is an upsert, not a duplicate).
	AppendProgress(ctx context.Context, executionID string, entry ProgressEntry) error

	// DispatchChildTask inserts a new Task belonging to an existing
	// execution (used by durable calls made from an orchestrator).
	DispatchChildTask(ctx context.Context, task *Task) error

	// CacheGet returns a memoized result, or ErrCacheMiss.
	CacheGet(ctx context.Context, functionName, key string) ([]byte, error)

	// CachePut writes a memoized result. Implementations must make this
	// write-once: a second call with the same (functionName, key) but a
	// different result is a no-op, not an overwrite.
	CachePut(ctx context.Context, functionName, key string, result []byte) error

	// SendSignal appends a FIFO signal for an execution.
	SendSignal(ctx context.Context, executionID, name string, payload []byte) error

	// ConsumeSignal returns and marks consumed the oldest unconsumed
	// signal with the given name for an execution, or ErrNotFound.
	ConsumeSignal(ctx context.Context, executionID, name string) (*Signal, error)

	// ListDeadLetters returns dead-lettered tasks, most recent first.
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// CountDeadLetters returns the total number of dead-lettered tasks
	// using a native COUNT, without scanning or materializing rows.
	CountDeadLetters(ctx context.Context) (int64, error)

	// GetDeadLetter fetches one dead letter by ID.
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)

	// DeleteDeadLetter removes a dead letter without replaying it.
	DeleteDeadLetter(ctx context.Context, id string) error

	// ReplayDeadLetter inserts the snapshotted task as a brand-new
	// pending task (a fresh ID, attempt reset to 0), optionally on a
	// different queue if queue is non-empty. The original dead task row
	// and the dead_letters row are both left untouched; callers wanting
	// the dead letter gone after a successful replay must call
	// DeleteDeadLetter themselves. If the dead-lettered task was an
	// execution's root task, that execution (already terminal, since
	// FailTask/TimeoutTask moved it there) is reopened to
	// ExecutionPending with RootTaskID repointed at the new task.
	ReplayDeadLetter(ctx context.Context, id string, queue string) (*Task, error)

	// CleanupExecutions deletes terminal executions (and their tasks)
	// older than olderThan, returning the number removed.
	CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error)

	// AddCounter atomically increments an execution-scoped named counter
	// by delta (creating it at delta if it does not yet exist) and
	// returns its new total. Concurrent increments against the same
	// (executionID, name) must not lose updates.
	AddCounter(ctx context.Context, executionID, name string, delta int64) (int64, error)

	// SetCustomState durably overwrites an execution-scoped custom
	// state value, replacing any prior value under the same key.
	SetCustomState(ctx context.Context, executionID, key string, value []byte) error

	// GetExecutionState returns every counter and custom-state value
	// recorded for an execution. Either map is empty, never nil, if
	// nothing has been recorded under that kind.
	GetExecutionState(ctx context.Context, executionID string) (counters map[string]int64, customState map[string][]byte, err error)

	// Close releases any held connections.
	Close() error
}
