// Package execctx defines the handle a running durable function body
// receives, generalizing the teacher's TaskContext (pkg/core/task/
// task_context.go) away from its DAG/instance-manager dependencies and
// onto Senpuki's execution+task+progress-log model.
package execctx

import (
	"context"
	"errors"
	"time"
)

// ErrParked is returned by Future.Get when the durable step it guards
// has not yet resolved: the caller (an orchestrator entrypoint body)
// is expected to propagate it immediately, the same way idiomatic Go
// propagates any other error. pkg/worker treats it as "still running",
// not as a failed attempt.
var ErrParked = errors.New("execctx: durable step is still pending")

// ErrSignalTimeout is returned by a signal wait's Future.Get once the
// wait's optional timeout has elapsed without the signal arriving.
var ErrSignalTimeout = errors.New("execctx: signal wait timed out")

// Future is a handle to a durable step (a call, a sleep, or a signal
// wait) that may or may not have resolved yet. Get decodes the
// resolved value into out (nil is fine for Sleep, which carries no
// value), or returns ErrParked if the step is still outstanding.
type Future interface {
	Get(out any) error
}

// Context is passed to every registered function. Plain (non-durable)
// functions typically only use Params/ExecutionID/TaskID/Attempt;
// orchestrator entrypoints additionally use Call/Sleep/WaitForSignal to
// declare durable steps. Call/Sleep/WaitForSignal never block: they
// either ensure the step has been recorded/dispatched and return
// immediately, or reuse an already-recorded step. Actually waiting for
// the result happens in Future.Get, so a caller can issue several
// Calls before awaiting any of them (fan-out) — see
// pkg/orchestrator.Map. Implementations of the durable operations are
// supplied by pkg/orchestrator; a plain worker-executed leaf function
// gets an implementation whose durable operations return
// ErrNotOrchestrated.
type Context interface {
	// Ctx is the underlying context.Context, carrying cancellation,
	// deadline, and the contextual logger (log.Ctx(ctx)).
	Ctx() context.Context

	ExecutionID() string
	TaskID() string
	FunctionName() string

	// Attempt is the number of genuine failed attempts before this run,
	// 0 on the first run (parking does not advance it).
	Attempt() int

	// Params decodes the task's argument payload into v.
	Params(v any) error

	// Call durably invokes another registered function by name. It
	// dispatches the child task on first encounter and is a no-op on
	// later replay passes that already recorded the dispatch; either
	// way it returns immediately. Await the result with Future.Get.
	Call(name string, args any) (Future, error)

	// Sleep durably parks for d, returning a Future that resolves once
	// d has elapsed since the sleep was first recorded.
	Sleep(d time.Duration) (Future, error)

	// WaitForSignal returns a Future that resolves once a signal named
	// name arrives for this execution. If timeout is nonzero and no
	// signal arrives within timeout of the wait first being recorded,
	// the Future resolves to ErrSignalTimeout instead of ErrParked. A
	// zero timeout waits indefinitely.
	WaitForSignal(name string, timeout time.Duration) (Future, error)

	// GetState/SetState hold ordinary (non-durable) values scoped to
	// the current attempt, for passing data between steps of a single
	// run without going through Call's durable-result plumbing.
	GetState(key string, out any) bool
	SetState(key string, v any)

	// AddCounter durably increments an execution-scoped counter and
	// returns its new value. Unlike GetState/SetState, this is
	// execution-durable: it survives across attempts and replays, and
	// is visible to Senpuki.StateOf. Use it instead of a local
	// accumulator for any count that must be correct under
	// orchestrator replay (see Context's package doc).
	AddCounter(name string, delta int64) (int64, error)

	// SetCustomState durably overwrites an execution-scoped state
	// value, the way AddCounter durably updates a counter.
	SetCustomState(key string, value []byte) error

	// GetCustomState reads a value written by SetCustomState, or
	// returns ok=false if key has never been set for this execution.
	GetCustomState(key string) (value []byte, ok bool, err error)
}
