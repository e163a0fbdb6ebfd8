package execctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/senpuki/senpuki/pkg/serializer"
	"github.com/senpuki/senpuki/pkg/storage"
)

// ErrNotOrchestrated is returned by Call/Sleep/WaitForSignal when
// called from a plain (non-orchestrator) function.
var ErrNotOrchestrated = errors.New("execctx: durable operations require an orchestrator entrypoint")

// Base implements the non-durable portion of Context: identity,
// argument decoding, per-attempt scratch state, and the durable
// execution-scoped counters/custom state backed directly by storage.
// Orchestrator contexts embed Base and override Call/Sleep/WaitForSignal;
// plain worker contexts embed Base and use the DurableOpsUnsupported
// mixin, but still get AddCounter/SetCustomState/GetCustomState, since
// those belong to the execution rather than to the orchestrator's
// replay log.
type Base struct {
	ctx          context.Context
	executionID  string
	taskID       string
	functionName string
	attempt      int
	rawArgs      []byte
	codec        *serializer.Serializer
	backend      storage.Backend
	state        map[string]any
}

// NewBase constructs the common fields shared by every Context
// implementation.
func NewBase(ctx context.Context, executionID, taskID, functionName string, attempt int, rawArgs []byte, codec *serializer.Serializer, backend storage.Backend) *Base {
	return &Base{
		ctx: ctx, executionID: executionID, taskID: taskID, functionName: functionName,
		attempt: attempt, rawArgs: rawArgs, codec: codec, backend: backend, state: map[string]any{},
	}
}

func (b *Base) Ctx() context.Context    { return b.ctx }
func (b *Base) ExecutionID() string     { return b.executionID }
func (b *Base) TaskID() string          { return b.taskID }
func (b *Base) FunctionName() string    { return b.functionName }
func (b *Base) Attempt() int            { return b.attempt }

func (b *Base) Params(v any) error {
	if len(b.rawArgs) == 0 {
		return nil
	}
	if err := b.codec.Decode(b.rawArgs, v); err != nil {
		return fmt.Errorf("execctx: decode params for %s: %w", b.functionName, err)
	}
	return nil
}

func (b *Base) GetState(key string, out any) bool {
	v, ok := b.state[key]
	if !ok {
		return false
	}
	switch o := out.(type) {
	case *any:
		*o = v
	default:
		// Best-effort assignment for typed callers; state is meant for
		// same-process, same-attempt handoff, so a direct type
		// assertion is the common case.
		assignIfAssignable(out, v)
	}
	return true
}

func (b *Base) SetState(key string, v any) { b.state[key] = v }

// AddCounter durably increments the execution-scoped counter name by
// delta and returns its new total. The write lands immediately, not
// batched across replays: an orchestrator body calling AddCounter
// after a durable Call is only re-entered up to that call's cached
// result on later replay passes, so the counter is added exactly once
// per genuine occurrence rather than once per replay pass.
func (b *Base) AddCounter(name string, delta int64) (int64, error) {
	return b.backend.AddCounter(b.ctx, b.executionID, name, delta)
}

// SetCustomState durably overwrites the execution-scoped state value
// stored under key.
func (b *Base) SetCustomState(key string, value []byte) error {
	return b.backend.SetCustomState(b.ctx, b.executionID, key, value)
}

// GetCustomState reads back a value previously written with
// SetCustomState, on this attempt or an earlier one.
func (b *Base) GetCustomState(key string) ([]byte, bool, error) {
	_, state, err := b.backend.GetExecutionState(b.ctx, b.executionID)
	if err != nil {
		return nil, false, err
	}
	v, ok := state[key]
	return v, ok, nil
}

func assignIfAssignable(dst, src any) {
	switch d := dst.(type) {
	case *string:
		if s, ok := src.(string); ok {
			*d = s
		}
	case *int:
		if i, ok := src.(int); ok {
			*d = i
		}
	case *int64:
		if i, ok := src.(int64); ok {
			*d = i
		}
	case *float64:
		if f, ok := src.(float64); ok {
			*d = f
		}
	case *bool:
		if bv, ok := src.(bool); ok {
			*d = bv
		}
	}
}

// DurableOpsUnsupported is embedded by contexts that back plain
// (non-orchestrator) functions, where Call/Sleep/WaitForSignal make no
// sense: a leaf task has no replay log to park against.
type DurableOpsUnsupported struct{}

func (DurableOpsUnsupported) Call(name string, args any) (Future, error) {
	return nil, ErrNotOrchestrated
}
func (DurableOpsUnsupported) Sleep(d time.Duration) (Future, error) {
	return nil, ErrNotOrchestrated
}
func (DurableOpsUnsupported) WaitForSignal(name string, timeout time.Duration) (Future, error) {
	return nil, ErrNotOrchestrated
}
