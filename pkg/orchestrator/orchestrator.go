// Package orchestrator drives replay-based durable execution: it runs
// a registered orchestrator function from the top on every attempt,
// satisfying already-recorded Call/Sleep/WaitForSignal steps from the
// execution's progress log and dispatching (or checking) the first
// unresolved one, then returns control to the worker loop rather than
// blocking a goroutine for the run's lifetime. There is no direct
// teacher analogue for this replay model — the teacher's engine runs a
// declared DAG, not code-as-orchestration — so this package is built
// from spec, in the teacher's error-handling and logging idiom.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/registry"
	"github.com/senpuki/senpuki/pkg/serializer"
	"github.com/senpuki/senpuki/pkg/storage"
)

// Outcome is the result of one Execute attempt.
type Outcome struct {
	// Result is the encoded return value, set only when Parked is false
	// and the run completed without error.
	Result []byte
	// Parked is true when the orchestrator issued a durable step that
	// has not resolved yet; the task should be released back to
	// pending (via storage.Backend.ParkTask), not treated as failed.
	Parked bool
	// ResumeAt is when a parked task should next be claimable, taken
	// from the durable step's known resolution time (a sleep's wake
	// time, or a signal wait's deadline). Zero means no known resume
	// time is available (e.g. parked on a child task's completion),
	// and the caller should fall back to resuming promptly.
	ResumeAt time.Time
}

// Driver executes orchestrator-registered functions against a backend.
type Driver struct {
	Backend  storage.Backend
	Registry *registry.Registry
	Codec    *serializer.Serializer
}

func New(backend storage.Backend, reg *registry.Registry, codec *serializer.Serializer) *Driver {
	return &Driver{Backend: backend, Registry: reg, Codec: codec}
}

// Execute runs one replay pass of task's function body.
func (d *Driver) Execute(ctx context.Context, task *storage.Task) (Outcome, error) {
	def, err := d.Registry.Lookup(task.FunctionName)
	if err != nil {
		return Outcome{}, err
	}
	exec, err := d.Backend.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: load execution %s: %w", task.ExecutionID, err)
	}

	rc := &runContext{
		Base:     execctx.NewBase(ctx, task.ExecutionID, task.ID, task.FunctionName, task.FailureAttempts, task.Args, d.Codec, d.Backend),
		driver:   d,
		progress: exec.Progress,
	}

	log.Ctx(ctx).Debug().Str("execution_id", task.ExecutionID).Str("function", task.FunctionName).
		Int("progress_entries", len(exec.Progress)).Msg("orchestrator replay pass starting")

	result, err := def.Fn(rc)
	if errors.Is(err, execctx.ErrParked) {
		return Outcome{Parked: true, ResumeAt: rc.parkResumeAt}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	raw, err := d.Codec.Encode(result)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: encode result of %s: %w", task.FunctionName, err)
	}
	return Outcome{Result: raw}, nil
}

func newChildTask(rc *runContext, def *registry.Definition, args any) (*storage.Task, error) {
	rawArgs, err := rc.driver.Codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode args for %s: %w", def.Name, err)
	}
	now := time.Now().UTC()
	child := &storage.Task{
		ID:               uuid.NewString(),
		ExecutionID:      rc.ExecutionID(),
		ParentTaskID:     rc.TaskID(),
		FunctionName:     def.Name,
		Args:             rawArgs,
		Queue:            def.Queue,
		Priority:         def.Priority,
		Tags:             storage.EncodeTags(def.Tags),
		State:            storage.TaskPending,
		MaxAttempts:      def.Retry.MaxAttempts,
		ScheduledFor:     now,
		CreatedAt:        now,
		TimeoutSeconds:   def.Timeout,
		ConcurrencyGroup: def.ConcurrencyGroup,
		ConcurrencyLimit: def.ConcurrencyLimit,
		Cacheable:        def.Cacheable,
	}
	if def.IdempotencyKeyFn != nil {
		child.IdempotencyKey = def.IdempotencyKeyFn(args)
	}
	return child, nil
}
