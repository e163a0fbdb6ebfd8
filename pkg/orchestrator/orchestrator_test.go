package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/orchestrator"
	"github.com/senpuki/senpuki/pkg/registry"
	"github.com/senpuki/senpuki/pkg/serializer"
	"github.com/senpuki/senpuki/pkg/storage"
	"github.com/senpuki/senpuki/pkg/storage/sqlite"
)

func newTestBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	b, err := sqlite.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.InitSchema(context.Background()))
	return b
}

// runAllLeafTasks claims and executes pending non-orchestrator tasks
// until none remain or an orchestrator task comes up, which it releases
// back to pending for the caller to drive. It simulates a worker without
// pulling in pkg/worker (which itself depends on this package's Driver).
func runAllLeafTasks(t *testing.T, ctx context.Context, b *sqlite.Backend, reg *registry.Registry, codec *serializer.Serializer) {
	t.Helper()
	for i := 0; i < 100; i++ {
		task, err := b.ClaimNextTask(ctx, nil, nil, "test-worker", time.Minute)
		if errors.Is(err, storage.ErrNoTaskReady) {
			return
		}
		require.NoError(t, err)

		def, err := reg.Lookup(task.FunctionName)
		require.NoError(t, err)
		if def.IsOrchestrator {
			// A parked orchestrator is claimable again once its resume
			// time passes; hand it back for the caller to drive.
			require.NoError(t, b.ParkTask(ctx, task.ID, task.LeaseToken, time.Now().UTC()))
			return
		}
		base := execctx.NewBase(ctx, task.ExecutionID, task.ID, task.FunctionName, task.FailureAttempts, task.Args, codec, b)
		result, err := def.Fn(leafContext{base})
		require.NoError(t, err)
		raw, err := codec.Encode(result)
		require.NoError(t, err)
		require.NoError(t, b.CompleteTask(ctx, task.ID, task.LeaseToken, raw))
	}
	t.Fatal("runAllLeafTasks: too many iterations, likely an infinite loop")
}

type leafContext struct{ *execctx.Base }

func (leafContext) Call(string, any) (execctx.Future, error)     { return nil, execctx.ErrNotOrchestrated }
func (leafContext) Sleep(time.Duration) (execctx.Future, error)  { return nil, execctx.ErrNotOrchestrated }
func (leafContext) WaitForSignal(string, time.Duration) (execctx.Future, error) {
	return nil, execctx.ErrNotOrchestrated
}

func dispatchRoot(t *testing.T, ctx context.Context, b *sqlite.Backend, codec *serializer.Serializer, fn string, args any) *storage.Execution {
	t.Helper()
	rawArgs, err := codec.Encode(args)
	require.NoError(t, err)
	now := time.Now().UTC()
	execID := uuid.NewString()
	taskID := uuid.NewString()
	exec := &storage.Execution{ID: execID, FunctionName: fn, RootTaskID: taskID, State: storage.ExecutionPending, CreatedAt: now, UpdatedAt: now}
	task := &storage.Task{ID: taskID, ExecutionID: execID, FunctionName: fn, Args: rawArgs, Queue: "default", State: storage.TaskPending, MaxAttempts: 3, ScheduledFor: now, CreatedAt: now, IsRoot: true}
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))
	return exec
}

// driveOrchestrator repeatedly claims and executes the root task until
// the execution reaches a terminal state, running any dispatched leaf
// tasks in between passes exactly like a real worker fleet would.
func driveOrchestrator(t *testing.T, ctx context.Context, b *sqlite.Backend, reg *registry.Registry, codec *serializer.Serializer, driver *orchestrator.Driver, execID string) *storage.Execution {
	t.Helper()
	for i := 0; i < 100; i++ {
		exec, err := b.GetExecution(ctx, execID)
		require.NoError(t, err)
		if exec.State.Terminal() {
			return exec
		}

		task, err := b.ClaimNextTask(ctx, nil, nil, "orchestrator-worker", time.Minute)
		if errors.Is(err, storage.ErrNoTaskReady) {
			runAllLeafTasks(t, ctx, b, reg, codec)
			continue
		}
		require.NoError(t, err)

		def, err := reg.Lookup(task.FunctionName)
		require.NoError(t, err)
		if !def.IsOrchestrator {
			// A leaf task got claimed on this pass; run it directly.
			base := execctx.NewBase(ctx, task.ExecutionID, task.ID, task.FunctionName, task.FailureAttempts, task.Args, codec, b)
			result, err := def.Fn(leafContext{base})
			require.NoError(t, err)
			raw, err := codec.Encode(result)
			require.NoError(t, err)
			require.NoError(t, b.CompleteTask(ctx, task.ID, task.LeaseToken, raw))
			continue
		}

		outcome, err := driver.Execute(ctx, task)
		require.NoError(t, err)
		if outcome.Parked {
			require.NoError(t, b.ParkTask(ctx, task.ID, task.LeaseToken, time.Now().UTC()))
			runAllLeafTasks(t, ctx, b, reg, codec)
			continue
		}
		require.NoError(t, b.CompleteTask(ctx, task.ID, task.LeaseToken, outcome.Result))
	}
	t.Fatal("driveOrchestrator: execution never reached a terminal state")
	return nil
}

func TestOrchestratorSingleDurableCall(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	codec := serializer.New()
	reg := registry.New()

	require.NoError(t, reg.Register("double", func(c execctx.Context) (any, error) {
		var n int
		require.NoError(t, c.Params(&n))
		return n * 2, nil
	}))
	require.NoError(t, reg.Register("workflow", func(c execctx.Context) (any, error) {
		var n int
		if err := c.Params(&n); err != nil {
			return nil, err
		}
		fut, err := c.Call("double", n)
		if err != nil {
			return nil, err
		}
		var doubled int
		if err := fut.Get(&doubled); err != nil {
			return nil, err
		}
		return doubled, nil
	}, registry.AsOrchestrator()))

	driver := orchestrator.New(b, reg, codec)
	exec := dispatchRoot(t, ctx, b, codec, "workflow", 21)
	final := driveOrchestrator(t, ctx, b, reg, codec, driver, exec.ID)

	require.Equal(t, storage.ExecutionCompleted, final.State)
	var got int
	require.NoError(t, codec.Decode(final.Result, &got))
	require.Equal(t, 42, got)
}

func TestOrchestratorFanOutWithMap(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	codec := serializer.New()
	reg := registry.New()

	require.NoError(t, reg.Register("square", func(c execctx.Context) (any, error) {
		var n int
		require.NoError(t, c.Params(&n))
		return n * n, nil
	}))
	require.NoError(t, reg.Register("fan_out", func(c execctx.Context) (any, error) {
		var inputs []int
		if err := c.Params(&inputs); err != nil {
			return nil, err
		}
		args := make([]any, len(inputs))
		for i, v := range inputs {
			args[i] = v
		}
		squares, err := orchestrator.Map[int](c, "square", args, 0)
		if err != nil {
			return nil, err
		}
		sum := 0
		for _, s := range squares {
			sum += s
		}
		return sum, nil
	}, registry.AsOrchestrator()))

	driver := orchestrator.New(b, reg, codec)
	exec := dispatchRoot(t, ctx, b, codec, "fan_out", []int{1, 2, 3, 4})
	final := driveOrchestrator(t, ctx, b, reg, codec, driver, exec.ID)

	require.Equal(t, storage.ExecutionCompleted, final.State)
	var got int
	require.NoError(t, codec.Decode(final.Result, &got))
	require.Equal(t, 1+4+9+16, got)
}

func TestOrchestratorMapRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	codec := serializer.New()
	reg := registry.New()

	require.NoError(t, reg.Register("square", func(c execctx.Context) (any, error) {
		var n int
		require.NoError(t, c.Params(&n))
		return n * n, nil
	}))
	require.NoError(t, reg.Register("fan_out_bounded", func(c execctx.Context) (any, error) {
		var inputs []int
		if err := c.Params(&inputs); err != nil {
			return nil, err
		}
		args := make([]any, len(inputs))
		for i, v := range inputs {
			args[i] = v
		}
		squares, err := orchestrator.Map[int](c, "square", args, 2)
		if err != nil {
			return nil, err
		}
		sum := 0
		for _, s := range squares {
			sum += s
		}
		return sum, nil
	}, registry.AsOrchestrator()))

	driver := orchestrator.New(b, reg, codec)
	exec := dispatchRoot(t, ctx, b, codec, "fan_out_bounded", []int{1, 2, 3, 4, 5})

	// Drive one pass by hand so at most 2 children are in flight
	// after it, instead of the 5 that an unbounded Map would dispatch.
	task, err := b.ClaimNextTask(ctx, nil, nil, "orchestrator-worker", time.Minute)
	require.NoError(t, err)
	outcome, err := driver.Execute(ctx, task)
	require.NoError(t, err)
	require.True(t, outcome.Parked)
	require.NoError(t, b.ParkTask(ctx, task.ID, task.LeaseToken, time.Now().UTC()))

	pending := 0
	for i := 0; i < 10; i++ {
		child, err := b.ClaimNextTask(ctx, nil, nil, "leaf-worker", time.Minute)
		if errors.Is(err, storage.ErrNoTaskReady) {
			break
		}
		require.NoError(t, err)
		pending++
		def, err := reg.Lookup(child.FunctionName)
		require.NoError(t, err)
		base := execctx.NewBase(ctx, child.ExecutionID, child.ID, child.FunctionName, child.FailureAttempts, child.Args, codec, b)
		result, err := def.Fn(leafContext{base})
		require.NoError(t, err)
		raw, err := codec.Encode(result)
		require.NoError(t, err)
		require.NoError(t, b.CompleteTask(ctx, child.ID, child.LeaseToken, raw))
	}
	require.Equal(t, 2, pending, "Map(ceiling=2) must dispatch exactly 2 children on its first pass")

	final := driveOrchestrator(t, ctx, b, reg, codec, driver, exec.ID)
	require.Equal(t, storage.ExecutionCompleted, final.State)
	var got int
	require.NoError(t, codec.Decode(final.Result, &got))
	require.Equal(t, 1+4+9+16+25, got)
}

func TestOrchestratorDurableSleep(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	codec := serializer.New()
	reg := registry.New()

	require.NoError(t, reg.Register("sleeper", func(c execctx.Context) (any, error) {
		fut, err := c.Sleep(20 * time.Millisecond)
		if err != nil {
			return nil, err
		}
		if err := fut.Get(nil); err != nil {
			return nil, err
		}
		return "awake", nil
	}, registry.AsOrchestrator()))

	driver := orchestrator.New(b, reg, codec)
	exec := dispatchRoot(t, ctx, b, codec, "sleeper", nil)

	for i := 0; i < 50; i++ {
		e, err := b.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		if e.State.Terminal() {
			var got string
			require.NoError(t, codec.Decode(e.Result, &got))
			require.Equal(t, "awake", got)
			return
		}
		task, err := b.ClaimNextTask(ctx, nil, nil, "sleeper-worker", time.Minute)
		if errors.Is(err, storage.ErrNoTaskReady) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		outcome, err := driver.Execute(ctx, task)
		require.NoError(t, err)
		if outcome.Parked {
			require.NoError(t, b.ParkTask(ctx, task.ID, task.LeaseToken, time.Now().UTC().Add(5*time.Millisecond)))
			continue
		}
		require.NoError(t, b.CompleteTask(ctx, task.ID, task.LeaseToken, outcome.Result))
	}
	t.Fatal("sleeper never completed")
}

func TestOrchestratorSignalWait(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	codec := serializer.New()
	reg := registry.New()

	require.NoError(t, reg.Register("waits_for_approval", func(c execctx.Context) (any, error) {
		fut, err := c.WaitForSignal("approve", 0)
		if err != nil {
			return nil, err
		}
		var payload string
		if err := fut.Get(&payload); err != nil {
			return nil, err
		}
		return "got:" + payload, nil
	}, registry.AsOrchestrator()))

	driver := orchestrator.New(b, reg, codec)
	exec := dispatchRoot(t, ctx, b, codec, "waits_for_approval", nil)

	task, err := b.ClaimNextTask(ctx, nil, nil, "w", time.Minute)
	require.NoError(t, err)
	outcome, err := driver.Execute(ctx, task)
	require.NoError(t, err)
	require.True(t, outcome.Parked)
	require.NoError(t, b.ParkTask(ctx, task.ID, task.LeaseToken, time.Now().UTC()))

	payload, err := codec.Encode("yes")
	require.NoError(t, err)
	require.NoError(t, b.SendSignal(ctx, exec.ID, "approve", payload))

	task2, err := b.ClaimNextTask(ctx, nil, nil, "w", time.Minute)
	require.NoError(t, err)
	outcome2, err := driver.Execute(ctx, task2)
	require.NoError(t, err)
	require.False(t, outcome2.Parked)
	require.NoError(t, b.CompleteTask(ctx, task2.ID, task2.LeaseToken, outcome2.Result))

	final, err := b.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionCompleted, final.State)
	var got string
	require.NoError(t, codec.Decode(final.Result, &got))
	require.Equal(t, "got:yes", got)
}

func TestOrchestratorSignalWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	codec := serializer.New()
	reg := registry.New()

	require.NoError(t, reg.Register("waits_with_deadline", func(c execctx.Context) (any, error) {
		fut, err := c.WaitForSignal("approve", 10*time.Millisecond)
		if err != nil {
			return nil, err
		}
		var payload string
		if err := fut.Get(&payload); err != nil {
			return nil, err
		}
		return "got:" + payload, nil
	}, registry.AsOrchestrator()))

	driver := orchestrator.New(b, reg, codec)
	dispatchRoot(t, ctx, b, codec, "waits_with_deadline", nil)

	task, err := b.ClaimNextTask(ctx, nil, nil, "w", time.Minute)
	require.NoError(t, err)
	outcome, err := driver.Execute(ctx, task)
	require.NoError(t, err)
	require.True(t, outcome.Parked)
	require.False(t, outcome.ResumeAt.IsZero())
	require.NoError(t, b.ParkTask(ctx, task.ID, task.LeaseToken, outcome.ResumeAt))

	time.Sleep(20 * time.Millisecond)

	task2, err := b.ClaimNextTask(ctx, nil, nil, "w", time.Minute)
	require.NoError(t, err)
	_, err = driver.Execute(ctx, task2)
	require.ErrorIs(t, err, execctx.ErrSignalTimeout)
}
