package senpuki_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/registry"
	"github.com/senpuki/senpuki/pkg/retry"
	"github.com/senpuki/senpuki/pkg/senpuki"
	"github.com/senpuki/senpuki/pkg/storage"
	"github.com/senpuki/senpuki/pkg/worker"
)

func newTestSenpuki(t *testing.T) *senpuki.Senpuki {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := senpuki.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatchAndWaitFor(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("double", func(c execctx.Context) (any, error) {
		var n int
		if err := c.Params(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		cfg := worker.DefaultConfig("t1")
		cfg.LeaseDuration = 5 * time.Second
		_ = s.Serve(ctx, 1, cfg)
	}()

	execID, err := s.Dispatch(context.Background(), "double", 21)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	final, err := s.WaitFor(waitCtx, execID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionCompleted, final.State)

	var got int
	require.NoError(t, s.ResultOf(context.Background(), execID, &got))
	require.Equal(t, 42, got)
}

func TestSendSignalWakesWaitingOrchestrator(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("waits_for_go", func(c execctx.Context) (any, error) {
		fut, err := c.WaitForSignal("go", 0)
		if err != nil {
			return nil, err
		}
		var payload string
		if err := fut.Get(&payload); err != nil {
			return nil, err
		}
		return "received:" + payload, nil
	}, registry.AsOrchestrator()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		cfg := worker.DefaultConfig("t2")
		cfg.LeaseDuration = 5 * time.Second
		cfg.EmptyQueueBackoff.MinInterval = 2 * time.Millisecond
		cfg.EmptyQueueBackoff.MaxInterval = 10 * time.Millisecond
		_ = s.Serve(ctx, 1, cfg)
	}()

	execID, err := s.Dispatch(context.Background(), "waits_for_go", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let the worker park it once
	require.NoError(t, s.SendSignal(context.Background(), execID, "go", "hello"))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	final, err := s.WaitFor(waitCtx, execID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionCompleted, final.State)

	var got string
	require.NoError(t, s.ResultOf(context.Background(), execID, &got))
	require.Equal(t, "received:hello", got)
}

func TestDeadLetterListAndReplay(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("always_fails", func(c execctx.Context) (any, error) {
		return nil, context.DeadlineExceeded
	}, registry.WithRetry(retry.Policy{MaxAttempts: 1, Terminal: retry.NeverTerminal})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		cfg := worker.DefaultConfig("t3")
		cfg.LeaseDuration = 5 * time.Second
		cfg.EmptyQueueBackoff.MinInterval = 2 * time.Millisecond
		cfg.EmptyQueueBackoff.MaxInterval = 10 * time.Millisecond
		_ = s.Serve(ctx, 1, cfg)
	}()

	execID, err := s.Dispatch(context.Background(), "always_fails", nil)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	final, err := s.WaitFor(waitCtx, execID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionFailed, final.State)

	letters, err := s.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	replayed, err := s.ReplayDeadLetter(context.Background(), letters[0].ID, "")
	require.NoError(t, err)
	require.Equal(t, storage.TaskPending, replayed.State)

	// The dead letter survives a replay; only an explicit delete removes it.
	_, err = s.GetDeadLetter(context.Background(), letters[0].ID)
	require.NoError(t, err)
	require.NoError(t, s.DeleteDeadLetter(context.Background(), letters[0].ID))
	_, err = s.GetDeadLetter(context.Background(), letters[0].ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDispatchOverridesQueueAndTags(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("noop", func(c execctx.Context) (any, error) {
		return "ok", nil
	}, registry.WithQueue("default"), registry.WithTags("baseline")))

	execID, err := s.Dispatch(context.Background(), "noop", nil,
		senpuki.WithDispatchQueue("priority-mail"),
		senpuki.WithDispatchTags("urgent", "customer-facing"),
		senpuki.WithDispatchPriority(9))
	require.NoError(t, err)

	exec, err := s.StateOf(context.Background(), execID)
	require.NoError(t, err)
	task, err := s.Backend().GetTask(context.Background(), exec.RootTaskID)
	require.NoError(t, err)
	require.Equal(t, "priority-mail", task.Queue)
	require.Equal(t, 9, task.Priority)
	require.Equal(t, storage.EncodeTags([]string{"urgent", "customer-facing"}), task.Tags)
}

func TestDispatchWithRequiredTagsOnlyClaimedByMatchingWorker(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("noop", func(c execctx.Context) (any, error) {
		return "ok", nil
	}))

	execID, err := s.Dispatch(context.Background(), "noop", nil, senpuki.WithDispatchTags("gpu"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := worker.DefaultConfig("t4")
	cfg.LeaseDuration = 5 * time.Second
	cfg.RequiredTags = []string{"cpu-only"}
	cfg.EmptyQueueBackoff.MinInterval = 2 * time.Millisecond
	cfg.EmptyQueueBackoff.MaxInterval = 10 * time.Millisecond
	go func() { _ = s.Serve(ctx, 1, cfg) }()

	time.Sleep(30 * time.Millisecond)
	exec, err := s.StateOf(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionPending, exec.State, "a worker requiring a different tag must not claim this task")
}

func TestCancelStopsClaimOfPendingTask(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("noop", func(c execctx.Context) (any, error) {
		return "ok", nil
	}))

	execID, err := s.Dispatch(context.Background(), "noop", nil, senpuki.WithDispatchDelay(time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), execID))
	exec, err := s.StateOf(context.Background(), execID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionCancelled, exec.State)

	err = s.Cancel(context.Background(), execID)
	require.ErrorIs(t, err, storage.ErrAlreadyTerminal)
}

func TestCountExecutionsAndDeadLetters(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("noop", func(c execctx.Context) (any, error) {
		return "ok", nil
	}))

	for i := 0; i < 3; i++ {
		_, err := s.Dispatch(context.Background(), "noop", nil)
		require.NoError(t, err)
	}

	n, err := s.CountExecutions(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	dead, err := s.CountDeadLetters(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, dead)
}

func TestDurableCountersAndCustomStateSurfaceOnStateOf(t *testing.T) {
	s := newTestSenpuki(t)
	require.NoError(t, s.Register("tally", func(c execctx.Context) (any, error) {
		var items []string
		if err := c.Params(&items); err != nil {
			return nil, err
		}
		for range items {
			if _, err := c.AddCounter("items_seen", 1); err != nil {
				return nil, err
			}
		}
		if err := c.SetCustomState("last_batch", []byte(items[len(items)-1])); err != nil {
			return nil, err
		}
		return len(items), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		cfg := worker.DefaultConfig("t1")
		cfg.LeaseDuration = 5 * time.Second
		_ = s.Serve(ctx, 1, cfg)
	}()

	execID, err := s.Dispatch(context.Background(), "tally", []string{"a", "b", "c"})
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	final, err := s.WaitFor(waitCtx, execID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionCompleted, final.State)

	state, err := s.StateOf(context.Background(), execID)
	require.NoError(t, err)
	require.EqualValues(t, 3, state.Counters["items_seen"])
	require.Equal(t, []byte("c"), state.CustomState["last_batch"])
}
