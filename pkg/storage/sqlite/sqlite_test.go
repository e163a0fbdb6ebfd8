package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/pkg/storage"
	"github.com/senpuki/senpuki/pkg/storage/sqlite"
)

func newBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "senpuki.sqlite")
	b, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.InitSchema(context.Background()))
	return b
}

func newExecution(fn string) (*storage.Execution, *storage.Task) {
	id := uuid.NewString()
	taskID := uuid.NewString()
	now := time.Now().UTC()
	exec := &storage.Execution{
		ID: id, FunctionName: fn, RootTaskID: taskID, State: storage.ExecutionPending,
		CreatedAt: now, UpdatedAt: now,
	}
	task := &storage.Task{
		ID: taskID, ExecutionID: id, FunctionName: fn, Queue: "default",
		State: storage.TaskPending, MaxAttempts: 3, ScheduledFor: now, CreatedAt: now, IsRoot: true,
	}
	return exec, task
}

func TestCreateAndClaim(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, storage.TaskClaimed, claimed.State)
	require.Equal(t, 1, claimed.Attempt)

	_, err = b.ClaimNextTask(ctx, nil, nil, "worker-2", time.Minute)
	require.ErrorIs(t, err, storage.ErrNoTaskReady)
}

func TestExactlyOneClaimUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	const workers = 16
	var wg sync.WaitGroup
	claims := make([]*storage.Task, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = b.ClaimNextTask(ctx, nil, nil, uuid.NewString(), time.Minute)
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			successes++
			require.Equal(t, task.ID, claims[i].ID)
		} else {
			require.ErrorIs(t, errs[i], storage.ErrNoTaskReady)
		}
	}
	require.Equal(t, 1, successes)
}

func TestCompleteTaskCompletesRootExecution(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.CompleteTask(ctx, claimed.ID, claimed.LeaseToken, []byte(`"hi"`)))

	got, err := b.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionCompleted, got.State)
	require.Equal(t, []byte(`"hi"`), got.Result)
}

func TestFailTaskRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("flaky")
	task.MaxAttempts = 2
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.FailTask(ctx, claimed.ID, claimed.LeaseToken, "boom", true, time.Now().UTC()))

	reclaimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, reclaimed.Attempt)

	require.NoError(t, b.FailTask(ctx, reclaimed.ID, reclaimed.LeaseToken, "boom again", false, time.Time{}))

	got, err := b.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionFailed, got.State)

	letters, err := b.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, task.ID, letters[0].TaskID)
}

func TestDeadLetterReplay(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("flaky")
	task.MaxAttempts = 1
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.FailTask(ctx, claimed.ID, claimed.LeaseToken, "dead", false, time.Time{}))

	letters, err := b.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	replayed, err := b.ReplayDeadLetter(ctx, letters[0].ID, "")
	require.NoError(t, err)
	require.Equal(t, storage.TaskPending, replayed.State)
	require.Equal(t, 0, replayed.Attempt)
	require.NotEqual(t, task.ID, replayed.ID, "replay must create a new task row, not reuse the dead one")
	require.Equal(t, "default", replayed.Queue)

	// The original dead task and the dead letter both survive replay;
	// only DeleteDeadLetter removes the latter.
	dead, err := b.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskDead, dead.State)
	_, err = b.GetDeadLetter(ctx, letters[0].ID)
	require.NoError(t, err)

	// Replaying a dead-lettered root task reopens its execution and
	// repoints RootTaskID at the new task.
	got, err := b.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionPending, got.State)
	require.Equal(t, replayed.ID, got.RootTaskID)

	reclaimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, replayed.ID, reclaimed.ID)

	require.NoError(t, b.DeleteDeadLetter(ctx, letters[0].ID))
	_, err = b.GetDeadLetter(ctx, letters[0].ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeadLetterReplayOntoDifferentQueue(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("flaky")
	task.MaxAttempts = 1
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.FailTask(ctx, claimed.ID, claimed.LeaseToken, "dead", false, time.Time{}))

	letters, err := b.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	replayed, err := b.ReplayDeadLetter(ctx, letters[0].ID, "priority-mail")
	require.NoError(t, err)
	require.Equal(t, "priority-mail", replayed.Queue)
}

func TestLeaseLostPreventsWrite(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Millisecond)
	require.NoError(t, err)

	err = b.CompleteTask(ctx, claimed.ID, "wrong-token", []byte("null"))
	require.ErrorIs(t, err, storage.ErrLeaseMismatch)
}

func TestConcurrencyGroupLimit(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, root := newExecution("root")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, root))

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		child := &storage.Task{
			ID: uuid.NewString(), ExecutionID: exec.ID, FunctionName: "limited",
			Queue: "default", State: storage.TaskPending, MaxAttempts: 1, ScheduledFor: now, CreatedAt: now,
			ConcurrencyGroup: "shared", ConcurrencyLimit: 1,
		}
		require.NoError(t, b.DispatchChildTask(ctx, child))
	}

	claimedTasks := 0
	for i := 0; i < 10; i++ {
		_, err := b.ClaimNextTask(ctx, nil, nil, uuid.NewString(), time.Minute)
		if err == nil {
			claimedTasks++
		}
	}
	// Root task plus exactly one of the three concurrency-limited children.
	require.Equal(t, 2, claimedTasks)
}

func TestCacheIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.CachePut(ctx, "fn", "key-1", []byte("first")))
	require.NoError(t, b.CachePut(ctx, "fn", "key-1", []byte("second")))

	got, err := b.CacheGet(ctx, "fn", "key-1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)

	_, err = b.CacheGet(ctx, "fn", "missing")
	require.ErrorIs(t, err, storage.ErrCacheMiss)
}

func TestSignalFIFO(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("waiter")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	require.NoError(t, b.SendSignal(ctx, exec.ID, "approve", []byte("1")))
	require.NoError(t, b.SendSignal(ctx, exec.ID, "approve", []byte("2")))

	first, err := b.ConsumeSignal(ctx, exec.ID, "approve")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), first.Payload)

	second, err := b.ConsumeSignal(ctx, exec.ID, "approve")
	require.NoError(t, err)
	require.Equal(t, []byte("2"), second.Payload)

	_, err = b.ConsumeSignal(ctx, exec.ID, "approve")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListExecutionsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	for i := 0; i < 3; i++ {
		exec, task := newExecution("greet")
		require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))
	}
	pending, err := b.ListExecutions(ctx, storage.ListOptions{State: storage.ExecutionPending})
	require.NoError(t, err)
	require.Len(t, pending, 3)

	completed, err := b.ListExecutions(ctx, storage.ListOptions{State: storage.ExecutionCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 0)
}

func TestClaimNextTaskReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	stale, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", -time.Second)
	require.NoError(t, err)
	require.Equal(t, task.ID, stale.ID)

	reclaimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, task.ID, reclaimed.ID)
	require.Equal(t, "worker-2", reclaimed.WorkerID)
	require.Equal(t, 2, reclaimed.Attempt)
}

func TestClaimNextTaskSkipsCancelledExecution(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))
	require.NoError(t, b.CancelExecution(ctx, exec.ID))

	_, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.ErrorIs(t, err, storage.ErrNoTaskReady)
}

func TestCancelExecutionAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.CompleteTask(ctx, claimed.ID, claimed.LeaseToken, []byte(`"hi"`)))

	err = b.CancelExecution(ctx, exec.ID)
	require.ErrorIs(t, err, storage.ErrAlreadyTerminal)
}

func TestClaimNextTaskFiltersByRequiredTags(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	task.Tags = storage.EncodeTags([]string{"gpu"})
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	_, err := b.ClaimNextTask(ctx, nil, []string{"cpu-only"}, "worker-1", time.Minute)
	require.ErrorIs(t, err, storage.ErrNoTaskReady)

	claimed, err := b.ClaimNextTask(ctx, nil, []string{"gpu"}, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)
}

func TestRenewLeasePromotesClaimedToRunning(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("greet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, storage.TaskClaimed, claimed.State)

	require.NoError(t, b.RenewLease(ctx, claimed.ID, claimed.LeaseToken, time.Minute))

	got, err := b.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TaskRunning, got.State)
}

func TestCountExecutionsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	for i := 0; i < 4; i++ {
		exec, task := newExecution("greet")
		require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))
	}

	total, err := b.CountExecutions(ctx, storage.ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 4, total)

	pending, err := b.CountExecutions(ctx, storage.ListOptions{State: storage.ExecutionPending})
	require.NoError(t, err)
	require.EqualValues(t, 4, pending)

	completed, err := b.CountExecutions(ctx, storage.ListOptions{State: storage.ExecutionCompleted})
	require.NoError(t, err)
	require.EqualValues(t, 0, completed)

	deadCount, err := b.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, deadCount)

	exec, task := newExecution("flaky")
	task.MaxAttempts = 1
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))
	claimed, err := b.ClaimNextTask(ctx, nil, nil, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.FailTask(ctx, claimed.ID, claimed.LeaseToken, "dead", false, time.Time{}))

	deadCount, err = b.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, deadCount)
}

func TestAddCounterAccumulatesAtomically(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("counting")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	total, err := b.AddCounter(ctx, exec.ID, "items_seen", 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.AddCounter(ctx, exec.ID, "items_seen", 1)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	counters, _, err := b.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	require.EqualValues(t, 13, counters["items_seen"])
}

func TestSetCustomStateOverwritesAndIsReadable(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("stateful")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	require.NoError(t, b.SetCustomState(ctx, exec.ID, "cursor", []byte("page-1")))
	_, state, err := b.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("page-1"), state["cursor"])

	require.NoError(t, b.SetCustomState(ctx, exec.ID, "cursor", []byte("page-2")))
	_, state, err = b.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("page-2"), state["cursor"])
}

func TestGetExecutionStateEmptyForUntouchedExecution(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	exec, task := newExecution("quiet")
	require.NoError(t, b.CreateExecutionWithRootTask(ctx, exec, task))

	counters, state, err := b.GetExecutionState(ctx, exec.ID)
	require.NoError(t, err)
	require.Empty(t, counters)
	require.Empty(t, state)
}
