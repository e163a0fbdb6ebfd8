package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/senpuki/senpuki/pkg/execctx"
	"github.com/senpuki/senpuki/pkg/storage"
)

// runContext is the execctx.Context implementation orchestrator
// entrypoints run against. Each Call/Sleep/WaitForSignal claims the
// next sequential progress-log index, deterministic given a
// deterministic replay of prior steps — the same invariant the
// teacher's TaskContext relied on the DAG engine to provide, here
// provided by re-running the function body from the top every attempt.
type runContext struct {
	*execctx.Base
	driver    *Driver
	progress  []storage.ProgressEntry
	nextIndex int
	// parkResumeAt is set by whichever future last parked this replay
	// pass with a known resolution time (a sleep's wake time, or a
	// signal wait's deadline), and copied into Outcome.ResumeAt by
	// Driver.Execute.
	parkResumeAt time.Time
}

func (rc *runContext) entryAt(idx int) (storage.ProgressEntry, bool) {
	for _, e := range rc.progress {
		if e.Index == idx {
			return e, true
		}
	}
	return storage.ProgressEntry{}, false
}

func (rc *runContext) recordEntry(entry storage.ProgressEntry) error {
	if err := rc.driver.Backend.AppendProgress(rc.Ctx(), rc.ExecutionID(), entry); err != nil {
		return fmt.Errorf("orchestrator: record progress entry %d: %w", entry.Index, err)
	}
	replaced := false
	for i, e := range rc.progress {
		if e.Index == entry.Index {
			rc.progress[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		rc.progress = append(rc.progress, entry)
	}
	return nil
}

// callFuture resolves a durable Call.
type callFuture struct {
	rc    *runContext
	idx   int
	name  string
	entry storage.ProgressEntry
}

func (rc *runContext) Call(name string, args any) (execctx.Future, error) {
	idx := rc.nextIndex
	rc.nextIndex++
	step := "call:" + name

	if entry, ok := rc.entryAt(idx); ok {
		return &callFuture{rc: rc, idx: idx, name: name, entry: entry}, nil
	}

	def, err := rc.driver.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	child, err := newChildTask(rc, def, args)
	if err != nil {
		return nil, err
	}
	if err := rc.driver.Backend.DispatchChildTask(rc.Ctx(), child); err != nil {
		return nil, fmt.Errorf("orchestrator: dispatch child %s: %w", name, err)
	}
	now := time.Now().UTC()
	entry := storage.ProgressEntry{Index: idx, Step: step, Status: storage.ProgressStarted, TaskRef: child.ID, StartedAt: now}
	if err := rc.recordEntry(entry); err != nil {
		return nil, err
	}
	return &callFuture{rc: rc, idx: idx, name: name, entry: entry}, nil
}

func (f *callFuture) Get(out any) error {
	if f.entry.Status == storage.ProgressCompleted {
		return f.decode(out)
	}
	child, err := f.rc.driver.Backend.GetTask(f.rc.Ctx(), f.entry.TaskRef)
	if err != nil {
		return fmt.Errorf("orchestrator: load child task for %s: %w", f.name, err)
	}
	switch child.State {
	case storage.TaskCompleted:
		now := time.Now().UTC()
		f.entry.Status = storage.ProgressCompleted
		f.entry.Result = child.Result
		f.entry.CompletedAt = &now
		if err := f.rc.recordEntry(f.entry); err != nil {
			return err
		}
		return f.decode(out)
	case storage.TaskDead:
		now := time.Now().UTC()
		f.entry.Status = storage.ProgressFailed
		f.entry.Detail = child.ErrorText
		f.entry.CompletedAt = &now
		if err := f.rc.recordEntry(f.entry); err != nil {
			return err
		}
		return fmt.Errorf("orchestrator: call %s failed: %s", f.name, child.ErrorText)
	default:
		return execctx.ErrParked
	}
}

func (f *callFuture) decode(out any) error {
	if out == nil || len(f.entry.Result) == 0 {
		return nil
	}
	return f.rc.driver.Codec.Decode(f.entry.Result, out)
}

// sleepFuture resolves a durable Sleep.
type sleepFuture struct {
	rc     *runContext
	wakeAt time.Time
	entry  storage.ProgressEntry
}

func (rc *runContext) Sleep(d time.Duration) (execctx.Future, error) {
	idx := rc.nextIndex
	rc.nextIndex++

	if entry, ok := rc.entryAt(idx); ok {
		wakeAt, err := time.Parse(time.RFC3339Nano, entry.Detail)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: parse recorded wake time: %w", err)
		}
		return &sleepFuture{rc: rc, wakeAt: wakeAt, entry: entry}, nil
	}

	wakeAt := time.Now().UTC().Add(d)
	entry := storage.ProgressEntry{
		Index: idx, Step: "sleep", Status: storage.ProgressStarted,
		Detail: wakeAt.Format(time.RFC3339Nano), StartedAt: time.Now().UTC(),
	}
	if err := rc.recordEntry(entry); err != nil {
		return nil, err
	}
	return &sleepFuture{rc: rc, wakeAt: wakeAt, entry: entry}, nil
}

func (f *sleepFuture) Get(out any) error {
	if f.entry.Status == storage.ProgressCompleted {
		return nil
	}
	if time.Now().UTC().Before(f.wakeAt) {
		f.rc.parkResumeAt = f.wakeAt
		return execctx.ErrParked
	}
	now := time.Now().UTC()
	f.entry.Status = storage.ProgressCompleted
	f.entry.CompletedAt = &now
	return f.rc.recordEntry(f.entry)
}

// signalFuture resolves a durable WaitForSignal.
type signalFuture struct {
	rc       *runContext
	name     string
	deadline time.Time // zero: no timeout
	entry    storage.ProgressEntry
}

func (rc *runContext) WaitForSignal(name string, timeout time.Duration) (execctx.Future, error) {
	idx := rc.nextIndex
	rc.nextIndex++
	step := "signal:" + name

	entry, existed := rc.entryAt(idx)
	var deadline time.Time
	if existed {
		if entry.Detail != "" {
			d, err := time.Parse(time.RFC3339Nano, entry.Detail)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: parse recorded signal deadline: %w", err)
			}
			deadline = d
		}
	} else {
		if timeout > 0 {
			deadline = time.Now().UTC().Add(timeout)
		}
		entry = storage.ProgressEntry{Index: idx, Step: step, Status: storage.ProgressStarted, StartedAt: time.Now().UTC()}
		if !deadline.IsZero() {
			entry.Detail = deadline.Format(time.RFC3339Nano)
		}
		if err := rc.recordEntry(entry); err != nil {
			return nil, err
		}
	}
	return &signalFuture{rc: rc, name: name, deadline: deadline, entry: entry}, nil
}

func (f *signalFuture) Get(out any) error {
	if f.entry.Status == storage.ProgressCompleted {
		return f.decode(out)
	}
	if f.entry.Status == storage.ProgressFailed {
		return execctx.ErrSignalTimeout
	}
	sig, err := f.rc.driver.Backend.ConsumeSignal(f.rc.Ctx(), f.rc.ExecutionID(), f.name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if !f.deadline.IsZero() && !time.Now().UTC().Before(f.deadline) {
				now := time.Now().UTC()
				f.entry.Status = storage.ProgressFailed
				f.entry.CompletedAt = &now
				if err := f.rc.recordEntry(f.entry); err != nil {
					return err
				}
				return execctx.ErrSignalTimeout
			}
			f.rc.parkResumeAt = f.deadline
			return execctx.ErrParked
		}
		return fmt.Errorf("orchestrator: consume signal %s: %w", f.name, err)
	}
	now := time.Now().UTC()
	f.entry.Status = storage.ProgressCompleted
	f.entry.Result = sig.Payload
	f.entry.CompletedAt = &now
	if err := f.rc.recordEntry(f.entry); err != nil {
		return err
	}
	return f.decode(out)
}

func (f *signalFuture) decode(out any) error {
	if out == nil || len(f.entry.Result) == 0 {
		return nil
	}
	return f.rc.driver.Codec.Decode(f.entry.Result, out)
}

var _ execctx.Context = (*runContext)(nil)
