package orchestrator

import (
	"errors"

	"github.com/senpuki/senpuki/pkg/execctx"
)

// Map dispatches name over args, in order, keeping at most ceiling
// children in flight at once (dispatched but not yet resolved). A
// ceiling <= 0, or >= len(args), is unbounded: every call goes out on
// the same replay pass, since Context.Call never blocks. Once ceiling
// children are outstanding, Map stops dispatching further calls for
// this pass and returns execctx.ErrParked; the orchestrator body is
// expected to propagate that error so a later replay pass, seeing the
// earlier calls' progress-log entries already resolved, dispatches the
// next batch. Because Call assigns progress-log indices strictly in
// call order, every pass must walk args from the beginning even though
// the low indices resolve instantly from the recorded log — skipping
// ahead would desynchronize the index sequence from a future replay.
//
// Grounded in original_source/tests/test_parallel.py's
// fan_out_fan_in_workflow, which dispatches N children via
// asyncio.gather (no intervening await) before collecting results;
// bounding in-flight children generalizes that to workloads too large
// to fan out unconditionally.
func Map[T any](ctx execctx.Context, name string, args []any, ceiling int) ([]T, error) {
	if ceiling <= 0 || ceiling > len(args) {
		ceiling = len(args)
	}

	results := make([]T, len(args))
	outstanding := 0
	parked := false
	for i, a := range args {
		if outstanding >= ceiling {
			parked = true
			break
		}
		f, err := ctx.Call(name, a)
		if err != nil {
			return nil, err
		}
		if err := f.Get(&results[i]); err != nil {
			if !errors.Is(err, execctx.ErrParked) {
				return nil, err
			}
			outstanding++
			parked = true
		}
	}
	if parked {
		return nil, execctx.ErrParked
	}
	return results, nil
}

// Group is Map's fixed-arity counterpart: it dispatches one named call
// per (name, args) pair, in the given order, and awaits every result
// before returning. Use Map for fanning out one function over many
// inputs and Group for fanning out over several distinct functions.
type GroupCall struct {
	Name string
	Args any
	Out  any
}

func Group(ctx execctx.Context, calls []GroupCall) error {
	futures := make([]execctx.Future, len(calls))
	for i, c := range calls {
		f, err := ctx.Call(c.Name, c.Args)
		if err != nil {
			return err
		}
		futures[i] = f
	}
	for i, f := range futures {
		if err := f.Get(calls[i].Out); err != nil {
			return err
		}
	}
	return nil
}
