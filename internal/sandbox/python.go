package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Python-like dialect, executed as Starlark. Scripts publish their output by
// assigning the `result` global. The importable surface is fixed to the
// time, math and rand modules below; load() is not wired, so arbitrary
// imports fail at compile time.

// pythonFileOptions enables the Python-ish constructs (while loops,
// top-level control flow, reassignment, recursion) plain Starlark forbids.
var pythonFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

var randModule = &starlarkstruct.Module{
	Name: "rand",
	Members: starlark.StringDict{
		"random": starlark.NewBuiltin("random", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs("random", args, kwargs); err != nil {
				return nil, err
			}
			return starlark.Float(rand.Float64()), nil
		}),
		"randint": starlark.NewBuiltin("randint", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var lo, hi int64
			if err := starlark.UnpackArgs("randint", args, kwargs, "a", &lo, "b", &hi); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("randint: empty range [%d, %d]", lo, hi)
			}
			return starlark.MakeInt64(lo + rand.Int63n(hi-lo+1)), nil
		}),
	},
}

// runStarlark executes source in a fresh Starlark thread.
func runStarlark(ctx context.Context, source string, timeout time.Duration, rc RequestContext) (string, error) {
	requestDict := starlark.NewDict(3)
	_ = requestDict.SetKey(starlark.String("method"), starlark.String(rc.Method))
	_ = requestDict.SetKey(starlark.String("path"), starlark.String(rc.Path))
	_ = requestDict.SetKey(starlark.String("client_ip"), starlark.String(rc.ClientIP))

	predeclared := starlark.StringDict{
		"time":      starlarktime.Module,
		"math":      starlarkmath.Module,
		"rand":      randModule,
		"request":   requestDict,
		"timestamp": starlark.String(rc.Timestamp.Format(time.RFC3339)),
	}

	_, prog, err := starlark.SourceProgramOptions(pythonFileOptions, "header_script.py", source, predeclared.Has)
	if err != nil {
		return "", &Error{Kind: ErrCompile, Message: err.Error()}
	}

	thread := &starlark.Thread{Name: "header-script"}
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		thread.Cancel("timeout")
	})
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() { thread.Cancel("cancelled") })
	defer stopCtx()

	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		if timedOut.Load() {
			return "", &Error{Kind: ErrTimeout, Message: "execution exceeded " + timeout.String()}
		}
		return "", &Error{Kind: ErrExecution, Message: err.Error()}
	}

	val, ok := globals["result"]
	if !ok || val == starlark.None {
		return "", nil
	}
	if s, ok := starlark.AsString(val); ok {
		return s, nil
	}
	return val.String(), nil
}
