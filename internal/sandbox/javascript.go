package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
)

// jsWrapPrefix turns the source into a function body so an explicit `return`
// produces the result; the implicit completion value is deliberately not used.
const (
	jsWrapPrefix = "(function() {\n"
	jsWrapSuffix = "\n})();"
)

// runJavaScript executes source in a fresh goja runtime. The runtime carries
// no host bindings beyond the request context, so scripts cannot reach the
// filesystem, network or process state.
func runJavaScript(ctx context.Context, source string, timeout time.Duration, rc RequestContext) (string, error) {
	prog, err := goja.Compile("header_script.js", jsWrapPrefix+source+jsWrapSuffix, false)
	if err != nil {
		return "", &Error{Kind: ErrCompile, Message: err.Error()}
	}

	vm := goja.New()
	if err := vm.Set("request", map[string]any{
		"method":    rc.Method,
		"path":      rc.Path,
		"client_ip": rc.ClientIP,
	}); err != nil {
		return "", &Error{Kind: ErrExecution, Message: err.Error()}
	}
	if err := vm.Set("timestamp", rc.Timestamp.Format(time.RFC3339)); err != nil {
		return "", &Error{Kind: ErrExecution, Message: err.Error()}
	}

	timer := time.AfterFunc(timeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() { vm.Interrupt("cancelled") })
	defer stopCtx()

	val, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", &Error{Kind: ErrTimeout, Message: "execution exceeded " + timeout.String()}
		}
		var exception *goja.Exception
		if errors.As(err, &exception) {
			return "", &Error{Kind: ErrExecution, Message: exception.Error()}
		}
		return "", &Error{Kind: ErrExecution, Message: err.Error()}
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return "", nil
	}
	return val.String(), nil
}
