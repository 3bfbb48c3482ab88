// Package sandbox executes short untrusted header scripts under a hard
// wall-clock budget. Every call runs in a fresh interpreter with no
// filesystem, network or process access; the only inputs are the request
// context bindings, and the only output is a single scalar.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"keygate/internal/monitoring"
)

// Lang selects the script dialect.
type Lang string

const (
	LangJavaScript Lang = "javascript"
	LangPython     Lang = "python"
)

// ErrorKind classifies sandbox failures.
type ErrorKind int

const (
	ErrCompile ErrorKind = iota
	ErrExecution
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrCompile:
		return "compile"
	case ErrExecution:
		return "execution"
	case ErrTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is the sandbox failure type. Timeout errors are guaranteed to be
// returned within roughly the configured budget regardless of what the
// script does.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return "script " + e.Kind.String() + " error: " + e.Message
}

// RequestContext is the read-only request view exposed to scripts.
type RequestContext struct {
	Method    string
	Path      string
	ClientIP  string
	Timestamp time.Time
}

// TestResult is the out-of-band script test response shape.
type TestResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// testBudget bounds admin test-script runs, mirroring the header path's
// worst reasonable per-config budget.
const testBudget = 5 * time.Second

// Runner executes scripts. It is stateless and safe for concurrent use;
// isolation comes from per-call interpreter instances.
type Runner struct{}

// NewRunner creates a Runner.
func NewRunner() *Runner { return &Runner{} }

// Run executes source in the given dialect and returns its scalar result as
// a string. The call never blocks past timeout by more than scheduling
// jitter; adversarial scripts are forcibly interrupted.
func (r *Runner) Run(ctx context.Context, lang Lang, source string, timeout time.Duration, rc RequestContext) (string, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	var out string
	var err error
	switch lang {
	case LangJavaScript:
		out, err = runJavaScript(ctx, source, timeout, rc)
	case LangPython:
		out, err = runStarlark(ctx, source, timeout, rc)
	default:
		err = &Error{Kind: ErrCompile, Message: fmt.Sprintf("unsupported script language %q", lang)}
	}

	result := "ok"
	if serr, ok := err.(*Error); ok {
		result = serr.Kind.String()
	} else if err != nil {
		result = "error"
	}
	monitoring.SandboxRunsTotal.WithLabelValues(string(lang), result).Inc()
	return out, err
}

// Test runs source with a fixed budget and a canned request context. Used by
// the admin script-test endpoint; it touches no pool or rule state.
func (r *Runner) Test(ctx context.Context, lang Lang, source string) TestResult {
	rc := RequestContext{
		Method:    "GET",
		Path:      "/test",
		ClientIP:  "127.0.0.1",
		Timestamp: time.Now().UTC(),
	}
	out, err := r.Run(ctx, lang, source, testBudget, rc)
	if err != nil {
		return TestResult{Success: false, Error: err.Error()}
	}
	return TestResult{Success: true, Result: out}
}
