// Package headers computes the dynamically configured outbound headers for
// an upstream, delegating scripted values to the sandbox.
package headers

import (
	"context"
	"sort"
	"strings"
	"sync"

	"keygate/internal/model"
	"keygate/internal/sandbox"
	"keygate/internal/store"

	log "github.com/sirupsen/logrus"
)

// AbortError aborts the whole proxied request before it is sent upstream.
// It is produced by the fail_request fallback strategy.
type AbortError struct {
	HeaderName string
	Cause      error
}

func (e *AbortError) Error() string {
	return "header " + e.HeaderName + " resolution failed: " + e.Cause.Error()
}

func (e *AbortError) Unwrap() error { return e.Cause }

// Resolver resolves the configured headers for an upstream.
type Resolver struct {
	st     store.Store
	runner *sandbox.Runner
}

// NewResolver creates a Resolver.
func NewResolver(st store.Store, runner *sandbox.Runner) *Resolver {
	return &Resolver{st: st, runner: runner}
}

// Resolve computes the outbound header set for the upstream. Configs sharing
// a name collapse to the lowest priority value (first match wins, no merge).
// Headers resolve independently and concurrently; a fail_request fallback
// aborts the whole batch.
func (r *Resolver) Resolve(ctx context.Context, upstreamID int64, rc sandbox.RequestContext) (map[string]string, error) {
	configs, err := r.st.ListHeaderConfigs(ctx, upstreamID)
	if err != nil {
		return nil, err
	}

	primaries := pickPrimaries(configs)
	if len(primaries) == 0 {
		return map[string]string{}, nil
	}

	// One script must not delay the others, so each header resolves on its
	// own goroutine. The shared context lets a fail_request abort cut the
	// remaining scripts short.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type resolved struct {
		name  string
		value string
		skip  bool
		abort *AbortError
	}

	results := make([]resolved, len(primaries))
	var wg sync.WaitGroup
	for i, hc := range primaries {
		wg.Add(1)
		go func(i int, hc *model.HeaderConfig) {
			defer wg.Done()
			value, skip, abortErr := r.resolveOne(runCtx, hc, rc)
			results[i] = resolved{name: hc.HeaderName, value: value, skip: skip, abort: abortErr}
			if abortErr != nil {
				cancel()
			}
		}(i, hc)
	}
	wg.Wait()

	out := make(map[string]string, len(results))
	for _, res := range results {
		if res.abort != nil {
			return nil, res.abort
		}
		if res.skip {
			continue
		}
		out[res.name] = res.value
	}
	return out, nil
}

// resolveOne computes a single header value, applying the config's fallback
// strategy on script failure.
func (r *Resolver) resolveOne(ctx context.Context, hc *model.HeaderConfig, rc sandbox.RequestContext) (value string, skip bool, abort *AbortError) {
	if hc.ValueType == model.ValueStatic {
		return hc.StaticValue, false, nil
	}

	lang := sandbox.LangJavaScript
	if hc.ValueType == model.ValuePython {
		lang = sandbox.LangPython
	}

	value, err := r.runner.Run(ctx, lang, hc.ScriptContent, hc.ScriptTimeout(), rc)
	if err == nil {
		return value, false, nil
	}

	log.WithError(err).Warnf("header %s script failed (config %d), applying fallback %s",
		hc.HeaderName, hc.ID, hc.FallbackStrategy)
	switch hc.FallbackStrategy {
	case model.FallbackSkipHeader:
		return "", true, nil
	case model.FallbackFailRequest:
		return "", false, &AbortError{HeaderName: hc.HeaderName, Cause: err}
	default:
		// use_fallback_value; an empty fallback value is legitimate.
		return hc.FallbackValue, false, nil
	}
}

// pickPrimaries groups enabled configs by header name (case-insensitively)
// and keeps the lowest priority config per name, ties broken by lowest id.
func pickPrimaries(configs []*model.HeaderConfig) []*model.HeaderConfig {
	best := make(map[string]*model.HeaderConfig)
	for _, hc := range configs {
		if !hc.Enabled {
			continue
		}
		name := strings.ToLower(hc.HeaderName)
		cur, ok := best[name]
		if !ok || hc.Priority < cur.Priority || (hc.Priority == cur.Priority && hc.ID < cur.ID) {
			best[name] = hc
		}
	}

	out := make([]*model.HeaderConfig, 0, len(best))
	for _, hc := range best {
		out = append(out, hc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
