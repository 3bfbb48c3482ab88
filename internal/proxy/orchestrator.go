// Package proxy coordinates one proxied request end to end: key selection,
// header resolution, the outbound call with retries, rule evaluation and the
// request log record.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"keygate/internal/headers"
	"keygate/internal/model"
	"keygate/internal/monitoring"
	"keygate/internal/pool"
	"keygate/internal/rules"
	"keygate/internal/sandbox"
	"keygate/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// Request is the inbound request handed to the orchestrator.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Headers  http.Header
	Body     []byte
	ClientIP string
}

// Response is the upstream's answer, passed through to the client.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// TransportError reports an outbound call that never produced a response
// after exhausting the retry budget.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream unreachable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Orchestrator is the request-scoped pipeline coordinator.
type Orchestrator struct {
	st       store.Store
	pool     *pool.Manager
	resolver *headers.Resolver
	engine   *rules.Engine

	clientMu sync.Mutex
	clients  map[int64]*clientEntry

	// backoffBase scales transport retry backoff; tests shrink it.
	backoffBase time.Duration
}

type clientEntry struct {
	timeout  time.Duration
	poolSize int
	client   *http.Client
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(st store.Store, p *pool.Manager, r *headers.Resolver, e *rules.Engine) *Orchestrator {
	return &Orchestrator{
		st:          st,
		pool:        p,
		resolver:    r,
		engine:      e,
		clients:     make(map[int64]*clientEntry),
		backoffBase: time.Second,
	}
}

// SetBackoffBase overrides the retry backoff unit. Test hook.
func (o *Orchestrator) SetBackoffBase(d time.Duration) { o.backoffBase = d }

// Do proxies one request to the upstream. The returned Response carries the
// upstream's real answer whatever its status; errors are gateway-level
// failures (no key, header abort, transport exhaustion).
func (o *Orchestrator) Do(ctx context.Context, up *model.Upstream, req *Request) (*Response, error) {
	start := time.Now()
	rec := &model.RequestLog{
		ID:         uuid.NewString(),
		UpstreamID: up.ID,
		Method:     req.Method,
		Path:       req.Path,
		ClientIP:   req.ClientIP,
		CreatedAt:  start,
	}
	defer func() {
		rec.LatencyMS = time.Since(start).Milliseconds()
		if err := o.st.AppendLog(ctx, rec); err != nil {
			log.WithError(err).Warnf("failed to append request log %s", rec.ID)
		}
		monitoring.ProxyRequestDuration.WithLabelValues(up.Name).Observe(time.Since(start).Seconds())
	}()

	key, err := o.pool.Acquire(ctx, up.ID)
	if err != nil {
		rec.ErrorMessage = err.Error()
		monitoring.ProxyRequestsTotal.WithLabelValues(up.Name, "no_key").Inc()
		return nil, err
	}
	rec.APIKeyID = key.ID

	rc := sandbox.RequestContext{
		Method:    req.Method,
		Path:      req.Path,
		ClientIP:  req.ClientIP,
		Timestamp: start.UTC(),
	}
	resolvedHeaders, err := o.resolver.Resolve(ctx, up.ID, rc)
	if err != nil {
		// Quota consumed by the acquire is the cost of the attempt; it is
		// not refunded on an abort.
		o.pool.Release(ctx, key.ID, pool.Outcome{Kind: pool.OutcomeAborted})
		rec.ErrorMessage = err.Error()
		monitoring.ProxyRequestsTotal.WithLabelValues(up.Name, "header_abort").Inc()
		return nil, err
	}

	outReq, err := o.buildOutbound(ctx, up, key, req, resolvedHeaders)
	if err != nil {
		o.pool.Release(ctx, key.ID, pool.Outcome{Kind: pool.OutcomeAborted})
		rec.ErrorMessage = err.Error()
		monitoring.ProxyRequestsTotal.WithLabelValues(up.Name, "bad_request").Inc()
		return nil, err
	}
	if up.LogRequestBody {
		rec.RequestHeaders = flattenHeader(outReq.Header)
		rec.RequestBody = string(req.Body)
	}

	resp, terr := o.forward(ctx, up, outReq, req.Body)
	if terr != nil {
		o.pool.Release(ctx, key.ID, pool.Outcome{Kind: pool.OutcomeTransportError})
		ex := &rules.Exchange{LatencyMS: time.Since(start).Milliseconds()}
		rec.TriggeredRules = o.engine.Evaluate(ctx, up.ID, key.ID, ex)
		rec.ErrorMessage = terr.Error()
		monitoring.ProxyRequestsTotal.WithLabelValues(up.Name, "transport_error").Inc()
		return nil, terr
	}

	outcome := pool.Outcome{Kind: pool.OutcomeSuccess, StatusCode: resp.StatusCode}
	if resp.StatusCode >= 400 {
		outcome.Kind = pool.OutcomeUpstreamError
	}
	o.pool.Release(ctx, key.ID, outcome)

	ex := &rules.Exchange{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeader(resp.Headers),
		Body:       string(resp.Body),
		LatencyMS:  time.Since(start).Milliseconds(),
	}
	rec.TriggeredRules = o.engine.Evaluate(ctx, up.ID, key.ID, ex)
	rec.StatusCode = resp.StatusCode
	if up.LogResponseBody {
		rec.ResponseHeaders = flattenHeader(resp.Headers)
		rec.ResponseBody = string(resp.Body)
	}
	monitoring.ProxyRequestsTotal.WithLabelValues(up.Name, statusClass(resp.StatusCode)).Inc()
	return resp, nil
}

// buildOutbound assembles the upstream request: URL join, client headers
// minus hop-by-hop ones, resolved headers, then key injection.
func (o *Orchestrator) buildOutbound(ctx context.Context, up *model.Upstream, key *model.APIKey, req *Request, resolved map[string]string) (*http.Request, error) {
	target := strings.TrimRight(up.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("bad upstream url: %w", err)
	}

	query := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	body := req.Body
	switch key.Placement {
	case model.PlacementQuery:
		query.Set(key.ParamName, key.InjectedValue())
	case model.PlacementBody:
		if len(body) > 0 {
			patched, err := sjson.SetBytes(body, key.ParamName, key.InjectedValue())
			if err != nil {
				log.WithError(err).Warnf("key %d body injection failed, forwarding body unchanged", key.ID)
			} else {
				body = patched
			}
		} else {
			patched, _ := sjson.SetBytes([]byte(`{}`), key.ParamName, key.InjectedValue())
			body = patched
		}
	}
	u.RawQuery = query.Encode()

	outReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}

	for k, vs := range req.Headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			outReq.Header.Add(k, v)
		}
	}
	for name, value := range resolved {
		outReq.Header.Set(name, value)
	}
	if key.Placement == model.PlacementHeader {
		outReq.Header.Set(key.ParamName, key.InjectedValue())
	}
	outReq.Header.Del("Host")
	outReq.ContentLength = int64(len(body))
	return outReq, nil
}

// forward issues the outbound call, retrying transport failures only. A
// received response is final whatever its status.
func (o *Orchestrator) forward(ctx context.Context, up *model.Upstream, outReq *http.Request, body []byte) (*Response, *TransportError) {
	client := o.clientFor(up)
	attempts := up.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := o.backoffBase << (attempt - 1)
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &TransportError{Attempts: attempt, Err: ctx.Err()}
			}
			log.Debugf("retrying upstream %s (attempt %d/%d)", up.Name, attempt+1, attempts)
		}

		// The body reader is consumed per attempt.
		outReq.Body = io.NopCloser(bytes.NewReader(body))
		resp, err := client.Do(outReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: respBody}, nil
	}
	return nil, &TransportError{Attempts: attempts, Err: lastErr}
}

// clientFor returns the upstream's HTTP client, rebuilding it when the
// configured timeout or pool size changed.
func (o *Orchestrator) clientFor(up *model.Upstream) *http.Client {
	timeout := up.Timeout()
	poolSize := up.ConnectionPoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	o.clientMu.Lock()
	defer o.clientMu.Unlock()
	if e, ok := o.clients[up.ID]; ok && e.timeout == timeout && e.poolSize == poolSize {
		return e.client
	}

	transport := &http.Transport{
		MaxIdleConns:        poolSize * 2,
		MaxIdleConnsPerHost: poolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{Timeout: timeout, Transport: transport}
	o.clients[up.ID] = &clientEntry{timeout: timeout, poolSize: poolSize, client: client}
	return client
}

var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
	"content-length":      {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

func flattenHeader(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
