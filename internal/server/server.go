// Package server exposes the gateway's HTTP surface: the proxy endpoint,
// the script test endpoint, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"keygate/internal/config"
	"keygate/internal/monitoring"
	"keygate/internal/proxy"
	"keygate/internal/ratelimit"
	"keygate/internal/sandbox"
	"keygate/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server is the HTTP front of the gateway.
type Server struct {
	cfg     config.ServerConfig
	st      store.Store
	orch    *proxy.Orchestrator
	runner  *sandbox.Runner
	limiter *ratelimit.Limiter

	httpSrv *http.Server
}

// New builds the server. limiter may be nil when sliding-window limits are
// disabled.
func New(cfg config.ServerConfig, st store.Store, orch *proxy.Orchestrator, runner *sandbox.Runner, limiter *ratelimit.Limiter) *Server {
	return &Server{cfg: cfg, st: st, orch: orch, runner: runner, limiter: limiter}
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(Recovery(), RequestID(), RequestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/scripts/test", s.handleScriptTest)

	proxyGroup := r.Group("/proxy", ClientRateLimiter(0, 0))
	proxyGroup.Any("/:upstream/*path", s.handleProxy)

	return r
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("Shutting down HTTP server")
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.st.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type scriptTestRequest struct {
	Language string `json:"language" binding:"required"`
	Script   string `json:"script" binding:"required"`
}

// handleScriptTest runs a header script out of band and reports its result.
func (s *Server) handleScriptTest(c *gin.Context) {
	var req scriptTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": err.Error(), "type": "invalid_request_error"},
		})
		return
	}

	lang := sandbox.Lang(req.Language)
	if lang != sandbox.LangJavaScript && lang != sandbox.LangPython {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": fmt.Sprintf("unsupported language %q", req.Language), "type": "invalid_request_error"},
		})
		return
	}

	res := s.runner.Test(c.Request.Context(), lang, req.Script)
	c.JSON(http.StatusOK, res)
}

// checkWindows applies the configured sliding-window limits for an upstream
// scope. Returns false after writing the 429 when a window is exhausted.
func (s *Server) checkWindows(c *gin.Context, scope string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Check(c.Request.Context(), scope)
	if err != nil {
		log.WithError(err).Warnf("rate limit check failed for %s, allowing request", scope)
		return true
	}
	if d.Allowed {
		return true
	}
	monitoring.RateLimitRejectsTotal.WithLabelValues(scope).Inc()
	c.Header("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{"message": "Rate limit exceeded: " + d.Reason, "type": "rate_limit_error"},
	})
	return false
}
