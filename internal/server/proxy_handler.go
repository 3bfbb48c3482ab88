package server

import (
	"errors"
	"io"
	"net/http"

	"keygate/internal/headers"
	"keygate/internal/pool"
	"keygate/internal/proxy"
	"keygate/internal/store"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// handleProxy forwards the request through the pipeline and streams the
// upstream's answer back unchanged.
func (s *Server) handleProxy(c *gin.Context) {
	name := c.Param("upstream")
	up, err := s.st.GetUpstreamByName(c.Request.Context(), name)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"message": "unknown upstream: " + name, "type": "invalid_request_error"},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "upstream lookup failed", "type": "internal_error"},
		})
		return
	}
	if !up.Enabled {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": "upstream disabled: " + name, "type": "invalid_request_error"},
		})
		return
	}

	if !s.checkWindows(c, up.Name) {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "failed to read request body", "type": "invalid_request_error"},
		})
		return
	}

	req := &proxy.Request{
		Method:   c.Request.Method,
		Path:     c.Param("path"),
		Query:    c.Request.URL.Query(),
		Headers:  c.Request.Header,
		Body:     body,
		ClientIP: c.ClientIP(),
	}

	resp, err := s.orch.Do(c.Request.Context(), up, req)
	if err != nil {
		s.writeGatewayError(c, name, err)
		return
	}

	for k, vs := range resp.Headers {
		if isHopByHopResponse(k) {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Data(resp.StatusCode, resp.Headers.Get("Content-Type"), resp.Body)
}

// writeGatewayError maps pipeline failures to their gateway status codes.
func (s *Server) writeGatewayError(c *gin.Context, upstream string, err error) {
	var abortErr *headers.AbortError
	var transportErr *proxy.TransportError

	switch {
	case errors.Is(err, pool.ErrNoKeyAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "no API key available for upstream " + upstream, "type": "no_key_available"},
		})
	case errors.As(err, &abortErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": err.Error(), "type": "header_resolution_error"},
		})
	case errors.As(err, &transportErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"message": err.Error(), "type": "upstream_unreachable"},
		})
	default:
		log.WithError(err).Errorf("proxy pipeline failed for upstream %s", upstream)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "proxy pipeline error", "type": "internal_error"},
		})
	}
}

var hopByHopResponse = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Trailer":           {},
	"Upgrade":           {},
	"Content-Length":    {},
}

func isHopByHopResponse(name string) bool {
	_, ok := hopByHopResponse[http.CanonicalHeaderKey(name)]
	return ok
}
