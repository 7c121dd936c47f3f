package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/allocator"
	"github.com/cometa-rocks/sandboxd/internal/api/middleware"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/monitoring"
	"github.com/cometa-rocks/sandboxd/internal/shared/types"
)

// hopHeaders are stripped before forwarding. They describe the client
// connection, not the control-protocol payload, and must not leak into the
// sandbox. The identity headers are internal to this service and stripped
// for the same reason.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"X-Forwarded-For",
	middleware.HeaderUserID,
	middleware.HeaderDepartmentID,
	middleware.HeaderElevated,
}

// Proxy relays control-protocol requests to the sandbox's internal address.
// The payload is forwarded verbatim in both directions; the proxy
// understands routing and access, never the protocol itself.
type Proxy struct {
	service     *allocator.Service
	metrics     *monitoring.Metrics
	log         *logging.Logger
	controlPort int
	client      *http.Client
}

// NewProxy creates the control-protocol proxy.
func NewProxy(service *allocator.Service, metrics *monitoring.Metrics, log *logging.Logger, controlPort int, timeout time.Duration) *Proxy {
	return &Proxy{
		service:     service,
		metrics:     metrics,
		log:         log,
		controlPort: controlPort,
		client: &http.Client{
			Timeout: timeout,
			// Redirects from the control protocol are relayed to the
			// caller, not followed here.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handle relays one request to the sandbox identified by the :id parameter.
func (p *Proxy) Handle(c *gin.Context) {
	rec, err := p.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		p.finish(c, http.StatusNotFound, types.ErrorResponse{Error: err.Error()})
		return
	}

	caller := middleware.CallerFrom(c)
	if !caller.CanAccess(rec) {
		// Indistinguishable from an unknown id.
		p.finish(c, http.StatusNotFound, types.ErrorResponse{Error: types.ErrNotFound.Error() + ": sandbox " + rec.ID})
		return
	}

	address := rec.Backend.Address
	if address == "" {
		p.finish(c, http.StatusBadGateway, types.ErrorResponse{Error: types.ErrBackendUnavailable.Error() + ": sandbox has no internal address"})
		return
	}

	target := fmt.Sprintf("http://%s%s", net.JoinHostPort(address, strconv.Itoa(p.controlPort)), c.Param("path"))
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, c.Request.Body)
	if err != nil {
		p.finish(c, http.StatusInternalServerError, types.ErrorResponse{Error: err.Error()})
		return
	}
	copyHeaders(req.Header, c.Request.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		p.log.Warn("proxy request failed",
			zap.String("sandbox_id", rec.ID),
			zap.String("target", target),
			zap.Error(err))
		p.finish(c, status, types.ErrorResponse{Error: types.ErrBackendUnavailable.Error() + ": " + err.Error()})
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		p.log.Warn("proxy response relay interrupted",
			zap.String("sandbox_id", rec.ID),
			zap.Error(err))
	}
	p.count(resp.StatusCode)
}

func (p *Proxy) finish(c *gin.Context, status int, body types.ErrorResponse) {
	p.count(status)
	c.JSON(status, body)
}

func (p *Proxy) count(status int) {
	p.metrics.ProxyRequests.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	// The transport recomputes these for the outbound request.
	dst.Del("Host")
	dst.Del("Content-Length")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
