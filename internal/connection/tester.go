// Package connection tests connector endpoints and watches the health of
// deployed sidecars.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/0711-os/orchestrator/internal/catalog"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/platform"
)

const DefaultTimeout = 5 * time.Second

// Tester probes connector health endpoints. Test never fails the caller;
// every problem is reported in the result.
type Tester struct {
	catalog catalog.Source
	client  *http.Client
	timeout time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

// Option configures a Tester.
type Option func(*Tester)

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) Option {
	return func(t *Tester) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithHTTPClient sets the client probes are sent with. The tester uses a
// copy whose Timeout is the tester's; c itself is not modified.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tester) { t.client = c }
}

func NewTester(src catalog.Source, logger zerolog.Logger, opts ...Option) *Tester {
	t := &Tester{
		catalog: src,
		timeout: DefaultTimeout,
		logger:  logger.With().Str("component", "connection-tester").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	// Copy so the caller's client keeps its own timeout.
	var client http.Client
	if t.client != nil {
		client = *t.client
	} else {
		client.Transport = &http.Transport{DisableKeepAlives: true}
	}
	client.Timeout = t.timeout
	t.client = &client
	return t
}

// TestRaw parses the boundary strings and runs Test. An unknown connection
// type is reported as a client input error without any network call.
func (t *Tester) TestRaw(ctx context.Context, connectorName, connectionType, direction string, config map[string]string) model.ConnectionTestResult {
	typ, err := ParseConnectionType(connectionType)
	if err != nil {
		return errorResult("", "invalid request: %v (expected shared, sidecar or api)", err)
	}
	dir, err := ParseDirection(direction)
	if err != nil {
		return errorResult("", "invalid request: %v", err)
	}
	return t.Test(ctx, Request{ConnectorName: connectorName, Type: typ, Direction: dir, Config: config})
}

// Test checks the connector's health endpoint.
func (t *Tester) Test(ctx context.Context, req Request) model.ConnectionTestResult {
	if req.Direction == "" {
		req.Direction = Input
	}

	var (
		endpoint string
		external bool
		result   *model.ConnectionTestResult
	)
	switch req.Type {
	case Shared:
		endpoint, result = t.sharedEndpoint(req)
	case Sidecar:
		endpoint, result = t.sidecarEndpoint(req)
	case API:
		endpoint, result = apiEndpoint(req)
		external = true
	default:
		return errorResult("", "invalid request: %v", fmt.Errorf("%w: %s", model.ErrUnknownConnectionType, req.Type))
	}
	if result != nil {
		return *result
	}

	res := t.probe(ctx, endpoint, external)
	res.Message = fmt.Sprintf("%s connector %s (%s): %s", req.Type, req.ConnectorName, req.Direction, res.Message)
	t.logger.Debug().Str("connector", req.ConnectorName).Str("type", req.Type.String()).
		Str("endpoint", endpoint).Str("status", res.Status).Msg("connection tested")
	return res
}

func (t *Tester) sharedEndpoint(req Request) (string, *model.ConnectionTestResult) {
	svc, ok := t.catalog.Current().SharedService(req.ConnectorName)
	if !ok {
		r := errorResult("", "unknown shared connector %q", req.ConnectorName)
		return "", &r
	}
	return fmt.Sprintf("http://%s:%d%s", svc.Host, svc.Port, svc.HealthPath), nil
}

func (t *Tester) sidecarEndpoint(req Request) (string, *model.ConnectionTestResult) {
	customerID := req.Config["customer_id"]
	if customerID == "" {
		r := errorResult("", "sidecar connector %q: config is missing customer_id", req.ConnectorName)
		return "", &r
	}
	conn, ok := t.catalog.Current().Connector(req.ConnectorName)
	if !ok || conn.Kind != catalog.KindSidecar {
		r := errorResult("", "unknown sidecar connector %q", req.ConnectorName)
		return "", &r
	}
	host := platform.ContainerName(customerID, conn.Name)
	return fmt.Sprintf("http://%s:%d%s", host, conn.ContainerPort, conn.HealthPath), nil
}

func apiEndpoint(req Request) (string, *model.ConnectionTestResult) {
	raw := req.Config["url"]
	if raw == "" {
		raw = req.Config["base_url"]
	}
	if raw == "" {
		r := errorResult("", "api connector %q: config is missing url", req.ConnectorName)
		return "", &r
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r := errorResult(raw, "api connector %q: invalid url %q", req.ConnectorName, raw)
		return "", &r
	}
	path := req.Config["health_path"]
	if path == "" {
		path = "/health"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	return u.String(), nil
}

// probe issues one GET, coalescing identical concurrent probes.
func (t *Tester) probe(ctx context.Context, endpoint string, external bool) model.ConnectionTestResult {
	key := fmt.Sprintf("%t|%s", external, endpoint)
	ch := t.group.DoChan(key, func() (any, error) {
		// The shared probe must not depend on whichever caller started it.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		return t.get(pctx, endpoint, external), nil
	})

	select {
	case res := <-ch:
		return res.Val.(model.ConnectionTestResult)
	case <-ctx.Done():
		return errorResult(endpoint, "cancelled: %v", ctx.Err())
	}
}

func (t *Tester) get(ctx context.Context, endpoint string, external bool) model.ConnectionTestResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errorResult(endpoint, "build request: %v", err)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			return errorResult(endpoint, "timed out after %s", t.timeout)
		}
		return errorResult(endpoint, "connection failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	res := model.ConnectionTestResult{LatencyMS: &latency, EndpointURL: endpoint}
	switch {
	case resp.StatusCode/100 == 2:
		res.Status = model.ConnectionOK
		res.Message = fmt.Sprintf("healthy in %dms", latency)
	case external:
		// Third-party APIs often have no conventional health endpoint.
		res.Status = model.ConnectionWarning
		res.Message = fmt.Sprintf("reachable but returned HTTP %d", resp.StatusCode)
	default:
		res.Status = model.ConnectionError
		res.Message = fmt.Sprintf("unhealthy: HTTP %d", resp.StatusCode)
	}
	return res
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func errorResult(endpoint, format string, args ...any) model.ConnectionTestResult {
	return model.ConnectionTestResult{
		Status:      model.ConnectionError,
		Message:     fmt.Sprintf(format, args...),
		EndpointURL: endpoint,
	}
}
