// Package fetch issues HTTP requests against the aiBridge backend. It
// builds URLs from the configured service endpoints, forwards operator
// credentials, propagates trace context and guards every service with a
// circuit breaker. Responses are returned raw; callers decide how to read
// them.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/model"
)

// Credentials controls whether operator credentials are forwarded.
type Credentials string

const (
	CredentialsOmit    Credentials = "omit"
	CredentialsInclude Credentials = "include"
)

const (
	maxResponseBytes = 10 << 20
	maxErrorBytes    = 4 << 10
)

// Request describes one backend call.
type Request struct {
	// Method defaults to GET.
	Method string
	// Service selects the endpoint prefix from configuration.
	Service string
	// Path is appended to the service endpoint, e.g. "/42".
	Path        string
	QueryParams map[string]string
	Headers     map[string]string
	// Body is JSON encoded when non-nil.
	Body        any
	Credentials Credentials
	// Cookies overrides the cookies taken from the request context.
	Cookies []*http.Cookie
}

// Client calls aiBridge. It is safe for concurrent use.
type Client struct {
	cfg         config.BackendConfig
	authEnabled bool
	http        *http.Client
	metrics     *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records backend metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the backend described by cfg. Credentials are
// only ever forwarded when authEnabled is set.
func New(cfg config.BackendConfig, authEnabled bool, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		cfg:         cfg,
		authEnabled: authEnabled,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the absolute URL a request is sent to.
func (c *Client) URL(req Request) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.Endpoint(req.Service) + req.Path
	if len(req.QueryParams) == 0 {
		return u
	}
	params := url.Values{}
	for k, v := range req.QueryParams {
		params.Set(k, v)
	}
	return u + "?" + params.Encode()
}

// Breaker returns the circuit breaker guarding service.
func (c *Client) Breaker(service string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[service]
	if !ok {
		cb := c.cfg.CircuitBreaker
		b = NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout)
		b.OnStateChange(func(s BreakerState) {
			c.metrics.SetBackendCircuitBreakerState(service, float64(s))
		})
		c.breakers[service] = b
	}
	return b
}

// Do sends req and returns the response unread; the caller must close its
// body. A non-2xx status is not an error. Transport failures are returned
// as errors: an open breaker or refused connection as BACKEND_UNAVAILABLE
// and an expired context as BACKEND_TIMEOUT. Requests are never retried.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := observability.StartSpan(ctx, "fetch "+req.Service,
		observability.AttrService.String(req.Service),
	)
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	breaker := c.Breaker(req.Service)
	if err := breaker.Allow(); err != nil {
		c.metrics.RecordBackendRequest(req.Service, method, 0, 0)
		spanErr = err
		return nil, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			spanErr = err
			return nil, fmt.Errorf("fetch: marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.URL(req), body)
	if err != nil {
		spanErr = err
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	c.applyHeaders(ctx, httpReq, req)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		// A caller that gave up says nothing about the backend. The breaker
		// is shared by every session, so only deadlines and network errors
		// count against it.
		if !errors.Is(ctx.Err(), context.Canceled) {
			breaker.RecordFailure()
		}
		c.metrics.RecordBackendRequest(req.Service, method, 0, time.Since(start))
		spanErr = err
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return nil, model.NewBackendTimeoutError()
		case isConnectionError(err):
			return nil, model.NewBackendUnavailableError()
		}
		return nil, fmt.Errorf("fetch: %s %s: %w", method, req.Service, err)
	}

	c.metrics.RecordBackendRequest(req.Service, method, resp.StatusCode, time.Since(start))
	switch {
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
	case resp.StatusCode < 400:
		breaker.RecordSuccess()
	}
	return resp, nil
}

func (c *Client) applyHeaders(ctx context.Context, httpReq *http.Request, req Request) {
	h := httpReq.Header
	h.Set("Accept", "application/json")
	if req.Body != nil {
		h.Set("Content-Type", "application/json")
	}

	rctx := model.RequestContextFrom(ctx)
	if rctx != nil {
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.SubjectID != "" {
			h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		}
	}

	if c.authEnabled && req.Credentials == CredentialsInclude {
		cookies := req.Cookies
		if cookies == nil && rctx != nil {
			cookies = rctx.Cookies
		}
		for _, ck := range cookies {
			httpReq.AddCookie(ck)
		}
		if rctx != nil && rctx.Authenticated() {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
	}

	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(sanitizeHeader(k), sanitizeHeader(req.Headers[k]))
	}

	observability.Propagate(ctx, h)
}

// DecodeJSON decodes the response body into v and closes it. An empty body
// leaves v untouched.
func DecodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("fetch: read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("fetch: decode response: %w", err)
	}
	return nil
}

// ErrorFromResponse turns a failed response into an EntityError and closes
// the body. TechnicalError is "<status> <body>". When the body is a JSON
// object with a message, error or detail field that value becomes Text;
// otherwise text is used.
func ErrorFromResponse(resp *http.Response, text string) *model.EntityError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	body := strings.TrimSpace(string(data))

	e := &model.EntityError{
		Status:         resp.StatusCode,
		TechnicalError: strings.TrimSpace(fmt.Sprintf("%d %s", resp.StatusCode, body)),
		Text:           text,
	}

	var parsed map[string]any
	if json.Unmarshal(data, &parsed) == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := parsed[key].(string); ok && s != "" {
				e.Text = s
				break
			}
		}
	}
	return e
}

// OK reports whether resp has a 2xx status.
func OK(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
