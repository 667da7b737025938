package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var started = time.Now()

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// DefinitionsLoaded is always checked.
	DefinitionsLoaded func() bool

	// OpenAPILoaded is checked only when an aiBridge spec is configured.
	OpenAPILoaded func() bool

	// Dependencies are named external checks such as "state_store" and
	// "event_bus".
	Dependencies map[string]HealthChecker
}

const checkTimeout = 2 * time.Second

var (
	errNoDefinitions = errors.New("no entity definitions loaded")
	errNoOpenAPI     = errors.New("aiBridge OpenAPI document not loaded")
)

type namedCheck struct {
	name string
	run  func(context.Context) error
}

func flag(ok func() bool, failure error) func(context.Context) error {
	return func(context.Context) error {
		if ok != nil && ok() {
			return nil
		}
		return failure
	}
}

func (c ReadinessChecks) list() []namedCheck {
	checks := []namedCheck{{"definitions", flag(c.DefinitionsLoaded, errNoDefinitions)}}
	if c.OpenAPILoaded != nil {
		checks = append(checks, namedCheck{"openapi_index", flag(c.OpenAPILoaded, errNoOpenAPI)})
	}
	for name, hc := range c.Dependencies {
		if hc != nil {
			checks = append(checks, namedCheck{name, hc.HealthCheck})
		}
	}
	return checks
}

// HandleHealth returns the liveness handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(started).Seconds()),
		})
	}
}

// HandleReady returns the readiness handler. Checks run concurrently, each
// bounded by its own timeout, and any failure makes the console not ready.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		results := make([]CheckResult, len(list))

		var g errgroup.Group
		for i, c := range list {
			g.Go(func() error {
				results[i] = timed(r.Context(), c.run)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		status := http.StatusOK
		for i, c := range list {
			resp.Checks[c.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func timed(parent context.Context, run func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := run(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
