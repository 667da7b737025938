package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type checkFunc func(context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func healthy() HealthChecker { return checkFunc(func(context.Context) error { return nil }) }

func failing(msg string) HealthChecker {
	return checkFunc(func(context.Context) error { return errors.New(msg) })
}

func yes() bool { return true }
func no() bool  { return false }

func TestHandleHealth(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	Version, Commit = "1.4.0", "9f1c2e7"
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.4.0" || resp.Commit != "9f1c2e7" {
		t.Errorf("response = %+v", resp)
	}
	if resp.UptimeSeconds < 0 {
		t.Errorf("uptime = %d", resp.UptimeSeconds)
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantStatus int
		want       map[string]string // check name -> status
		wantError  map[string]string // check name -> error text
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{DefinitionsLoaded: yes},
			wantStatus: http.StatusOK,
			want:       map[string]string{"definitions": "ok"},
		},
		{
			name:       "nothing configured",
			checks:     ReadinessChecks{},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"definitions": "error"},
			wantError:  map[string]string{"definitions": "no entity definitions loaded"},
		},
		{
			name:       "openapi not indexed",
			checks:     ReadinessChecks{DefinitionsLoaded: yes, OpenAPILoaded: no},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"definitions": "ok", "openapi_index": "error"},
		},
		{
			name: "all dependencies healthy",
			checks: ReadinessChecks{
				DefinitionsLoaded: yes,
				OpenAPILoaded:     yes,
				Dependencies:      map[string]HealthChecker{"state_store": healthy(), "event_bus": healthy()},
			},
			wantStatus: http.StatusOK,
			want:       map[string]string{"definitions": "ok", "openapi_index": "ok", "state_store": "ok", "event_bus": "ok"},
		},
		{
			name: "event bus down",
			checks: ReadinessChecks{
				DefinitionsLoaded: yes,
				Dependencies:      map[string]HealthChecker{"state_store": healthy(), "event_bus": failing("events: not connected: RECONNECTING")},
			},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"definitions": "ok", "state_store": "ok", "event_bus": "error"},
			wantError:  map[string]string{"event_bus": "events: not connected: RECONNECTING"},
		},
		{
			name: "nil dependency skipped",
			checks: ReadinessChecks{
				DefinitionsLoaded: yes,
				Dependencies:      map[string]HealthChecker{"state_store": nil},
			},
			wantStatus: http.StatusOK,
			want:       map[string]string{"definitions": "ok"},
		},
		{
			name: "every check failing",
			checks: ReadinessChecks{
				DefinitionsLoaded: no,
				OpenAPILoaded:     no,
				Dependencies:      map[string]HealthChecker{"state_store": failing("redis: connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			want:       map[string]string{"definitions": "error", "openapi_index": "error", "state_store": "error"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleReady(tc.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var resp ReadinessResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			wantOverall := "ready"
			if tc.wantStatus != http.StatusOK {
				wantOverall = "not_ready"
			}
			if resp.Status != wantOverall {
				t.Errorf("status = %q, want %q", resp.Status, wantOverall)
			}
			if len(resp.Checks) != len(tc.want) {
				t.Errorf("checks = %v, want %d entries", resp.Checks, len(tc.want))
			}
			for name, status := range tc.want {
				if got := resp.Checks[name]; got.Status != status {
					t.Errorf("%s = %+v, want status %q", name, got, status)
				}
			}
			for name, msg := range tc.wantError {
				if got := resp.Checks[name].Error; got != msg {
					t.Errorf("%s error = %q, want %q", name, got, msg)
				}
			}
		})
	}
}

func TestHandleReady_checkSeesDeadline(t *testing.T) {
	var hadDeadline bool
	checks := ReadinessChecks{
		DefinitionsLoaded: yes,
		Dependencies: map[string]HealthChecker{
			"state_store": checkFunc(func(ctx context.Context) error {
				_, hadDeadline = ctx.Deadline()
				return nil
			}),
		},
	}
	HandleReady(checks).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if !hadDeadline {
		t.Error("dependency check ran without a timeout")
	}
}
