package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/model"
)

func testRctx(roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "user-1",
		SessionID: "sess-1",
		Roles:     roles,
	}
}

var _ model.CapabilityResolver = (*Resolver)(nil)

func writePolicy(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}
	if e.Roles() != 3 {
		t.Errorf("Roles() = %d, want 3", e.Roles())
	}

	tests := []struct {
		name    string
		roles   []string
		granted []string
		denied  []string
	}{
		{
			name:    "viewer",
			roles:   []string{"viewer"},
			granted: []string{"rag_tools:read", "prompt_templates:read", "agents:read"},
			denied:  []string{"rag_tools:write", "agents:write"},
		},
		{
			name:    "roles combine",
			roles:   []string{"viewer", "prompt_engineer"},
			granted: []string{"prompt_templates:write", "rag_tools:read"},
			denied:  []string{"agents:write"},
		},
		{
			name:    "global wildcard",
			roles:   []string{"admin"},
			granted: []string{"traces:write", "model_providers:read"},
		},
		{
			name:    "unknown role keeps defaults",
			roles:   []string{"nonexistent"},
			granted: []string{"agents:read"},
			denied:  []string{"rag_tools:read"},
		},
		{
			name:    "no roles",
			granted: []string{"agents:read"},
			denied:  []string{"prompt_templates:read"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			caps, err := e.ResolveCapabilities(testRctx(tc.roles...))
			if err != nil {
				t.Fatalf("ResolveCapabilities() error = %v", err)
			}
			for _, c := range tc.granted {
				if !caps.Has(c) {
					t.Errorf("missing %s in %v", c, caps)
				}
			}
			for _, c := range tc.denied {
				if caps.Has(c) {
					t.Errorf("unexpected %s in %v", c, caps)
				}
			}
		})
	}
}

func TestStaticPolicyEvaluator_resultIsACopy(t *testing.T) {
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	caps, _ := e.ResolveCapabilities(testRctx("viewer"))
	caps["agents:write"] = true

	again, _ := e.ResolveCapabilities(testRctx())
	if again.Has("agents:write") {
		t.Error("mutating a result leaked into the policy")
	}
}

func TestStaticPolicyEvaluator_BadFile(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing policy file")
	}
}

func TestStaticPolicyEvaluator_rejectsMalformedCapability(t *testing.T) {
	for _, body := range []string{
		"roles:\n  viewer: [agents]\n",
		"roles:\n  viewer: [\"Agents:read\"]\n",
		"default: [\"agents:\"]\n",
		"default: [\"*:read\"]\n",
	} {
		path := filepath.Join(t.TempDir(), "policy.yaml")
		writePolicy(t, path, body)
		if _, err := NewStaticPolicyEvaluator(path); err == nil {
			t.Errorf("policy %q accepted, want error", body)
		}
	}
}

func TestStaticPolicyEvaluator_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, "roles:\n  viewer: [agents:read]\n")
	e, err := NewStaticPolicyEvaluator(path)
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	writePolicy(t, path, "roles:\n  viewer: [agents:read, traces:read]\n  auditor: [traces:read]\n")
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if e.Roles() != 2 {
		t.Errorf("Roles() = %d after reload, want 2", e.Roles())
	}
	caps, _ := e.ResolveCapabilities(testRctx("viewer"))
	if !caps.Has("traces:read") {
		t.Error("reloaded policy not applied")
	}

	for _, bad := range []string{"roles: [not a map", "roles:\n  viewer: [bogus]\n"} {
		writePolicy(t, path, bad)
		if err := e.Sync(); err == nil {
			t.Fatalf("Sync(%q) error = nil", bad)
		}
		caps, _ = e.ResolveCapabilities(testRctx("viewer"))
		if !caps.Has("traces:read") || e.Roles() != 2 {
			t.Errorf("previous policy should survive a failed Sync of %q", bad)
		}
	}
}

func TestAllowAll(t *testing.T) {
	caps, err := AllowAll{}.ResolveCapabilities(testRctx())
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	for _, c := range []string{"agents:write", "prompt_templates:read"} {
		if !caps.Has(c) {
			t.Errorf("AllowAll should grant %s", c)
		}
	}
}

// --- Resolver tests ---

func TestResolver_Resolve_and_Cache(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	e, _ := NewStaticPolicyEvaluator("testdata/policies.yaml")
	r := NewResolver(e, 5*time.Minute, 100, m)

	rctx := testRctx("viewer")

	caps1, err := r.Resolve(rctx)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !caps1.Has("agents:read") {
		t.Error("should have agents:read")
	}

	caps2, _ := r.Resolve(rctx)
	if !caps2.Has("agents:read") {
		t.Error("cached result should have agents:read")
	}

	if got := testutil.ToFloat64(m.CapabilityCacheMissesTotal); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CapabilityCacheHitsTotal); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
}

func TestResolver_roles_change_key(t *testing.T) {
	calls := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			calls++
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0, nil)

	r.Resolve(testRctx("a", "b"))
	r.Resolve(testRctx("b", "a"))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (role order is irrelevant)", calls)
	}
	r.Resolve(testRctx("a"))
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 after role change", calls)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{"agents:read": true}, nil
		},
	}
	r := NewResolver(mock, 5*time.Minute, 0, nil)
	rctx := testRctx()

	r.Resolve(rctx)
	r.Resolve(rctx)
	if callCount != 1 {
		t.Fatalf("callCount = %d after cache hit, want 1", callCount)
	}

	r.Invalidate("user-1")

	r.Resolve(rctx)
	if callCount != 2 {
		t.Fatalf("callCount = %d after invalidate, want 2", callCount)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	callCount := 0
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			callCount++
			return model.CapabilitySet{"agents:read": true}, nil
		},
	}
	r := NewResolver(mock, time.Minute, 0, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	rctx := testRctx()

	r.Resolve(rctx)
	now = now.Add(2 * time.Minute)
	r.Resolve(rctx)

	if callCount != 2 {
		t.Fatalf("callCount = %d, want 2 (TTL expired)", callCount)
	}
}

func TestResolver_MaxEntries(t *testing.T) {
	mock := &mockEvaluator{
		resolveFunc: func(rctx *model.RequestContext) (model.CapabilitySet, error) {
			return model.CapabilitySet{}, nil
		},
	}
	r := NewResolver(mock, time.Minute, 2, nil)
	for _, subject := range []string{"u1", "u2", "u3", "u4"} {
		r.Resolve(&model.RequestContext{SubjectID: subject})
	}
	if len(r.cache) > 2 {
		t.Errorf("cache size = %d, want <= 2", len(r.cache))
	}
}

// --- Mock PolicyEvaluator ---

type mockEvaluator struct {
	resolveFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)
}

func (m *mockEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return m.resolveFunc(rctx)
}
