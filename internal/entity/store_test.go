package entity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/events"
	"github.com/pitabwire/aiconsole/internal/fetch"
	"github.com/pitabwire/aiconsole/model"
)

// fakeBridge is an in-memory aiBridge collection at /agents.
type fakeBridge struct {
	mu         sync.Mutex
	items      []map[string]any
	calls      int
	lastMethod string
	lastPath   string
	lastBody   map[string]any
	failStatus int
	reply      map[string]any
	block      chan struct{}
	started    chan struct{}
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.calls++
	b.lastMethod, b.lastPath = r.Method, r.URL.Path
	b.lastBody = nil
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&b.lastBody)
	}
	block, started := b.block, b.started
	failStatus, reply := b.failStatus, b.reply
	items := b.items
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	w.Header().Set("Content-Type", "application/json")
	if failStatus != 0 {
		w.WriteHeader(failStatus)
		_, _ = w.Write([]byte(`{"message":"bridge says no"}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/agents":
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	case r.Method == http.MethodGet:
		id := strings.TrimPrefix(r.URL.Path, "/agents/")
		for _, it := range items {
			if it["id"] == id {
				_ = json.NewEncoder(w).Encode(it)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		if reply != nil {
			_ = json.NewEncoder(w).Encode(reply)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (b *fakeBridge) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recordingSink struct {
	mu  sync.Mutex
	got []model.EntityError
}

func (r *recordingSink) Report(_ context.Context, err model.EntityError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, err)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func agentsDescriptor() *model.EntityDescriptor {
	return &model.EntityDescriptor{
		Name:     "agents",
		Label:    "Agents",
		StateKey: "agents",
		Service:  "agents",
		IDField:  "id",
		Fields: []model.FieldControl{
			{Name: "name", Field: model.FieldRef{Kind: model.FieldRefPath, Path: "name"}, Rules: []model.RuleRef{{Name: "required"}}},
			{Name: "owner", Field: model.FieldRef{Kind: model.FieldRefPath, Path: "owner"}, Readonly: true},
			{Name: "model", Field: model.FieldRef{Kind: model.FieldRefPath, Path: "config.model"}},
		},
		Defaults: map[string]any{"enabled": true},
	}
}

type harness struct {
	bridge    *fakeBridge
	sink      *recordingSink
	publisher *recordingPublisher
	store     *Store
}

func newHarness(t *testing.T, ext ...Extension) *harness {
	t.Helper()
	bridge := &fakeBridge{items: []map[string]any{
		{"id": "a1", "name": "Support", "enabled": true, "metadata": map[string]any{"created_at": "2024-01-01"}},
		{"id": "a2", "name": "Research", "enabled": false, "metadata": map[string]any{"created_at": "2024-02-01"}},
	}}
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)

	client := fetch.New(config.BackendConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, false)
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	s := New(agentsDescriptor(), Deps{Client: client, Sink: sink, Events: pub}, ext...)
	return &harness{bridge: bridge, sink: sink, publisher: pub, store: s}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *Store) inflightCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight
}

func entityError(t *testing.T, err error) *model.EntityError {
	t.Helper()
	var ee *model.EntityError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v (%T), want *model.EntityError", err, err)
	}
	return ee
}

func TestGetItems_idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.GetItems(ctx); err != nil {
		t.Fatalf("GetItems() error = %v", err)
	}
	first := h.store.Items()
	if err := h.store.GetItems(ctx); err != nil {
		t.Fatalf("GetItems() error = %v", err)
	}
	second := h.store.Items()

	if h.store.Loading() {
		t.Error("Loading = true after both loads returned")
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("items changed between identical loads (-first +second):\n%s", diff)
	}
	if len(second) != 2 || second[0]["id"] != "a1" {
		t.Errorf("items = %v, want a1 then a2 in response order", second)
	}
}

func TestGetItems_failureReportsOnceAndResetsLoading(t *testing.T) {
	h := newHarness(t)
	h.bridge.failStatus = http.StatusInternalServerError

	ee := entityError(t, h.store.GetItems(context.Background()))
	if ee.Text != "bridge says no" || ee.Action != "list" {
		t.Errorf("error = %+v", ee)
	}
	if !strings.HasPrefix(ee.TechnicalError, "500") {
		t.Errorf("TechnicalError = %q, want the status first", ee.TechnicalError)
	}
	if h.store.Loading() {
		t.Error("Loading = true after a failed load")
	}
	if n := h.bridge.callCount(); n != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry)", n)
	}
	if len(h.sink.got) != 1 || h.sink.got[0].Entity != "agents" {
		t.Errorf("sink = %+v, want one agents report", h.sink.got)
	}
	if h.store.Snapshot().LastError == nil {
		t.Error("LastError not recorded")
	}
}

// startBlockedLoad starts GetItems on ctx and waits until the backend has
// the request and the call is counted as in flight.
func startBlockedLoad(t *testing.T, h *harness, ctx context.Context, wg *sync.WaitGroup, errp *error) {
	t.Helper()
	want := h.store.inflightCount() + 1
	wg.Add(1)
	go func() {
		defer wg.Done()
		*errp = h.store.GetItems(ctx)
	}()
	waitFor(t, "caller to register", func() bool { return h.store.inflightCount() == want })
}

func TestGetItems_overlappingCallsShareOneRequest(t *testing.T) {
	h := newHarness(t)
	h.bridge.block = make(chan struct{})
	h.bridge.started = make(chan struct{}, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	startBlockedLoad(t, h, ctx, &wg, &errs[0])
	<-h.bridge.started
	if !h.store.Loading() {
		t.Error("Loading = false while the request is in flight")
	}
	startBlockedLoad(t, h, ctx, &wg, &errs[1])
	// Give the second caller time to join the in-flight request.
	time.Sleep(50 * time.Millisecond)

	close(h.bridge.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d error = %v", i, err)
		}
	}
	if n := h.bridge.callCount(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
	if h.store.Loading() {
		t.Error("Loading = true after both callers returned")
	}
	if n := len(h.store.Items()); n != 2 {
		t.Errorf("items = %d, want 2", n)
	}
}

func TestGetItems_cancelledCallerDoesNotFailOthers(t *testing.T) {
	h := newHarness(t)
	h.bridge.block = make(chan struct{})
	h.bridge.started = make(chan struct{}, 2)

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaderDone := make(chan error, 1)
	go func() { leaderDone <- h.store.GetItems(leaderCtx) }()
	<-h.bridge.started

	var wg sync.WaitGroup
	var followerErr error
	startBlockedLoad(t, h, context.Background(), &wg, &followerErr)
	time.Sleep(50 * time.Millisecond)

	cancel()
	var leaderErr error
	select {
	case leaderErr = <-leaderDone:
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still waiting on the shared request")
	}
	var env *model.ErrorEnvelope
	if !errors.As(leaderErr, &env) || env.Code != model.ErrBackendTimeout {
		t.Errorf("cancelled caller error = %v, want %s", leaderErr, model.ErrBackendTimeout)
	}
	if !h.store.Loading() {
		t.Error("Loading = false while the follower still waits")
	}

	close(h.bridge.block)
	wg.Wait()

	if followerErr != nil {
		t.Fatalf("follower error = %v", followerErr)
	}
	if n := len(h.store.Items()); n != 2 {
		t.Errorf("items = %d, want 2", n)
	}
	if len(h.sink.got) != 0 {
		t.Errorf("sink = %+v, want no reports", h.sink.got)
	}
	if n := h.bridge.callCount(); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestGetItems_sharedFailureReportedOnce(t *testing.T) {
	h := newHarness(t)
	h.bridge.block = make(chan struct{})
	h.bridge.started = make(chan struct{}, 2)
	h.bridge.failStatus = http.StatusBadGateway
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	startBlockedLoad(t, h, ctx, &wg, &errs[0])
	<-h.bridge.started
	startBlockedLoad(t, h, ctx, &wg, &errs[1])
	time.Sleep(50 * time.Millisecond)
	close(h.bridge.block)
	wg.Wait()

	for i, err := range errs {
		if ee := entityError(t, err); ee.Action != "list" {
			t.Errorf("caller %d action = %q, want list", i, ee.Action)
		}
	}
	if len(h.sink.got) != 1 {
		t.Errorf("sink reports = %d, want 1", len(h.sink.got))
	}
}

func TestChangeDetection(t *testing.T) {
	h := newHarness(t)
	s := h.store
	x := map[string]any{"id": "a1", "name": "Support", "config": map[string]any{"model": "m1"}}

	s.SetEntity(x)
	if s.IsEntityChanged() {
		t.Error("changed right after SetEntity")
	}

	s.UpdateEntityProperty("name", "Helpdesk")
	if !s.IsEntityChanged() {
		t.Error("not changed after UpdateEntityProperty")
	}

	s.RevertEntity()
	if s.IsEntityChanged() {
		t.Error("changed after RevertEntity")
	}
	if diff := cmp.Diff(x, s.Current()); diff != "" {
		t.Errorf("revert mismatch (-want +got):\n%s", diff)
	}

	if err := s.UpdateNestedEntityProperty("config.model", "m2"); err != nil {
		t.Fatalf("UpdateNestedEntityProperty() error = %v", err)
	}
	if !s.IsEntityChanged() {
		t.Error("not changed after nested update")
	}
	s.RevertEntity()
	if got := s.Current()["config"].(map[string]any)["model"]; got != "m1" {
		t.Errorf("config.model = %v after revert, want m1", got)
	}
}

func TestSetEntity_copiesInput(t *testing.T) {
	h := newHarness(t)
	x := map[string]any{"tags": []any{"a"}}
	h.store.SetEntity(x)
	x["tags"].([]any)[0] = "mutated"
	if got := h.store.Current()["tags"].([]any)[0]; got != "a" {
		t.Errorf("tags[0] = %v, want a", got)
	}
}

func TestUpdateNestedEntityProperty_createsIntermediates(t *testing.T) {
	h := newHarness(t)
	h.store.NewEntity(nil)
	if err := h.store.UpdateNestedEntityProperty("config.retrieval.top_k", 5); err != nil {
		t.Fatalf("UpdateNestedEntityProperty() error = %v", err)
	}
	want := map[string]any{
		"enabled": true,
		"config":  map[string]any{"retrieval": map[string]any{"top_k": 5}},
	}
	if diff := cmp.Diff(want, h.store.Current()); diff != "" {
		t.Errorf("entity mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateNestedEntityProperty_rejectedPathLeavesEntity(t *testing.T) {
	tests := []struct {
		name  string
		start map[string]any
		path  string
	}{
		{"trailing dot", map[string]any{"id": "a1", "name": "Support"}, "config."},
		{"empty segment", map[string]any{"id": "a1"}, "config..model"},
		{"scalar intermediate", map[string]any{"id": "a1", "name": "Support"}, "name.first"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.SetEntity(tc.start)
			if err := h.store.UpdateNestedEntityProperty(tc.path, "x"); err == nil {
				t.Fatal("UpdateNestedEntityProperty() error = nil")
			}
			if h.store.IsEntityChanged() {
				t.Error("a rejected update marked the entity changed")
			}
			if diff := cmp.Diff(tc.start, h.store.Current()); diff != "" {
				t.Errorf("entity mismatch (-want +got):\n%s", diff)
			}
		})
	}

	h := newHarness(t)
	if err := h.store.UpdateNestedEntityProperty("a.", 1); err == nil {
		t.Fatal("UpdateNestedEntityProperty() error = nil")
	}
	if h.store.Current() != nil {
		t.Errorf("empty buffer became %v", h.store.Current())
	}
}

func TestUpdateEntity_shallowMerge(t *testing.T) {
	h := newHarness(t)
	h.store.SetEntity(map[string]any{"name": "a", "config": map[string]any{"model": "m1", "temp": 0.1}})
	h.store.UpdateEntity(map[string]any{"config": map[string]any{"model": "m2"}, "enabled": true})
	want := map[string]any{"name": "a", "config": map[string]any{"model": "m2"}, "enabled": true}
	if diff := cmp.Diff(want, h.store.Current()); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestIsCancelAvailable(t *testing.T) {
	h := newHarness(t)
	if h.store.IsCancelAvailable() {
		t.Error("empty buffer offers cancel")
	}
	h.store.NewEntity(nil)
	if !h.store.IsCancelAvailable() {
		t.Error("new entity does not offer cancel")
	}
	h.store.SetEntity(map[string]any{"id": "a1", "metadata": map[string]any{}})
	if h.store.IsCancelAvailable() {
		t.Error("persisted entity offers cancel")
	}
}

func TestGetItem(t *testing.T) {
	h := newHarness(t)
	if err := h.store.GetItem(context.Background(), "a2"); err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if got := h.store.Current()["name"]; got != "Research" {
		t.Errorf("name = %v, want Research", got)
	}
	if h.store.IsEntityChanged() {
		t.Error("freshly loaded entity is changed")
	}

	ee := entityError(t, h.store.GetItem(context.Background(), "missing"))
	if ee.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", ee.Status)
	}
}

func TestSaveEntity_patchSendsOnlyChangedWritableKeys(t *testing.T) {
	h := newHarness(t)
	h.store.SetEntity(map[string]any{
		"id": "a1", "name": "Support", "owner": "alice",
		"metadata": map[string]any{"created_at": "2024-01-01"},
	})
	h.store.UpdateEntityProperty("name", "Helpdesk")
	h.store.UpdateEntityProperty("owner", "mallory")
	h.store.UpdateEntityProperty("metadata", map[string]any{"created_at": "forged"})

	if _, err := h.store.SaveEntity(context.Background()); err != nil {
		t.Fatalf("SaveEntity() error = %v", err)
	}
	if h.bridge.lastMethod != http.MethodPatch || h.bridge.lastPath != "/agents/a1" {
		t.Errorf("request = %s %s, want PATCH /agents/a1", h.bridge.lastMethod, h.bridge.lastPath)
	}
	if diff := cmp.Diff(map[string]any{"name": "Helpdesk"}, h.bridge.lastBody); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if h.store.IsEntityChanged() {
		t.Error("snapshot not re-taken after save")
	}
}

func TestSaveEntity_unchangedPersistedEntitySkipsNetwork(t *testing.T) {
	h := newHarness(t)
	h.store.SetEntity(map[string]any{"id": "a1", "name": "Support"})
	if _, err := h.store.SaveEntity(context.Background()); err != nil {
		t.Fatalf("SaveEntity() error = %v", err)
	}
	if n := h.bridge.callCount(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestSaveEntity_postStripsIDAndAdoptsResponse(t *testing.T) {
	h := newHarness(t)
	h.bridge.reply = map[string]any{"id": "a3", "name": "New", "metadata": map[string]any{"created_at": "2024-03-01"}}

	h.store.NewEntity(map[string]any{"id": "", "name": "New", "owner": "bob"})
	saved, err := h.store.SaveEntity(context.Background())
	if err != nil {
		t.Fatalf("SaveEntity() error = %v", err)
	}

	if h.bridge.lastMethod != http.MethodPost || h.bridge.lastPath != "/agents" {
		t.Errorf("request = %s %s, want POST /agents", h.bridge.lastMethod, h.bridge.lastPath)
	}
	if diff := cmp.Diff(map[string]any{"name": "New"}, h.bridge.lastBody); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if saved["id"] != "a3" || h.store.Current()["id"] != "a3" {
		t.Errorf("saved = %v, current = %v, want id a3", saved, h.store.Current())
	}
	if h.store.IsCancelAvailable() {
		t.Error("server metadata not adopted")
	}
	if _, ok := h.store.Item("a3"); !ok {
		t.Error("saved entity not added to items")
	}
	if len(h.publisher.got) != 1 || h.publisher.got[0].Type != events.TypeSaved || h.publisher.got[0].ItemID != "a3" {
		t.Errorf("events = %+v, want one saved event for a3", h.publisher.got)
	}
}

func TestSaveEntity_validationBlocksNetwork(t *testing.T) {
	h := newHarness(t)
	h.store.NewEntity(map[string]any{"name": ""})

	_, err := h.store.SaveEntity(context.Background())
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if len(vErr.Fields) != 1 || vErr.Fields[0].Field != "name" {
		t.Errorf("fields = %+v, want name only", vErr.Fields)
	}
	if n := h.bridge.callCount(); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
	if len(h.sink.got) != 0 {
		t.Error("local validation was sent to the error sink")
	}
}

func TestSaveEntity_noEntity(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.SaveEntity(context.Background()); !errors.Is(err, ErrNoEntity) {
		t.Errorf("error = %v, want ErrNoEntity", err)
	}
}

func TestSaveEntity_backendFailureKeepsBuffer(t *testing.T) {
	h := newHarness(t)
	h.store.SetEntity(map[string]any{"id": "a1", "name": "Support"})
	h.store.UpdateEntityProperty("name", "X")
	h.bridge.failStatus = http.StatusConflict

	if _, err := h.store.SaveEntity(context.Background()); err == nil {
		t.Fatal("SaveEntity() error = nil")
	}
	if !h.store.IsEntityChanged() {
		t.Error("edit buffer lost after a failed save")
	}
	if len(h.sink.got) != 1 || h.sink.got[0].Action != "save" {
		t.Errorf("sink = %+v, want one save report", h.sink.got)
	}
}

func TestDeleteItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.GetItems(ctx); err != nil {
		t.Fatalf("GetItems() error = %v", err)
	}

	if err := h.store.DeleteItem(ctx, "a1"); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}
	items := h.store.Items()
	if len(items) != 1 || items[0]["id"] != "a2" {
		t.Errorf("items = %v, want a2 only", items)
	}
	if h.bridge.lastMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", h.bridge.lastMethod)
	}
	if len(h.publisher.got) != 1 || h.publisher.got[0].Type != events.TypeDeleted {
		t.Errorf("events = %+v, want one deleted event", h.publisher.got)
	}
}

func TestDeleteItem_unavailableBackend(t *testing.T) {
	client := fetch.New(config.BackendConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, false)
	sink := &recordingSink{}
	s := New(agentsDescriptor(), Deps{Client: client, Sink: sink})

	ee := entityError(t, s.DeleteItem(context.Background(), "a1"))
	if ee.Text != "Failed to delete Agents a1" || ee.Status != http.StatusServiceUnavailable {
		t.Errorf("error = %+v", ee)
	}
	if len(sink.got) != 1 {
		t.Errorf("sink reports = %d, want 1", len(sink.got))
	}
}

func TestResetEntity(t *testing.T) {
	h := newHarness(t)
	h.store.SetEntity(map[string]any{"name": "x"})
	h.store.ResetEntity()
	if h.store.Current() != nil {
		t.Errorf("Current() = %v, want nil", h.store.Current())
	}
	if h.store.IsEntityChanged() {
		t.Error("reset entity is changed")
	}
}

func TestToItems(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		want    int
		wantErr bool
	}{
		{"array", []any{map[string]any{"id": "1"}}, 1, false},
		{"items wrapper", map[string]any{"items": []any{map[string]any{}, map[string]any{}}}, 2, false},
		{"data wrapper", map[string]any{"data": []any{}}, 0, false},
		{"null", nil, 0, false},
		{"object without list", map[string]any{"id": "1"}, 0, true},
		{"scalar elements", []any{"x"}, 0, true},
		{"string", "x", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toItems(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("toItems() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestToEntityError(t *testing.T) {
	ee := toEntityError(errors.New("dial tcp: refused"), "Failed")
	if ee.TechnicalError != "dial tcp: refused" || ee.Text != "Failed" {
		t.Errorf("error = %+v", ee)
	}
	if ee := toEntityError(model.NewBackendTimeoutError(), "Failed"); ee.Status != http.StatusGatewayTimeout {
		t.Errorf("Status = %d, want 504", ee.Status)
	}
}
