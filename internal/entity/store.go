// Package entity implements the generic CRUD store behind every console
// entity: a list of items loaded from aiBridge plus a single-record edit
// buffer with change tracking.
package entity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mohae/deepcopy"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/aiconsole/internal/dotpath"
	"github.com/pitabwire/aiconsole/internal/events"
	"github.com/pitabwire/aiconsole/internal/fetch"
	"github.com/pitabwire/aiconsole/internal/notify"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/validation"
	"github.com/pitabwire/aiconsole/model"
)

// Fetcher sends backend requests. *fetch.Client implements it.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*http.Response, error)
}

// Deps are the collaborators a store needs. Sink, Events and Logger may be
// nil.
type Deps struct {
	Client  Fetcher
	Sink    notify.Sink
	Events  events.Publisher
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// ErrNoEntity is returned when an operation needs a loaded edit buffer.
var ErrNoEntity = errors.New("entity: no entity in the edit buffer")

// ValidationError blocks a save whose fields fail their rules.
type ValidationError struct {
	Entity string
	Fields []model.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity %s: %d invalid field(s)", e.Entity, len(e.Fields))
}

// Snapshot is a copy of a store's state.
type Snapshot struct {
	Entity        string             `json:"entity"`
	Service       string             `json:"service"`
	Items         []map[string]any   `json:"items"`
	Loading       bool               `json:"loading"`
	Current       map[string]any     `json:"current,omitempty"`
	InitialEntity map[string]any     `json:"initial_entity,omitempty"`
	LastError     *model.EntityError `json:"last_error,omitempty"`
}

// Store holds one entity's items and edit buffer. It is safe for
// concurrent use. Overlapping GetItems calls share one backend request and
// Loading stays true until the last of them returns.
type Store struct {
	desc *model.EntityDescriptor
	deps Deps

	mu        sync.RWMutex
	items     []map[string]any
	inflight  int
	current   map[string]any
	initial   map[string]any
	lastError *model.EntityError

	group singleflight.Group
	ext   []Extension
}

// New creates a store for desc. Extensions are applied in order when the
// store is exposed as a module.
func New(desc *model.EntityDescriptor, deps Deps, ext ...Extension) *Store {
	if deps.Sink == nil {
		deps.Sink = notify.Discard{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Store{
		desc:  desc,
		deps:  deps,
		items: []map[string]any{},
		ext:   ext,
	}
}

// Descriptor returns the descriptor the store was built from.
func (s *Store) Descriptor() *model.EntityDescriptor { return s.desc }

// Snapshot returns a deep copy of the store state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Entity:        s.desc.Name,
		Service:       s.desc.Service,
		Items:         cloneItems(s.items),
		Loading:       s.inflight > 0,
		Current:       cloneMap(s.current),
		InitialEntity: cloneMap(s.initial),
	}
	if s.lastError != nil {
		e := *s.lastError
		snap.LastError = &e
	}
	return snap
}

// Items returns a copy of the loaded items in response order.
func (s *Store) Items() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.items)
}

// Loading reports whether a GetItems call is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Current returns a copy of the edit buffer, or nil.
func (s *Store) Current() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.current)
}

// Item returns the loaded item whose id is id.
func (s *Store) Item(id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.items {
		if itemID(it, s.desc.IDField) == id {
			return cloneMap(it), true
		}
	}
	return nil, false
}

// --- actions ---

// GetItems replaces the items with the backend list. Failures are reported
// to the sink and returned.
func (s *Store) GetItems(ctx context.Context) (err error) {
	ctx, done := s.begin(ctx, "list")
	defer func() { done(err) }()

	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	// The shared request outlives any one caller; the client timeout
	// bounds it. A failure is reported once, by the request itself.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan("items", func() (any, error) {
		items, err := s.fetchItems(shared)
		if err != nil {
			return nil, s.fail(shared, "list", err, fmt.Sprintf("Failed to load %s", s.label()))
		}
		s.mu.Lock()
		s.items = items
		s.lastError = nil
		s.mu.Unlock()
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return model.NewBackendTimeoutError()
	case res := <-ch:
		return res.Err
	}
}

func (s *Store) fetchItems(ctx context.Context) ([]map[string]any, error) {
	resp, err := s.deps.Client.Do(ctx, fetch.Request{
		Service:     s.desc.Service,
		Credentials: fetch.CredentialsInclude,
	})
	if err != nil {
		return nil, err
	}
	if !fetch.OK(resp) {
		return nil, fetch.ErrorFromResponse(resp, fmt.Sprintf("Failed to load %s", s.label()))
	}
	var body any
	if err := fetch.DecodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return toItems(body)
}

// GetItem loads one record into the edit buffer and snapshots it.
func (s *Store) GetItem(ctx context.Context, id string) (err error) {
	ctx, done := s.begin(ctx, "get")
	defer func() { done(err) }()

	item, err := s.fetchOne(ctx, id)
	if err != nil {
		return s.fail(ctx, "get", err, fmt.Sprintf("Failed to load %s %s", s.label(), id))
	}
	s.SetEntity(item)
	return nil
}

func (s *Store) fetchOne(ctx context.Context, id string) (map[string]any, error) {
	resp, err := s.deps.Client.Do(ctx, fetch.Request{
		Service:     s.desc.Service,
		Path:        "/" + url.PathEscape(id),
		Credentials: fetch.CredentialsInclude,
	})
	if err != nil {
		return nil, err
	}
	if !fetch.OK(resp) {
		return nil, fetch.ErrorFromResponse(resp, fmt.Sprintf("Failed to load %s %s", s.label(), id))
	}
	item := map[string]any{}
	if err := fetch.DecodeJSON(resp, &item); err != nil {
		return nil, err
	}
	return item, nil
}

// SaveEntity validates the edit buffer and writes it. A persisted entity
// (one with an id) is PATCHed with the changed keys only; a new one is
// POSTed without its id. Readonly and metadata keys are never sent. On
// success the server's representation, when returned, replaces the buffer
// and becomes the new snapshot.
func (s *Store) SaveEntity(ctx context.Context) (saved map[string]any, err error) {
	ctx, done := s.begin(ctx, "save")
	defer func() { done(err) }()

	s.mu.RLock()
	current, initial := cloneMap(s.current), cloneMap(s.initial)
	s.mu.RUnlock()
	if current == nil {
		return nil, ErrNoEntity
	}

	if fieldErrs := validation.ValidateEntity(s.desc.Fields, current); len(fieldErrs) > 0 {
		s.deps.Metrics.RecordEntityValidationFailure(s.desc.Name)
		return nil, &ValidationError{Entity: s.desc.Name, Fields: fieldErrs}
	}

	id := itemID(current, s.desc.IDField)
	req := fetch.Request{
		Service:     s.desc.Service,
		Credentials: fetch.CredentialsInclude,
	}
	if id != "" {
		body := s.strip(changedKeys(current, initial))
		if len(body) == 0 {
			return current, nil
		}
		req.Method = http.MethodPatch
		req.Path = "/" + url.PathEscape(id)
		req.Body = body
	} else {
		body := s.strip(current)
		delete(body, s.desc.IDField)
		req.Method = http.MethodPost
		req.Body = body
	}

	if body, ok := req.Body.(map[string]any); ok {
		observability.RequestLogger(ctx, s.deps.Logger).Debug("saving entity",
			zap.String("entity", s.desc.Name),
			zap.String("method", req.Method),
			zap.Any("body", observability.Redact(body)),
		)
	}

	text := fmt.Sprintf("Failed to save %s", s.label())
	resp, err := s.deps.Client.Do(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, "save", err, text)
	}
	if !fetch.OK(resp) {
		return nil, s.fail(ctx, "save", fetch.ErrorFromResponse(resp, text), text)
	}
	adopted := map[string]any{}
	if err := fetch.DecodeJSON(resp, &adopted); err != nil {
		return nil, s.fail(ctx, "save", err, text)
	}
	if len(adopted) == 0 {
		adopted = current
	}

	s.mu.Lock()
	s.current = cloneMap(adopted)
	s.initial = cloneMap(adopted)
	s.items = upsert(s.items, cloneMap(adopted), s.desc.IDField)
	s.lastError = nil
	s.mu.Unlock()

	s.publish(ctx, events.TypeSaved, itemID(adopted, s.desc.IDField), adopted)
	return cloneMap(adopted), nil
}

// DeleteItem deletes a record and drops it from the items.
func (s *Store) DeleteItem(ctx context.Context, id string) (err error) {
	ctx, done := s.begin(ctx, "delete")
	defer func() { done(err) }()

	text := fmt.Sprintf("Failed to delete %s %s", s.label(), id)
	resp, err := s.deps.Client.Do(ctx, fetch.Request{
		Method:      http.MethodDelete,
		Service:     s.desc.Service,
		Path:        "/" + url.PathEscape(id),
		Credentials: fetch.CredentialsInclude,
	})
	if err != nil {
		return s.fail(ctx, "delete", err, text)
	}
	if !fetch.OK(resp) {
		return s.fail(ctx, "delete", fetch.ErrorFromResponse(resp, text), text)
	}
	resp.Body.Close()

	s.mu.Lock()
	kept := make([]map[string]any, 0, len(s.items))
	for _, it := range s.items {
		if itemID(it, s.desc.IDField) != id {
			kept = append(kept, it)
		}
	}
	s.items = kept
	s.lastError = nil
	s.mu.Unlock()

	s.publish(ctx, events.TypeDeleted, id, nil)
	return nil
}

// --- mutations ---

// NewEntity starts a new record from defaults, or from the descriptor's
// defaults when nil.
func (s *Store) NewEntity(defaults map[string]any) {
	if defaults == nil {
		defaults = s.desc.Defaults
	}
	fresh := cloneMap(defaults)
	if fresh == nil {
		fresh = map[string]any{}
	}
	s.SetEntity(fresh)
}

// SetEntity replaces the edit buffer and its snapshot.
func (s *Store) SetEntity(e map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cloneMap(e)
	s.initial = cloneMap(e)
}

// UpdateEntity shallow-merges patch into the edit buffer.
func (s *Store) UpdateEntity(patch map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = map[string]any{}
	}
	for k, v := range patch {
		s.current[k] = deepcopy.Copy(v)
	}
}

// UpdateEntityProperty sets one top-level key.
func (s *Store) UpdateEntityProperty(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = map[string]any{}
	}
	s.current[key] = deepcopy.Copy(value)
}

// UpdateNestedEntityProperty sets the value at a dot path, creating
// intermediate objects.
func (s *Store) UpdateNestedEntityProperty(path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.current
	if current == nil {
		current = map[string]any{}
	}
	if err := dotpath.Set(current, path, deepcopy.Copy(value)); err != nil {
		return err
	}
	s.current = current
	return nil
}

// RevertEntity restores the edit buffer from its snapshot.
func (s *Store) RevertEntity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cloneMap(s.initial)
}

// ResetEntity clears the edit buffer, its snapshot and the last error.
func (s *Store) ResetEntity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.initial = nil
	s.lastError = nil
}

// --- getters ---

// IsEntityChanged reports whether the edit buffer differs from its
// snapshot.
func (s *Store) IsEntityChanged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !cmp.Equal(s.current, s.initial)
}

// IsCancelAvailable reports whether the buffer holds a record that was
// never persisted, i.e. one without metadata.
func (s *Store) IsCancelAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return false
	}
	_, persisted := s.current[model.MetadataKey]
	return !persisted
}

// EditView returns the edit buffer with its derived flags.
func (s *Store) EditView() model.EditView {
	return model.EditView{
		Entity:          s.Current(),
		Changed:         s.IsEntityChanged(),
		CancelAvailable: s.IsCancelAvailable(),
	}
}

// --- helpers ---

func (s *Store) label() string {
	if s.desc.Label != "" {
		return s.desc.Label
	}
	return s.desc.Name
}

// begin starts a span for action and returns a func that ends it and
// records the action metric.
func (s *Store) begin(ctx context.Context, action string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "entity."+action,
		observability.AttrEntity.String(s.desc.Name),
		observability.AttrAction.String(action),
	)
	return ctx, func(err error) {
		status := "ok"
		var vErr *ValidationError
		switch {
		case errors.As(err, &vErr):
			status = "invalid"
			span.SetAttributes(attribute.Int("console.invalid_fields", len(vErr.Fields)))
		case err != nil:
			status = "error"
		}
		s.deps.Metrics.RecordEntityAction(s.desc.Name, action, status, time.Since(start))
		observability.EndSpan(span, err)
	}
}

// fail converts err to an EntityError, records it as the last error and
// reports it to the sink.
func (s *Store) fail(ctx context.Context, action string, err error, text string) *model.EntityError {
	ee := toEntityError(err, text)
	ee.Entity = s.desc.Name
	ee.Action = action

	s.mu.Lock()
	e := *ee
	s.lastError = &e
	s.mu.Unlock()

	s.deps.Sink.Report(ctx, *ee)
	return ee
}

// strip copies m without readonly and metadata keys.
func (s *Store) strip(m map[string]any) map[string]any {
	readonly := s.desc.ReadonlyKeys()
	out := make(map[string]any, len(m))
	for k, v := range m {
		if readonly[k] || k == model.MetadataKey {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *Store) publish(ctx context.Context, typ, id string, item map[string]any) {
	e := events.NewEvent(ctx, typ, s.desc.Name, id, item)
	if err := s.deps.Events.Publish(ctx, e); err != nil {
		observability.RequestLogger(ctx, s.deps.Logger).Debug("entity event dropped",
			zap.String("entity", s.desc.Name),
			zap.String("event", typ),
			zap.Error(err),
		)
	}
}

func toEntityError(err error, text string) *model.EntityError {
	var ee *model.EntityError
	if errors.As(err, &ee) {
		out := *ee
		if out.Text == "" {
			out.Text = text
		}
		return &out
	}
	out := &model.EntityError{TechnicalError: err.Error(), Text: text}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		switch env.Code {
		case model.ErrBackendUnavailable:
			out.Status = http.StatusServiceUnavailable
		case model.ErrBackendTimeout:
			out.Status = http.StatusGatewayTimeout
		}
	}
	return out
}

// toItems accepts a bare JSON array or an object wrapping one under
// "items" or "data".
func toItems(body any) ([]map[string]any, error) {
	var list []any
	switch v := body.(type) {
	case nil:
		return []map[string]any{}, nil
	case []any:
		list = v
	case map[string]any:
		for _, key := range []string{"items", "data"} {
			if l, ok := v[key].([]any); ok {
				list = l
				break
			}
		}
		if list == nil {
			return nil, errors.New("entity: list response has no items array")
		}
	default:
		return nil, fmt.Errorf("entity: unexpected list response of type %T", body)
	}

	items := make([]map[string]any, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entity: list element %d is %T, want object", i, el)
		}
		items = append(items, m)
	}
	return items, nil
}

// changedKeys returns the top-level keys of current that differ from
// initial. Keys removed from current are sent as null.
func changedKeys(current, initial map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range current {
		if old, ok := initial[k]; !ok || !cmp.Equal(v, old) {
			out[k] = v
		}
	}
	for k := range initial {
		if _, ok := current[k]; !ok {
			out[k] = nil
		}
	}
	return out
}

func upsert(items []map[string]any, item map[string]any, idField string) []map[string]any {
	id := itemID(item, idField)
	out := make([]map[string]any, 0, len(items)+1)
	replaced := false
	for _, it := range items {
		if id != "" && itemID(it, idField) == id {
			out = append(out, item)
			replaced = true
			continue
		}
		out = append(out, it)
	}
	if !replaced {
		out = append(out, item)
	}
	return out
}

func itemID(item map[string]any, idField string) string {
	v, ok := dotpath.Get(item, idField)
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return deepcopy.Copy(m).(map[string]any)
}

func cloneItems(items []map[string]any) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = cloneMap(it)
	}
	return out
}
