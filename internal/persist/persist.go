// Package persist stores the small slice of console client state that
// survives page reloads, keyed by session and state path.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/model"
)

// PersistedPaths lists the state paths clients may persist.
var PersistedPaths = []string{
	"collections.publicSelected",
	"conversationRecords",
}

// Allowed reports whether path may be persisted.
func Allowed(path string) bool {
	return slices.Contains(PersistedPaths, path)
}

// StateStore keeps JSON values per session and path.
type StateStore interface {
	// Load returns the value stored at path, or found=false.
	Load(ctx context.Context, sessionID, path string) (value json.RawMessage, found bool, err error)
	// LoadAll returns every stored path of the session.
	LoadAll(ctx context.Context, sessionID string) (map[string]json.RawMessage, error)
	// Save stores value at path, replacing any previous value.
	Save(ctx context.Context, sessionID, path string, value json.RawMessage) error
}

// Guard enforces the path allow-list and JSON validity in front of a
// backend store and records write metrics.
type Guard struct {
	next    StateStore
	metrics *observability.Metrics
}

// NewGuard wraps next.
func NewGuard(next StateStore, metrics *observability.Metrics) *Guard {
	return &Guard{next: next, metrics: metrics}
}

func checkPath(path string) error {
	if !Allowed(path) {
		return model.NewBadRequestError(fmt.Sprintf("state path %q is not persisted", path))
	}
	return nil
}

// Load implements StateStore.
func (g *Guard) Load(ctx context.Context, sessionID, path string) (json.RawMessage, bool, error) {
	if err := checkPath(path); err != nil {
		return nil, false, err
	}
	return g.next.Load(ctx, sessionID, path)
}

// LoadAll implements StateStore. Paths removed from the allow-list since
// they were stored are dropped.
func (g *Guard) LoadAll(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	all, err := g.next.LoadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for path := range all {
		if !Allowed(path) {
			delete(all, path)
		}
	}
	return all, nil
}

// Save implements StateStore.
func (g *Guard) Save(ctx context.Context, sessionID, path string, value json.RawMessage) error {
	if err := checkPath(path); err != nil {
		g.metrics.RecordStateWrite(path, "rejected")
		return err
	}
	if !json.Valid(value) {
		g.metrics.RecordStateWrite(path, "rejected")
		return model.NewBadRequestError(fmt.Sprintf("state path %q: value is not valid JSON", path))
	}
	if err := g.next.Save(ctx, sessionID, path, value); err != nil {
		g.metrics.RecordStateWrite(path, "error")
		return err
	}
	g.metrics.RecordStateWrite(path, "ok")
	return nil
}

// MemoryStore is an in-process StateStore with TTL. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]memEntry
}

type memEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// NewMemoryStore creates a memory store whose values expire after ttl.
// A non-positive ttl keeps values forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]memEntry),
	}
}

func (s *MemoryStore) live(e memEntry) bool {
	return e.expiresAt.IsZero() || s.now().Before(e.expiresAt)
}

// Load implements StateStore.
func (s *MemoryStore) Load(_ context.Context, sessionID, path string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID][path]
	if !ok || !s.live(e) {
		return nil, false, nil
	}
	return slices.Clone(e.value), true, nil
}

// LoadAll implements StateStore.
func (s *MemoryStore) LoadAll(_ context.Context, sessionID string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for path, e := range s.entries[sessionID] {
		if s.live(e) {
			out[path] = slices.Clone(e.value)
		}
	}
	return out, nil
}

// Save implements StateStore.
func (s *MemoryStore) Save(_ context.Context, sessionID, path string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memEntry{value: slices.Clone(value)}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	if s.entries[sessionID] == nil {
		s.entries[sessionID] = make(map[string]memEntry)
	}
	s.entries[sessionID][path] = e
	return nil
}

// Sweep drops expired values and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for session, paths := range s.entries {
		for path, e := range paths {
			if !s.live(e) {
				delete(paths, path)
				n++
			}
		}
		if len(paths) == 0 {
			delete(s.entries, session)
		}
	}
	return n
}
