// Package workspace keeps one composed store tree per console session.
// Each tree holds a namespaced entity module for every registered
// definition. Idle sessions are evicted and registry reloads are picked
// up lazily on the next access.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/definition"
	"github.com/pitabwire/aiconsole/internal/entity"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/store"
)

// RootModule names the non-namespaced module carrying console-wide getters.
const RootModule = "console"

// ErrUnknownEntity is returned when a workspace has no store for an entity.
var ErrUnknownEntity = errors.New("workspace: unknown entity")

type slot struct {
	store    *entity.Store
	checksum string
}

// Workspace is one session's state tree.
type Workspace struct {
	SessionID string

	mu       sync.RWMutex
	version  uint64
	tree     *store.Tree
	slots    map[string]slot // entity name → store
	lastUsed time.Time
}

// Tree returns the composed tree. Entity modules are namespaced by state
// key, e.g. "agents/getItems".
func (w *Workspace) Tree() *store.Tree {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tree
}

// Store returns the entity store of the named entity.
func (w *Workspace) Store(name string) (*entity.Store, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return s.store, nil
}

// Key returns the tree path of an entry of the named entity's module.
func (w *Workspace) Key(name, entry string) (string, error) {
	s, err := w.Store(name)
	if err != nil {
		return "", err
	}
	return s.Descriptor().StateKey + "/" + entry, nil
}

// Manager owns the workspaces of all sessions.
type Manager struct {
	registry *definition.Registry
	deps     entity.Deps
	cfg      config.WorkspaceConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Workspace
}

// NewManager creates a Manager. deps is shared by every entity store.
func NewManager(registry *definition.Registry, deps entity.Deps, cfg config.WorkspaceConfig, metrics *observability.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: registry,
		deps:     deps,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Workspace),
	}
}

// Get returns the workspace of sessionID, creating it on first use and
// rebuilding it when the definition registry changed since it was built.
func (m *Manager) Get(sessionID string) (*Workspace, error) {
	if sessionID == "" {
		return nil, errors.New("workspace: empty session id")
	}

	m.mu.Lock()
	w, ok := m.sessions[sessionID]
	if !ok {
		w = &Workspace{SessionID: sessionID, slots: map[string]slot{}}
		m.sessions[sessionID] = w
		m.metrics.SetWorkspacesActive(len(m.sessions))
	}
	w.lastUsed = m.now()
	m.mu.Unlock()

	if err := m.sync(w); err != nil {
		return nil, err
	}
	return w, nil
}

// sync rebuilds w when the registry version moved. Stores of entities
// whose definition checksum is unchanged are carried over with their
// items and edit buffers.
func (m *Manager) sync(w *Workspace) error {
	version := m.registry.Version()

	w.mu.RLock()
	current := w.tree != nil && w.version == version
	w.mu.RUnlock()
	if current {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tree != nil && w.version == version {
		return nil
	}

	slots := make(map[string]slot, m.registry.Len())
	modules := []store.Module{m.rootModule()}
	for _, desc := range m.registry.Descriptors() {
		def, _ := m.registry.Get(desc.Name)
		s, ok := w.slots[desc.Name]
		if !ok || s.checksum != def.Checksum || def.Checksum == "" {
			exts, err := entity.ResolveExtensions(desc.Extensions)
			if err != nil {
				return fmt.Errorf("workspace %s: entity %q: %w", w.SessionID, desc.Name, err)
			}
			s = slot{store: entity.New(desc, m.deps, exts...), checksum: def.Checksum}
		}
		slots[desc.Name] = s

		mod := entity.Module(s.store)
		mod.Namespaced = true
		modules = append(modules, mod)
	}

	tree, err := store.Compose(modules, nil)
	if err != nil {
		return fmt.Errorf("workspace %s: %w", w.SessionID, err)
	}

	if w.tree != nil {
		m.logger.Debug("workspace rebuilt",
			zap.String("session_id", w.SessionID),
			zap.Uint64("from_version", w.version),
			zap.Uint64("to_version", version),
		)
	}
	w.tree, w.slots, w.version = tree, slots, version
	return nil
}

func (m *Manager) rootModule() store.Module {
	return store.Module{
		Name: RootModule,
		Getters: map[string]store.Getter{
			"entities": func() any {
				descs := m.registry.Descriptors()
				names := make([]string, len(descs))
				for i, d := range descs {
					names[i] = d.Name
				}
				return names
			},
			"definitionsChecksum": func() any { return m.registry.Checksum() },
		},
	}
}

// Drop discards the workspace of sessionID, e.g. on logout.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		delete(m.sessions, sessionID)
		m.metrics.SetWorkspacesActive(len(m.sessions))
	}
}

// Len returns the number of live workspaces.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts workspaces idle for longer than the configured TTL and
// returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.IdleTTL)
	n := 0
	for id, w := range m.sessions {
		if w.lastUsed.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.metrics.RecordWorkspaceEvictions(n)
		m.metrics.SetWorkspacesActive(len(m.sessions))
		m.logger.Debug("workspaces evicted", zap.Int("count", n), zap.Int("remaining", len(m.sessions)))
	}
	return n
}

// Run sweeps idle workspaces every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
