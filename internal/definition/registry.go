package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/aiconsole/internal/control"
	"github.com/pitabwire/aiconsole/model"
)

// snapshot is an immutable set of definitions and their resolved
// descriptors, indexed by entity name.
type snapshot struct {
	entities    map[string]model.EntityDefinition
	descriptors map[string]*model.EntityDescriptor
	names       []string
	checksum    string
	version     uint64
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	defaults model.FieldControl
	snap     atomic.Pointer[snapshot]
	version  atomic.Uint64
}

// NewRegistry creates a Registry from the given definitions. Field controls
// are patched with defaults as each snapshot is built.
func NewRegistry(defs []model.EntityDefinition, defaults model.FieldControl) *Registry {
	r := &Registry{defaults: defaults}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions. Descriptors handed out earlier stay valid.
func (r *Registry) Replace(defs []model.EntityDefinition) {
	s := &snapshot{
		entities:    make(map[string]model.EntityDefinition, len(defs)),
		descriptors: make(map[string]*model.EntityDescriptor, len(defs)),
		names:       make([]string, 0, len(defs)),
		version:     r.version.Add(1),
	}

	var checksumParts []string

	for _, def := range defs {
		if _, dup := s.entities[def.Name]; !dup {
			s.names = append(s.names, def.Name)
		}
		s.entities[def.Name] = def
		s.descriptors[def.Name] = control.Describe(&def, r.defaults)
		checksumParts = append(checksumParts, def.Checksum)
	}
	sort.Strings(s.names)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition of entity name.
func (r *Registry) Get(name string) (model.EntityDefinition, bool) {
	d, ok := r.current().entities[name]
	return d, ok
}

// Descriptor returns the resolved descriptor of entity name. Callers must
// not modify it.
func (r *Registry) Descriptor(name string) (*model.EntityDescriptor, bool) {
	d, ok := r.current().descriptors[name]
	return d, ok
}

// All returns all definitions sorted by name.
func (r *Registry) All() []model.EntityDefinition {
	s := r.current()
	defs := make([]model.EntityDefinition, 0, len(s.names))
	for _, name := range s.names {
		defs = append(defs, s.entities[name])
	}
	return defs
}

// Descriptors returns all descriptors sorted by entity name.
func (r *Registry) Descriptors() []*model.EntityDescriptor {
	s := r.current()
	out := make([]*model.EntityDescriptor, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.descriptors[name])
	}
	return out
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	return len(r.current().names)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// Version increases by one on every Replace. Workspaces compare it to know
// when to rebuild.
func (r *Registry) Version() uint64 {
	return r.current().version
}
