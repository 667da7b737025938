package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/aiconsole/internal/store"
)

// ErrPayload is returned when an action or mutation receives a payload of
// the wrong type.
var ErrPayload = errors.New("entity: invalid payload")

// PropertyUpdate is the payload of updateEntityProperty (Path is a
// top-level key) and updateNestedEntityProperty (Path is a dot path).
type PropertyUpdate struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// Extension contributes state, getters, actions or mutations to a store.
// It is called once per store, so state captured in its closure is per
// store. Entries override base entries of the same name.
type Extension func(s *Store) store.Module

var (
	extMu      sync.RWMutex
	extensions = map[string]Extension{}
)

// RegisterExtension adds a named extension. Registering a name twice
// panics; it indicates a wiring mistake.
func RegisterExtension(name string, ext Extension) {
	extMu.Lock()
	defer extMu.Unlock()
	if _, exists := extensions[name]; exists {
		panic(fmt.Sprintf("entity: extension %q already registered", name))
	}
	extensions[name] = ext
}

// LookupExtension returns the named extension.
func LookupExtension(name string) (Extension, bool) {
	extMu.RLock()
	defer extMu.RUnlock()
	ext, ok := extensions[name]
	return ext, ok
}

// ExtensionNames returns the registered extension names, sorted.
func ExtensionNames() []string {
	extMu.RLock()
	defer extMu.RUnlock()
	names := make([]string, 0, len(extensions))
	for name := range extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveExtensions looks up every named extension.
func ResolveExtensions(names []string) ([]Extension, error) {
	out := make([]Extension, 0, len(names))
	for _, name := range names {
		ext, ok := LookupExtension(name)
		if !ok {
			return nil, fmt.Errorf("entity: unknown extension %q", name)
		}
		out = append(out, ext)
	}
	return out, nil
}

// Module exposes s as a store module named after its state key. The base
// contract is merged first and the store's extensions after it, so
// extension entries win on collision.
func Module(s *Store) store.Module {
	modules := make([]store.Module, 0, 1+len(s.ext))
	modules = append(modules, baseModule(s))
	for _, ext := range s.ext {
		modules = append(modules, ext(s))
	}
	m := store.Merge(modules...)
	m.Name = s.desc.StateKey
	return m
}

func baseModule(s *Store) store.Module {
	return store.Module{
		State: map[string]store.Getter{
			"items":         func() any { return s.Items() },
			"loading":       func() any { return s.Loading() },
			"service":       func() any { return s.desc.Service },
			"entity":        func() any { return s.Current() },
			"initialEntity": func() any { return s.Snapshot().InitialEntity },
			"lastError":     func() any { return s.Snapshot().LastError },
		},
		Getters: map[string]store.Getter{
			"isEntityChanged":   func() any { return s.IsEntityChanged() },
			"isCancelAvailable": func() any { return s.IsCancelAvailable() },
			"itemCount":         func() any { return len(s.Items()) },
		},
		Actions: map[string]store.Action{
			"getItems": func(ctx context.Context, _ any) (any, error) {
				if err := s.GetItems(ctx); err != nil {
					return nil, err
				}
				return s.Items(), nil
			},
			"getItem": func(ctx context.Context, payload any) (any, error) {
				id, ok := payload.(string)
				if !ok || id == "" {
					return nil, fmt.Errorf("%w: getItem wants an id string", ErrPayload)
				}
				if err := s.GetItem(ctx, id); err != nil {
					return nil, err
				}
				return s.Current(), nil
			},
			"saveEntity": func(ctx context.Context, _ any) (any, error) {
				return s.SaveEntity(ctx)
			},
			"deleteItem": func(ctx context.Context, payload any) (any, error) {
				id, ok := payload.(string)
				if !ok || id == "" {
					return nil, fmt.Errorf("%w: deleteItem wants an id string", ErrPayload)
				}
				return nil, s.DeleteItem(ctx, id)
			},
		},
		Mutations: map[string]store.Mutation{
			"newEntity": func(payload any) error {
				defaults, ok := asMap(payload)
				if !ok {
					return fmt.Errorf("%w: newEntity wants an object", ErrPayload)
				}
				s.NewEntity(defaults)
				return nil
			},
			"setEntity": func(payload any) error {
				e, ok := asMap(payload)
				if !ok || e == nil {
					return fmt.Errorf("%w: setEntity wants an object", ErrPayload)
				}
				s.SetEntity(e)
				return nil
			},
			"updateEntity": func(payload any) error {
				patch, ok := asMap(payload)
				if !ok {
					return fmt.Errorf("%w: updateEntity wants an object", ErrPayload)
				}
				s.UpdateEntity(patch)
				return nil
			},
			"updateEntityProperty": func(payload any) error {
				u, ok := payload.(PropertyUpdate)
				if !ok || u.Path == "" {
					return fmt.Errorf("%w: updateEntityProperty wants a PropertyUpdate", ErrPayload)
				}
				s.UpdateEntityProperty(u.Path, u.Value)
				return nil
			},
			"updateNestedEntityProperty": func(payload any) error {
				u, ok := payload.(PropertyUpdate)
				if !ok {
					return fmt.Errorf("%w: updateNestedEntityProperty wants a PropertyUpdate", ErrPayload)
				}
				return s.UpdateNestedEntityProperty(u.Path, u.Value)
			},
			"revertEntity": func(any) error {
				s.RevertEntity()
				return nil
			},
			"resetEntity": func(any) error {
				s.ResetEntity()
				return nil
			},
		},
	}
}

// asMap accepts nil as an empty patch.
func asMap(payload any) (map[string]any, bool) {
	if payload == nil {
		return nil, true
	}
	m, ok := payload.(map[string]any)
	return m, ok
}
