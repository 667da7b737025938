// Package store composes per-entity state modules into a single tree that a
// session workspace dispatches against.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a tree has no entry of the requested name.
var ErrNotFound = errors.New("store: not found")

// Getter reads a value derived from module state.
type Getter func() any

// Action is an operation that may perform I/O.
type Action func(ctx context.Context, payload any) (any, error)

// Mutation changes module state synchronously.
type Mutation func(payload any) error

// Module is a named bundle of state readers, getters, actions and mutations.
// A Namespaced module is reachable only through "<module>/<key>" and never
// contributes flat aliases.
type Module struct {
	Name       string
	Namespaced bool
	State      map[string]Getter
	Getters    map[string]Getter
	Actions    map[string]Action
	Mutations  map[string]Mutation
}

// Merge shallow-merges modules section by section. When two modules define
// the same key in a section, the later module wins.
func Merge(modules ...Module) Module {
	out := Module{
		State:     map[string]Getter{},
		Getters:   map[string]Getter{},
		Actions:   map[string]Action{},
		Mutations: map[string]Mutation{},
	}
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		if m.Name != "" {
			names = append(names, m.Name)
		}
		for k, v := range m.State {
			out.State[k] = v
		}
		for k, v := range m.Getters {
			out.Getters[k] = v
		}
		for k, v := range m.Actions {
			out.Actions[k] = v
		}
		for k, v := range m.Mutations {
			out.Mutations[k] = v
		}
	}
	out.Name = strings.Join(names, "+")
	return out
}

// Section names a part of a module.
type Section string

const (
	SectionState     Section = "state"
	SectionGetters   Section = "getters"
	SectionActions   Section = "actions"
	SectionMutations Section = "mutations"
)

// Overrides approves flat-name collisions: for a section and key it names
// the module whose entry the flat alias resolves to.
type Overrides map[Section]map[string]string

func (o Overrides) winner(s Section, key string) (string, bool) {
	w, ok := o[s][key]
	return w, ok
}

// Tree is a composition of modules. Every entry is reachable as
// "<module>/<key>". A flat "<key>" alias exists when only one module
// defines the key, or when Overrides picked a winner.
type Tree struct {
	modules   []string
	state     map[string]Getter
	getters   map[string]Getter
	actions   map[string]Action
	mutations map[string]Mutation
}

// Compose namespaces modules into a Tree. Module names must be unique,
// non-empty and free of "/". A flat key defined by more than one module
// is an error unless overrides names one of them as the winner.
func Compose(modules []Module, overrides Overrides) (*Tree, error) {
	t := &Tree{
		state:     map[string]Getter{},
		getters:   map[string]Getter{},
		actions:   map[string]Action{},
		mutations: map[string]Mutation{},
	}

	var errs []error
	seen := make(map[string]bool, len(modules))
	for _, m := range modules {
		switch {
		case m.Name == "":
			errs = append(errs, errors.New("module with empty name"))
			continue
		case strings.Contains(m.Name, "/"):
			errs = append(errs, fmt.Errorf("module %q: name must not contain '/'", m.Name))
			continue
		case seen[m.Name]:
			errs = append(errs, fmt.Errorf("module %q declared more than once", m.Name))
			continue
		}
		seen[m.Name] = true
		t.modules = append(t.modules, m.Name)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	errs = append(errs, composeSection(t.state, modules, SectionState, overrides, func(m Module) map[string]Getter { return m.State })...)
	errs = append(errs, composeSection(t.getters, modules, SectionGetters, overrides, func(m Module) map[string]Getter { return m.Getters })...)
	errs = append(errs, composeSection(t.actions, modules, SectionActions, overrides, func(m Module) map[string]Action { return m.Actions })...)
	errs = append(errs, composeSection(t.mutations, modules, SectionMutations, overrides, func(m Module) map[string]Mutation { return m.Mutations })...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

func composeSection[T any](dst map[string]T, modules []Module, section Section, overrides Overrides, pick func(Module) map[string]T) []error {
	owners := map[string][]string{}
	byModule := map[string]map[string]T{}
	for _, m := range modules {
		entries := pick(m)
		byModule[m.Name] = entries
		for key, v := range entries {
			dst[m.Name+"/"+key] = v
			if !m.Namespaced {
				owners[key] = append(owners[key], m.Name)
			}
		}
	}

	keys := make([]string, 0, len(owners))
	for k := range owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		names := owners[key]
		if len(names) == 1 {
			dst[key] = byModule[names[0]][key]
			continue
		}
		winner, ok := overrides.winner(section, key)
		if !ok {
			errs = append(errs, fmt.Errorf("%s %q is defined by modules %s; add an override naming the winner",
				section, key, strings.Join(names, ", ")))
			continue
		}
		v, ok := byModule[winner][key]
		if !ok {
			errs = append(errs, fmt.Errorf("%s %q: override winner %q does not define it", section, key, winner))
			continue
		}
		dst[key] = v
	}
	return errs
}

// Modules returns the module names in composition order.
func (t *Tree) Modules() []string {
	return append([]string(nil), t.modules...)
}

// State reads a state entry.
func (t *Tree) State(name string) (any, error) {
	g, ok := t.state[name]
	if !ok {
		return nil, fmt.Errorf("%w: state %q", ErrNotFound, name)
	}
	return g(), nil
}

// Getter evaluates a getter.
func (t *Tree) Getter(name string) (any, error) {
	g, ok := t.getters[name]
	if !ok {
		return nil, fmt.Errorf("%w: getter %q", ErrNotFound, name)
	}
	return g(), nil
}

// Dispatch runs an action.
func (t *Tree) Dispatch(ctx context.Context, name string, payload any) (any, error) {
	a, ok := t.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: action %q", ErrNotFound, name)
	}
	return a(ctx, payload)
}

// Commit applies a mutation.
func (t *Tree) Commit(name string, payload any) error {
	m, ok := t.mutations[name]
	if !ok {
		return fmt.Errorf("%w: mutation %q", ErrNotFound, name)
	}
	return m(payload)
}
