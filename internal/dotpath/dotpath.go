// Package dotpath reads and writes dot-separated paths in decoded JSON
// objects (nested map[string]any).
package dotpath

import (
	"fmt"
	"strings"
)

// Get navigates path through nested maps. The second result is false when
// any segment is missing or crosses a non-map value.
func Get(data map[string]any, path string) (any, bool) {
	if path == "" || data == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Value is Get without the presence flag.
func Value(data map[string]any, path string) any {
	v, _ := Get(data, path)
	return v
}

// Set writes value at path, creating intermediate maps as needed. It fails
// when a segment is empty or an intermediate segment holds a non-map value.
// data is left untouched on failure.
func Set(data map[string]any, path string, value any) error {
	if data == nil {
		return fmt.Errorf("dotpath: set %q on nil map", path)
	}
	if path == "" {
		return fmt.Errorf("dotpath: empty path")
	}
	parts := strings.Split(path, ".")
	if err := check(data, parts); err != nil {
		return err
	}

	current := data
	for _, part := range parts[:len(parts)-1] {
		m, ok := current[part].(map[string]any)
		if !ok {
			m = make(map[string]any)
			current[part] = m
		}
		current = m
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// check reports whether parts can be written into data without replacing a
// non-map value.
func check(data map[string]any, parts []string) error {
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("dotpath: empty segment in %q", strings.Join(parts, "."))
		}
	}
	current := data
	for i, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		if !exists || next == nil {
			return nil
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("dotpath: %q is not an object", strings.Join(parts[:i+1], "."))
		}
		current = m
	}
	return nil
}

// Root returns the first segment of path.
func Root(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
