package control

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pitabwire/aiconsole/internal/dotpath"
)

// Formatter renders a cell value for display.
type Formatter func(value any) any

// Comparator orders two cell values. It returns a negative number when a
// sorts before b, zero when they are equal and a positive number otherwise.
type Comparator func(a, b any) int

// Accessor derives a value from a whole row.
type Accessor func(row map[string]any) any

const truncateLimit = 80

var (
	mu sync.RWMutex

	formatters = map[string]Formatter{
		"date":     formatTime("2006-01-02"),
		"datetime": formatTime("2006-01-02 15:04"),
		"json":     formatJSON,
		"boolean":  formatBoolean,
		"truncate": formatTruncate,
		"percent":  formatPercent,
		"number":   formatNumber,
	}

	comparators = map[string]Comparator{
		"string":  compareString,
		"number":  compareNumber,
		"date":    compareDate,
		"boolean": compareBoolean,
	}

	accessors = map[string]Accessor{
		"variant_count": func(row map[string]any) any {
			if v, ok := row["variants"].([]any); ok {
				return len(v)
			}
			return 0
		},
		"tag_list": func(row map[string]any) any {
			tags, _ := row["tags"].([]any)
			parts := make([]string, 0, len(tags))
			for _, t := range tags {
				parts = append(parts, fmt.Sprint(t))
			}
			return strings.Join(parts, ", ")
		},
		"created_at": func(row map[string]any) any {
			return dotpath.Value(row, "metadata.created_at")
		},
		"updated_at": func(row map[string]any) any {
			return dotpath.Value(row, "metadata.updated_at")
		},
	}

	components = map[string]bool{
		"text":            true,
		"textarea":        true,
		"number":          true,
		"slider":          true,
		"switch":          true,
		"select":          true,
		"tags":            true,
		"json_editor":     true,
		"code":            true,
		"prompt_sections": true,
		"status_badge":    true,
	}
)

// RegisterAccessor adds a named accessor. It is meant to be called from
// init functions of packages that contribute entity kinds.
func RegisterAccessor(name string, fn Accessor) {
	mu.Lock()
	defer mu.Unlock()
	accessors[name] = fn
}

// RegisterComponent adds a named edit component.
func RegisterComponent(name string) {
	mu.Lock()
	defer mu.Unlock()
	components[name] = true
}

// LookupFormatter returns the named formatter.
func LookupFormatter(name string) (Formatter, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := formatters[name]
	return f, ok
}

// LookupComparator returns the named comparator.
func LookupComparator(name string) (Comparator, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := comparators[name]
	return c, ok
}

// LookupAccessor returns the named accessor.
func LookupAccessor(name string) (Accessor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := accessors[name]
	return a, ok
}

// KnownComponent reports whether name is a registered component.
func KnownComponent(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return components[name]
}

// ComponentNames returns the registered component names, sorted.
func ComponentNames() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatTime(layout string) Formatter {
	return func(value any) any {
		t, ok := parseTime(value)
		if !ok {
			return value
		}
		return t.UTC().Format(layout)
	}
}

func formatJSON(value any) any {
	if value == nil {
		return ""
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(b)
}

func formatBoolean(value any) any {
	if b, ok := value.(bool); ok {
		if b {
			return "Yes"
		}
		return "No"
	}
	return value
}

func formatTruncate(value any) any {
	s, ok := value.(string)
	if !ok || utf8.RuneCountInString(s) <= truncateLimit {
		return value
	}
	r := []rune(s)
	return string(r[:truncateLimit-1]) + "…"
}

func formatPercent(value any) any {
	f, ok := toFloat(value)
	if !ok {
		return value
	}
	return strconv.FormatFloat(f*100, 'f', -1, 64) + "%"
}

func formatNumber(value any) any {
	f, ok := toFloat(value)
	if !ok {
		return value
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func compareString(a, b any) int {
	if c, done := compareNil(a, b); done {
		return c
	}
	return strings.Compare(strings.ToLower(fmt.Sprint(a)), strings.ToLower(fmt.Sprint(b)))
}

func compareNumber(a, b any) int {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func compareDate(a, b any) int {
	ta, okA := parseTime(a)
	tb, okB := parseTime(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	return ta.Compare(tb)
}

func compareBoolean(a, b any) int {
	ba, _ := a.(bool)
	bb, _ := b.(bool)
	switch {
	case ba == bb:
		return 0
	case !ba:
		return -1
	}
	return 1
}

// compareNil orders missing values first.
func compareNil(a, b any) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return -1, true
	case b == nil:
		return 1, true
	}
	return 0, false
}

func parseTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		if v == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
