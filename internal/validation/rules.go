// Package validation builds the pure field rules used by entity edit forms.
//
// Every rule returns ok or the message to display, and never panics. Rules
// that only make sense for a non-empty value (JSON, system names, patterns)
// pass empty values so they compose with Required.
package validation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/pitabwire/aiconsole/model"
)

// Rule is a single field check.
type Rule = model.ValidationRule

var systemNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Required fails on nil, the empty string, and empty slices or maps.
// Zero numbers and false pass.
func Required(msg string) Rule {
	return func(value any) (string, bool) {
		if isEmpty(value) {
			return msg, false
		}
		return "", true
	}
}

// MinLength requires at least n runes for strings or n elements for slices
// and maps. Empty values pass.
func MinLength(n int, msg string) Rule {
	return func(value any) (string, bool) {
		if isEmpty(value) {
			return "", true
		}
		l, ok := length(value)
		if !ok || l < n {
			return msg, false
		}
		return "", true
	}
}

// MaxLength allows at most n runes for strings or n elements for slices
// and maps.
func MaxLength(n int, msg string) Rule {
	return func(value any) (string, bool) {
		if value == nil {
			return "", true
		}
		l, ok := length(value)
		if !ok || l > n {
			return msg, false
		}
		return "", true
	}
}

// ValidJSON requires a string that parses as JSON. Structured values
// (maps, slices, numbers) already decoded from a request pass.
func ValidJSON(msg string) Rule {
	return func(value any) (string, bool) {
		if isEmpty(value) {
			return "", true
		}
		s, ok := value.(string)
		if !ok {
			return "", true
		}
		if !json.Valid([]byte(s)) {
			return msg, false
		}
		return "", true
	}
}

// ValidSystemName requires a lowercase identifier: a letter followed by
// letters, digits or underscores.
func ValidSystemName(msg string) Rule {
	return Pattern(systemNamePattern, msg)
}

// Pattern requires a string matching re.
func Pattern(re *regexp.Regexp, msg string) Rule {
	return func(value any) (string, bool) {
		if isEmpty(value) {
			return "", true
		}
		s, ok := value.(string)
		if !ok || !re.MatchString(s) {
			return msg, false
		}
		return "", true
	}
}

// Min requires a numeric value of at least lo.
func Min(lo float64, msg string) Rule {
	return func(value any) (string, bool) {
		if value == nil {
			return "", true
		}
		f, ok := toFloat(value)
		if !ok || f < lo {
			return msg, false
		}
		return "", true
	}
}

// Max requires a numeric value of at most hi.
func Max(hi float64, msg string) Rule {
	return func(value any) (string, bool) {
		if value == nil {
			return "", true
		}
		f, ok := toFloat(value)
		if !ok || f > hi {
			return msg, false
		}
		return "", true
	}
}

// Between requires lo <= value <= hi.
func Between(lo, hi float64, msg string) Rule {
	return func(value any) (string, bool) {
		if value == nil {
			return "", true
		}
		f, ok := toFloat(value)
		if !ok || f < lo || f > hi {
			return msg, false
		}
		return "", true
	}
}

// Apply runs rules in order and returns the first failure.
func Apply(rules []Rule, value any) (string, bool) {
	for _, rule := range rules {
		if msg, ok := rule(value); !ok {
			return msg, false
		}
	}
	return "", true
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	switch v := value.(type) {
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func length(value any) (int, bool) {
	if s, ok := value.(string); ok {
		return utf8.RuneCountInString(s), true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len(), true
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil && v != ""
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func defaultMessage(msg, format string, args ...any) string {
	if msg != "" {
		return msg
	}
	return fmt.Sprintf(format, args...)
}
