package validation

import (
	"encoding/json"
	"regexp"
	"slices"
	"testing"

	"github.com/pitabwire/aiconsole/model"
)

// expect runs rule against every value and reports those whose outcome
// differs from want.
func expect(t *testing.T, name string, rule Rule, want bool, values ...any) {
	t.Helper()
	for _, v := range values {
		if msg, ok := rule(v); ok != want {
			t.Errorf("%s(%#v) = %q, %v; want ok=%v", name, v, msg, ok, want)
		}
	}
}

func TestRequired(t *testing.T) {
	rule := Required("required")
	tests := []struct {
		name  string
		value any
		ok    bool
	}{
		{"nil", nil, false},
		{"empty string", "", false},
		{"empty slice", []any{}, false},
		{"empty map", map[string]any{}, false},
		{"empty typed slice", []string{}, false},
		{"zero", 0, true},
		{"false", false, true},
		{"text", "x", true},
		{"whitespace", " ", true},
		{"list", []any{"a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := rule(tt.value)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok && msg != "required" {
				t.Errorf("msg = %q, want required", msg)
			}
		})
	}
}

func TestLengthRules(t *testing.T) {
	minRule := MinLength(3, "too short")
	maxRule := MaxLength(3, "too long")

	// Length counts runes; empty passes so it composes with Required.
	expect(t, "MinLength", minRule, true, "héé", "", []any{1, 2, 3})
	expect(t, "MinLength", minRule, false, "ab", []any{1, 2})

	expect(t, "MaxLength", maxRule, true, "ééé", map[string]any{"a": 1})
	expect(t, "MaxLength", maxRule, false, "abcd", map[string]any{"a": 1, "b": 2, "c": 3, "d": 4}, 42)
}

func TestValidJSON(t *testing.T) {
	rule := ValidJSON("bad json")
	expect(t, "ValidJSON", rule, true, "", nil, `{"a":1}`, `[1,2]`, `"s"`, map[string]any{"a": 1})
	if msg, ok := rule(`{"a":`); ok || msg != "bad json" {
		t.Errorf("ValidJSON(truncated) = %q, %v", msg, ok)
	}
}

func TestValidSystemName(t *testing.T) {
	rule := ValidSystemName("bad name")
	expect(t, "ValidSystemName", rule, true, "a", "web_search", "tool2", "x_1_y", "")
	expect(t, "ValidSystemName", rule, false, "Web", "1tool", "_x", "web-search", "web search", "wéb", 12)
}

func TestNumericRules(t *testing.T) {
	between := Between(0, 2, "out of range")
	expect(t, "Between", between, true, 0, 1.5, 2.0, "1", json.Number("2"))
	expect(t, "Between", between, false, -0.1, 2.01, "abc", true, json.Number("x"))

	expect(t, "Min", Min(1, "min"), false, 0)
	expect(t, "Max", Max(1, "max"), true, 1, nil)
}

func TestNumericRules_everyNumericKind(t *testing.T) {
	type percent uint8
	in := []any{
		int(1), int8(1), int16(1), int32(1), int64(1),
		uint(1), uint8(1), uint16(1), uint32(1), uint64(1), uintptr(1),
		float32(1), float64(1), percent(1),
	}
	expect(t, "Between", Between(0, 2, "out of range"), true, in...)
	expect(t, "Min", Min(2, "min"), false, in...)
	expect(t, "Max", Max(0, "max"), false, in...)
	expect(t, "Max", Max(100, "max"), false, uint64(1)<<63)
}

func TestPattern(t *testing.T) {
	rule := Pattern(regexp.MustCompile(`^v\d+$`), "bad version")
	expect(t, "Pattern", rule, true, "v12")
	expect(t, "Pattern", rule, false, "12")
}

func TestApply_firstFailureWins(t *testing.T) {
	rules := []Rule{Required("required"), MinLength(3, "short"), ValidSystemName("name")}
	tests := []struct {
		value   any
		wantMsg string
	}{
		{"", "required"},
		{"AB", "short"},
		{"ABC", "name"},
		{"abc", ""},
	}
	for _, tt := range tests {
		msg, ok := Apply(rules, tt.value)
		if ok != (tt.wantMsg == "") || msg != tt.wantMsg {
			t.Errorf("Apply(%q) = %q, %v; want %q", tt.value, msg, ok, tt.wantMsg)
		}
	}
	if _, ok := Apply(nil, nil); !ok {
		t.Error("no rules should pass")
	}
}

func TestBuild(t *testing.T) {
	rules, err := Build([]model.RuleRef{
		{Name: "required", Message: "Name is required"},
		{Name: "max_length", Args: map[string]any{"n": 5}},
		{Name: "between", Args: map[string]any{"min": 0, "max": 2.0}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("rules = %d, want 3", len(rules))
	}

	if msg, ok := rules[0](""); ok || msg != "Name is required" {
		t.Errorf("required = %q, %v", msg, ok)
	}
	if msg, ok := rules[1]("toolong"); ok || msg != "Must be at most 5 characters" {
		t.Errorf("max_length = %q, %v", msg, ok)
	}
	expect(t, "between", rules[2], true, uint16(2))
}

func TestBuild_errors(t *testing.T) {
	tests := []struct {
		name string
		ref  model.RuleRef
	}{
		{"unknown", model.RuleRef{Name: "luhn"}},
		{"missing arg", model.RuleRef{Name: "min_length"}},
		{"fractional length", model.RuleRef{Name: "min_length", Args: map[string]any{"n": 1.5}}},
		{"non-numeric", model.RuleRef{Name: "min", Args: map[string]any{"value": "x"}}},
		{"inverted range", model.RuleRef{Name: "between", Args: map[string]any{"min": 3, "max": 1}}},
		{"bad regexp", model.RuleRef{Name: "pattern", Args: map[string]any{"pattern": "("}}},
		{"missing regexp", model.RuleRef{Name: "pattern"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build([]model.RuleRef{tt.ref}); err == nil {
				t.Error("Build() error = nil")
			}
		})
	}
}

func TestKnownAndNames(t *testing.T) {
	if !Known("system_name") || Known("luhn") {
		t.Error("Known() disagrees with the registry")
	}
	if !slices.Contains(Names(), "valid_json") {
		t.Errorf("Names() = %v, missing valid_json", Names())
	}
}
