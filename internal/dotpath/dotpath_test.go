package dotpath

import (
	"fmt"
	"testing"
)

func TestGet(t *testing.T) {
	data := map[string]any{
		"name": "web_search",
		"config": map[string]any{
			"provider": map[string]any{"model": "gpt-4o"},
			"top_k":    5,
		},
		"tags": []any{"a"},
	}
	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"name", "web_search", true},
		{"config.top_k", 5, true},
		{"config.provider.model", "gpt-4o", true},
		{"config.missing", nil, false},
		{"tags.0", nil, false},
		{"name.inner", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Get(data, tt.path)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Get(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestGet_nilMap(t *testing.T) {
	if v, ok := Get(nil, "a"); ok || v != nil {
		t.Errorf("Get(nil) = %v, %v", v, ok)
	}
}

func TestSet_createsIntermediateMaps(t *testing.T) {
	data := map[string]any{}
	if err := Set(data, "config.retrieval.top_k", 8); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := Value(data, "config.retrieval.top_k"); got != 8 {
		t.Errorf("top_k = %v, want 8", got)
	}
}

func TestSet_replacesNilIntermediate(t *testing.T) {
	data := map[string]any{"config": nil}
	if err := Set(data, "config.model", "m"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := Value(data, "config.model"); got != "m" {
		t.Errorf("config.model = %v, want m", got)
	}
}

func TestSet_errors(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		path string
	}{
		{"nil map", nil, "a"},
		{"empty path", map[string]any{}, ""},
		{"scalar intermediate", map[string]any{"name": "x"}, "name.first"},
		{"empty segment", map[string]any{}, "a..b"},
		{"trailing dot", map[string]any{}, "a."},
		{"trailing dot under existing map", map[string]any{"config": map[string]any{}}, "config.retrieval."},
		{"scalar deeper down", map[string]any{"config": map[string]any{"model": "m"}}, "config.model.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := fmt.Sprint(tt.data)
			if err := Set(tt.data, tt.path, 1); err == nil {
				t.Error("Set() should return error")
			}
			if after := fmt.Sprint(tt.data); after != before {
				t.Errorf("failed Set() changed data: %s -> %s", before, after)
			}
		})
	}
}

func TestRoot(t *testing.T) {
	if got := Root("metadata.created_at"); got != "metadata" {
		t.Errorf("Root() = %q, want metadata", got)
	}
	if got := Root("name"); got != "name" {
		t.Errorf("Root() = %q, want name", got)
	}
}
