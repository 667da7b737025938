package model

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// MetadataKey names the server-maintained block present on every persisted
// entity. It is never sent back on save.
const MetadataKey = "metadata"

// EntityDefinition is the root structure of a definition file. Each file
// declares one aiBridge entity kind and the field controls used to display
// and edit it.
type EntityDefinition struct {
	Name         string                 `yaml:"name"         json:"name"`
	Label        string                 `yaml:"label"        json:"label,omitempty"`
	StateKey     string                 `yaml:"state_key"    json:"state_key"`
	Service      string                 `yaml:"service"      json:"service"`
	IDField      string                 `yaml:"id_field"     json:"id_field"`
	DefaultSort  string                 `yaml:"default_sort" json:"default_sort,omitempty"`
	SortDir      string                 `yaml:"sort_dir"     json:"sort_dir,omitempty"`
	Defaults     map[string]any         `yaml:"defaults"     json:"defaults,omitempty"`
	Fields       []FieldControl         `yaml:"fields"       json:"fields"`
	Extensions   []string               `yaml:"extensions"   json:"extensions,omitempty"`
	Capabilities CapabilityRequirements `yaml:"capabilities" json:"capabilities"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// CapabilityRequirements overrides the capabilities guarding an entity.
// Empty values fall back to "<entity>:read" and "<entity>:write".
type CapabilityRequirements struct {
	Read  string `yaml:"read"  json:"read,omitempty"`
	Write string `yaml:"write" json:"write,omitempty"`
}

// ReadCapability returns the capability required to list or view items.
func (d *EntityDefinition) ReadCapability() string {
	if d.Capabilities.Read != "" {
		return d.Capabilities.Read
	}
	return EntityCapability(d.Name, ActionRead)
}

// WriteCapability returns the capability required to create, edit or delete.
func (d *EntityDefinition) WriteCapability() string {
	if d.Capabilities.Write != "" {
		return d.Capabilities.Write
	}
	return EntityCapability(d.Name, ActionWrite)
}

// IDKey returns the identifier field, defaulting to "id".
func (d *EntityDefinition) IDKey() string {
	if d.IDField == "" {
		return "id"
	}
	return d.IDField
}

// FieldRefKind tags how a FieldRef reads its value from a row.
type FieldRefKind string

const (
	FieldRefPath     FieldRefKind = "path"
	FieldRefAccessor FieldRefKind = "accessor"
)

// FieldRef locates a control's value in an entity: either a dot path into
// the row or the name of a registered accessor.
type FieldRef struct {
	Kind     FieldRefKind `json:"kind"`
	Path     string       `json:"path,omitempty"`
	Accessor string       `json:"accessor,omitempty"`
}

// RuleRef names a validation rule from the rule registry.
type RuleRef struct {
	Name    string         `yaml:"name"    json:"name"`
	Args    map[string]any `yaml:"args"    json:"args,omitempty"`
	Message string         `yaml:"message" json:"message,omitempty"`
}

// Patchable control keys. These are the keys a defaults template may fill.
const (
	KeyLabel     = "label"
	KeyDisplay   = "display"
	KeyReadonly  = "readonly"
	KeySortable  = "sortable"
	KeyAlign     = "align"
	KeyFormat    = "format"
	KeySort      = "sort"
	KeyRules     = "rules"
	KeyComponent = "component"
)

// PatchableKeys lists the patchable keys in a stable order.
var PatchableKeys = []string{
	KeyLabel, KeyDisplay, KeyReadonly, KeySortable, KeyAlign,
	KeyFormat, KeySort, KeyRules, KeyComponent,
}

// FieldControl describes how one field of an entity is displayed, sorted,
// formatted and validated. The set of keys that appeared in the YAML source
// is recorded so defaults never override an explicit value, even a zero one.
type FieldControl struct {
	Name        string    `yaml:"name"         json:"name"`
	Field       FieldRef  `yaml:"-"            json:"field"`
	Label       string    `yaml:"label"        json:"label"`
	Display     bool      `yaml:"display"      json:"display"`
	Readonly    bool      `yaml:"readonly"     json:"readonly"`
	Sortable    bool      `yaml:"sortable"     json:"sortable"`
	Align       string    `yaml:"align"        json:"align,omitempty"`
	Format      string    `yaml:"format"       json:"format,omitempty"`
	Sort        string    `yaml:"sort"         json:"sort,omitempty"`
	Rules       []RuleRef `yaml:"rules"        json:"rules,omitempty"`
	Component   string    `yaml:"component"    json:"component,omitempty"`
	IgnorePatch bool      `yaml:"ignore_patch" json:"ignore_patch,omitempty"`

	set map[string]bool
}

// fieldControlYAML mirrors FieldControl for decoding without recursion.
type fieldControlYAML struct {
	Name        string    `yaml:"name"`
	Field       string    `yaml:"field"`
	Accessor    string    `yaml:"accessor"`
	Label       string    `yaml:"label"`
	Display     bool      `yaml:"display"`
	Readonly    bool      `yaml:"readonly"`
	Sortable    bool      `yaml:"sortable"`
	Align       string    `yaml:"align"`
	Format      string    `yaml:"format"`
	Sort        string    `yaml:"sort"`
	Rules       []RuleRef `yaml:"rules"`
	Component   string    `yaml:"component"`
	IgnorePatch bool      `yaml:"ignore_patch"`
}

// UnmarshalYAML decodes a control and records which keys were present.
func (fc *FieldControl) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("field control: expected mapping, got %s", node.ShortTag())
	}
	var raw fieldControlYAML
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Field != "" && raw.Accessor != "" {
		return fmt.Errorf("field control %q: field and accessor are mutually exclusive", raw.Name)
	}

	set := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		set[node.Content[i].Value] = true
	}

	*fc = FieldControl{
		Name:        raw.Name,
		Label:       raw.Label,
		Display:     raw.Display,
		Readonly:    raw.Readonly,
		Sortable:    raw.Sortable,
		Align:       raw.Align,
		Format:      raw.Format,
		Sort:        raw.Sort,
		Rules:       raw.Rules,
		Component:   raw.Component,
		IgnorePatch: raw.IgnorePatch,
		set:         set,
	}
	switch {
	case raw.Accessor != "":
		fc.Field = FieldRef{Kind: FieldRefAccessor, Accessor: raw.Accessor}
	case raw.Field != "":
		fc.Field = FieldRef{Kind: FieldRefPath, Path: raw.Field}
	case raw.Name != "":
		fc.Field = FieldRef{Kind: FieldRefPath, Path: raw.Name}
	}
	return nil
}

// IsSet reports whether key was explicitly present when the control was
// declared.
func (fc FieldControl) IsSet(key string) bool {
	return fc.set[key]
}

// SetKeys returns the explicitly declared keys in sorted order.
func (fc FieldControl) SetKeys() []string {
	keys := make([]string, 0, len(fc.set))
	for k := range fc.set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithSet returns a copy of fc that additionally records keys as
// explicitly set. The receiver is left untouched.
func (fc FieldControl) WithSet(keys ...string) FieldControl {
	set := make(map[string]bool, len(fc.set)+len(keys))
	for k := range fc.set {
		set[k] = true
	}
	for _, k := range keys {
		set[k] = true
	}
	fc.set = set
	if fc.Rules != nil {
		fc.Rules = append([]RuleRef(nil), fc.Rules...)
	}
	return fc
}
