package model

import "time"

// EntityDescriptor is a resolved entity definition: its field controls have
// been patched with the configured defaults and are ready to drive tables
// and edit forms.
type EntityDescriptor struct {
	Name     string         `json:"name"`
	Label    string         `json:"label,omitempty"`
	StateKey string         `json:"state_key"`
	Service  string         `json:"service"`
	IDField  string         `json:"id_field"`
	Fields   []FieldControl `json:"fields"`

	DefaultSort string         `json:"default_sort,omitempty"`
	SortDir     string         `json:"sort_dir,omitempty"`
	Defaults    map[string]any `json:"defaults,omitempty"`
	Extensions  []string       `json:"extensions,omitempty"`
}

// Control returns the control with the given name.
func (d *EntityDescriptor) Control(name string) (FieldControl, bool) {
	for _, fc := range d.Fields {
		if fc.Name == name {
			return fc, true
		}
	}
	return FieldControl{}, false
}

// ReadonlyKeys returns the top-level entity keys of readonly path controls.
func (d *EntityDescriptor) ReadonlyKeys() map[string]bool {
	keys := make(map[string]bool)
	for _, fc := range d.Fields {
		if fc.Readonly && fc.Field.Kind == FieldRefPath {
			keys[topLevelKey(fc.Field.Path)] = true
		}
	}
	return keys
}

func topLevelKey(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

// EntitySummary is the listing entry returned by GET /api/entities.
type EntitySummary struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	StateKey string `json:"state_key"`
	Service  string `json:"service"`
	CanWrite bool   `json:"can_write"`
}

// TableDescriptor is a resolved table: visible columns plus formatted rows.
type TableDescriptor struct {
	Entity  string             `json:"entity"`
	Columns []ColumnDescriptor `json:"columns"`
	Rows    []TableRow         `json:"rows"`
	SortBy  string             `json:"sort_by,omitempty"`
	SortDir string             `json:"sort_dir,omitempty"`
	Total   int                `json:"total"`
}

// ColumnDescriptor describes a visible table column.
type ColumnDescriptor struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Align     string `json:"align,omitempty"`
	Sortable  bool   `json:"sortable"`
	Format    string `json:"format,omitempty"`
	Component string `json:"component,omitempty"`
}

// TableRow is one formatted row. Cells are keyed by column name.
type TableRow struct {
	ID    string         `json:"id"`
	Cells map[string]any `json:"cells"`
}

// EditView is the edit buffer returned to the console.
type EditView struct {
	Entity          map[string]any `json:"entity"`
	Changed         bool           `json:"changed"`
	CancelAvailable bool           `json:"cancel_available"`
}

// Notification is an operator-facing error report.
type Notification struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id,omitempty"`
	Error     EntityError `json:"error"`
	CreatedAt time.Time   `json:"created_at"`
}

// ValidationRule checks one value. It returns ok, or the message to show.
// Rules are pure and never panic.
type ValidationRule func(value any) (msg string, ok bool)
