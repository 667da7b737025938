// Package control resolves entity field controls: it patches them with the
// configured defaults, reads their values from rows, and turns item lists
// into formatted, sorted tables.
package control

import (
	"fmt"
	"slices"

	"github.com/pitabwire/aiconsole/internal/dotpath"
	"github.com/pitabwire/aiconsole/model"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ResolveField returns the value a control displays for row.
func ResolveField(row map[string]any, fc model.FieldControl) any {
	switch fc.Field.Kind {
	case model.FieldRefAccessor:
		fn, ok := LookupAccessor(fc.Field.Accessor)
		if !ok {
			return nil
		}
		return fn(row)
	case model.FieldRefPath:
		return dotpath.Value(row, fc.Field.Path)
	}
	return dotpath.Value(row, fc.Name)
}

// Patch returns a copy of controls where every key set on defaults is filled
// in unless the control declared it. Controls with IgnorePatch are copied
// as-is. Order is preserved and neither argument is modified.
func Patch(controls []model.FieldControl, defaults model.FieldControl) []model.FieldControl {
	out := make([]model.FieldControl, len(controls))
	for i, fc := range controls {
		if fc.IgnorePatch {
			out[i] = fc.WithSet()
			continue
		}
		out[i] = patchOne(fc, defaults)
	}
	return out
}

func patchOne(fc, defaults model.FieldControl) model.FieldControl {
	var filled []string
	for _, key := range model.PatchableKeys {
		if fc.IsSet(key) || !defaults.IsSet(key) {
			continue
		}
		switch key {
		case model.KeyLabel:
			fc.Label = defaults.Label
		case model.KeyDisplay:
			fc.Display = defaults.Display
		case model.KeyReadonly:
			fc.Readonly = defaults.Readonly
		case model.KeySortable:
			fc.Sortable = defaults.Sortable
		case model.KeyAlign:
			fc.Align = defaults.Align
		case model.KeyFormat:
			fc.Format = defaults.Format
		case model.KeySort:
			fc.Sort = defaults.Sort
		case model.KeyRules:
			fc.Rules = slices.Clone(defaults.Rules)
		case model.KeyComponent:
			fc.Component = defaults.Component
		}
		filled = append(filled, key)
	}
	return fc.WithSet(filled...)
}

// Describe resolves a definition into a descriptor whose controls have
// been patched with defaults.
func Describe(def *model.EntityDefinition, defaults model.FieldControl) *model.EntityDescriptor {
	stateKey := def.StateKey
	if stateKey == "" {
		stateKey = def.Name
	}
	service := def.Service
	if service == "" {
		service = def.Name
	}
	return &model.EntityDescriptor{
		Name:        def.Name,
		Label:       def.Label,
		StateKey:    stateKey,
		Service:     service,
		IDField:     def.IDKey(),
		Fields:      Patch(def.Fields, defaults),
		DefaultSort: def.DefaultSort,
		SortDir:     def.SortDir,
		Defaults:    def.Defaults,
		Extensions:  def.Extensions,
	}
}

// BuildTable formats items into a table of the descriptor's visible
// columns. When sortBy is empty the descriptor's default sort applies.
// Sorting uses the column's comparator and is stable, so equal rows keep
// the order the backend returned. items is not modified.
func BuildTable(desc *model.EntityDescriptor, items []map[string]any, sortBy string, descending bool) (model.TableDescriptor, error) {
	if sortBy == "" && desc.DefaultSort != "" {
		sortBy = desc.DefaultSort
		descending = desc.SortDir == SortDesc
	}

	table := model.TableDescriptor{
		Entity:  desc.Name,
		Columns: make([]model.ColumnDescriptor, 0, len(desc.Fields)),
		Rows:    make([]model.TableRow, 0, len(items)),
		Total:   len(items),
	}

	var visible []model.FieldControl
	for _, fc := range desc.Fields {
		if !fc.Display {
			continue
		}
		visible = append(visible, fc)
		table.Columns = append(table.Columns, model.ColumnDescriptor{
			Name:      fc.Name,
			Label:     fc.Label,
			Align:     fc.Align,
			Sortable:  fc.Sortable,
			Format:    fc.Format,
			Component: fc.Component,
		})
	}

	ordered := items
	if sortBy != "" {
		fc, ok := desc.Control(sortBy)
		if !ok {
			return model.TableDescriptor{}, fmt.Errorf("unknown sort column %q", sortBy)
		}
		if !fc.Sortable {
			return model.TableDescriptor{}, fmt.Errorf("column %q is not sortable", sortBy)
		}
		cmp, ok := LookupComparator(comparatorName(fc))
		if !ok {
			return model.TableDescriptor{}, fmt.Errorf("column %q: unknown comparator %q", sortBy, fc.Sort)
		}
		ordered = slices.Clone(items)
		slices.SortStableFunc(ordered, func(a, b map[string]any) int {
			c := cmp(ResolveField(a, fc), ResolveField(b, fc))
			if descending {
				return -c
			}
			return c
		})
		table.SortBy = sortBy
		table.SortDir = SortAsc
		if descending {
			table.SortDir = SortDesc
		}
	}

	for _, item := range ordered {
		row := model.TableRow{Cells: make(map[string]any, len(visible))}
		if id, ok := dotpath.Get(item, desc.IDField); ok && id != nil {
			row.ID = fmt.Sprint(id)
		}
		for _, fc := range visible {
			row.Cells[fc.Name] = formatCell(ResolveField(item, fc), fc)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func comparatorName(fc model.FieldControl) string {
	if fc.Sort != "" {
		return fc.Sort
	}
	return "string"
}

func formatCell(value any, fc model.FieldControl) any {
	if fc.Format == "" {
		return value
	}
	f, ok := LookupFormatter(fc.Format)
	if !ok {
		return value
	}
	return f(value)
}
