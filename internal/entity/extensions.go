package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/aiconsole/internal/prompttemplate"
	"github.com/pitabwire/aiconsole/internal/store"
	"github.com/pitabwire/aiconsole/model"
)

// Built-in extension names, referenced from entity definitions.
const (
	ExtPromptSections = "prompt_sections"
	ExtSelection      = "selection"
	ExtToggleEnabled  = "toggle_enabled"
)

func init() {
	RegisterExtension(ExtPromptSections, promptSections)
	RegisterExtension(ExtSelection, selection)
	RegisterExtension(ExtToggleEnabled, toggleEnabled)
}

// promptSections lets prompt templates be edited section by section.
func promptSections(s *Store) store.Module {
	return store.Module{
		Getters: map[string]store.Getter{
			"structuredVariants": func() any {
				tmpl, err := currentTemplate(s)
				if err != nil {
					return model.ConversionResult[[]model.StructuredVariant]{
						Errors: []model.ConversionError{{Type: model.ConversionParseError, Message: err.Error()}},
					}
				}
				return prompttemplate.ValidateTemplate(tmpl, prompttemplate.Options{})
			},
		},
		Actions: map[string]store.Action{
			"convertVariant": func(_ context.Context, payload any) (any, error) {
				name, ok := payload.(string)
				if !ok {
					return nil, fmt.Errorf("%w: convertVariant wants a variant name", ErrPayload)
				}
				tmpl, err := currentTemplate(s)
				if err != nil {
					return nil, err
				}
				return prompttemplate.ConvertTemplate(tmpl, name, prompttemplate.Options{}), nil
			},
			// applySections serializes a structured variant and writes its
			// text back into the edit buffer.
			"applySections": func(_ context.Context, payload any) (any, error) {
				sv, ok := payload.(model.StructuredVariant)
				if !ok {
					return nil, fmt.Errorf("%w: applySections wants a structured variant", ErrPayload)
				}
				res := prompttemplate.Serialize(sv)
				if !res.Success {
					return res, nil
				}
				tmpl, err := currentTemplate(s)
				if err != nil {
					return nil, err
				}
				i := slices.IndexFunc(tmpl.Variants, func(v model.PromptTemplateVariant) bool {
					return v.Variant == sv.Variant
				})
				if i < 0 {
					tmpl.Variants = append(tmpl.Variants, *res.Data)
				} else {
					tmpl.Variants[i] = *res.Data
				}
				variants, err := toJSONValue(tmpl.Variants)
				if err != nil {
					return nil, err
				}
				s.UpdateEntityProperty("variants", variants)
				return res, nil
			},
		},
	}
}

func currentTemplate(s *Store) (*model.PromptTemplate, error) {
	current := s.Current()
	if current == nil {
		return nil, ErrNoEntity
	}
	data, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("entity: encode template: %w", err)
	}
	var tmpl model.PromptTemplate
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("entity: decode template: %w", err)
	}
	return &tmpl, nil
}

// toJSONValue converts v to the generic form a decoded JSON body has.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// selection tracks a set of selected item ids.
func selection(s *Store) store.Module {
	var mu sync.Mutex
	var selected []string

	idPayload := func(name string, payload any) (string, error) {
		id, ok := payload.(string)
		if !ok || id == "" {
			return "", fmt.Errorf("%w: %s wants an id string", ErrPayload, name)
		}
		return id, nil
	}

	return store.Module{
		State: map[string]store.Getter{
			"selected": func() any {
				mu.Lock()
				defer mu.Unlock()
				return slices.Clone(selected)
			},
		},
		Getters: map[string]store.Getter{
			"selectedItems": func() any {
				mu.Lock()
				ids := slices.Clone(selected)
				mu.Unlock()
				out := []map[string]any{}
				for _, id := range ids {
					if it, ok := s.Item(id); ok {
						out = append(out, it)
					}
				}
				return out
			},
		},
		Mutations: map[string]store.Mutation{
			"select": func(payload any) error {
				id, err := idPayload("select", payload)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if !slices.Contains(selected, id) {
					selected = append(selected, id)
				}
				return nil
			},
			"deselect": func(payload any) error {
				id, err := idPayload("deselect", payload)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				selected = slices.DeleteFunc(selected, func(x string) bool { return x == id })
				return nil
			},
			"setSelection": func(payload any) error {
				ids, ok := payload.([]string)
				if !ok {
					return fmt.Errorf("%w: setSelection wants a list of ids", ErrPayload)
				}
				mu.Lock()
				defer mu.Unlock()
				selected = slices.Compact(slices.Sorted(slices.Values(ids)))
				return nil
			},
			"clearSelection": func(any) error {
				mu.Lock()
				defer mu.Unlock()
				selected = nil
				return nil
			},
		},
	}
}

// toggleEnabled flips the enabled flag of the edit buffer.
func toggleEnabled(s *Store) store.Module {
	return store.Module{
		Getters: map[string]store.Getter{
			"enabledCount": func() any {
				n := 0
				for _, it := range s.Items() {
					if on, _ := it["enabled"].(bool); on {
						n++
					}
				}
				return n
			},
		},
		Mutations: map[string]store.Mutation{
			"toggleEnabled": func(any) error {
				current := s.Current()
				if current == nil {
					return ErrNoEntity
				}
				on, _ := current["enabled"].(bool)
				s.UpdateEntityProperty("enabled", !on)
				return nil
			},
		},
	}
}
