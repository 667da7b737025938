package definition

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/control"
	"github.com/pitabwire/aiconsole/internal/entity"
	"github.com/pitabwire/aiconsole/internal/openapi"
	"github.com/pitabwire/aiconsole/internal/validation"
	"github.com/pitabwire/aiconsole/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally, against the static control
// registries, and against the aiBridge OpenAPI index.
type Validator struct {
	backend config.BackendConfig
}

// NewValidator creates a Validator. backend maps services to the endpoint
// paths checked against the OpenAPI index.
func NewValidator(backend config.BackendConfig) *Validator {
	return &Validator{backend: backend}
}

// Validate checks all definitions. The index may be nil to skip OpenAPI checks.
func (v *Validator) Validate(defs []model.EntityDefinition, index *openapi.Index) []VError {
	var errs []VError
	seen := make(map[string]string, len(defs))
	stateKeys := make(map[string]string, len(defs))

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}
		errs = append(errs, v.validateEntity(prefix, def, index)...)

		if def.Name != "" {
			if first, dup := seen[def.Name]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".name",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("entity %q already defined in %s", def.Name, first),
				})
			} else {
				seen[def.Name] = prefix
			}
		}

		key := def.StateKey
		if key == "" {
			key = def.Name
		}
		if key != "" {
			if other, dup := stateKeys[key]; dup && other != def.Name {
				errs = append(errs, VError{
					Path:    prefix + ".state_key",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("state_key %q is also used by %q", key, other),
				})
			} else {
				stateKeys[key] = def.Name
			}
		}
	}
	return errs
}

var validSortDirs = map[string]bool{"": true, "asc": true, "desc": true}

var validAligns = map[string]bool{"": true, "left": true, "center": true, "right": true}

func (v *Validator) validateEntity(prefix string, def model.EntityDefinition, index *openapi.Index) []VError {
	var errs []VError

	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	} else if strings.ContainsAny(def.Name, "/: ") {
		errs = append(errs, VError{Path: prefix + ".name", Code: "INVALID", Message: fmt.Sprintf("name %q must not contain '/', ':' or spaces", def.Name)})
	}
	if def.Service == "" {
		errs = append(errs, VError{Path: prefix + ".service", Code: "REQUIRED", Message: "service is required"})
	}
	if strings.Contains(def.StateKey, "/") {
		errs = append(errs, VError{Path: prefix + ".state_key", Code: "INVALID", Message: "state_key must not contain '/'"})
	}
	if len(def.Fields) == 0 {
		errs = append(errs, VError{Path: prefix + ".fields", Code: "REQUIRED", Message: "at least one field is required"})
	}
	if !validSortDirs[def.SortDir] {
		errs = append(errs, VError{Path: prefix + ".sort_dir", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid sort_dir %q", def.SortDir)})
	}

	fieldNames := make(map[string]bool, len(def.Fields))
	for i, fc := range def.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if fc.Name != "" && fieldNames[fc.Name] {
			errs = append(errs, VError{Path: fp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("field %q declared twice", fc.Name)})
		}
		fieldNames[fc.Name] = true
		errs = append(errs, v.validateField(fp, fc)...)
	}

	if def.DefaultSort != "" && !fieldNames[def.DefaultSort] {
		errs = append(errs, VError{
			Path:    prefix + ".default_sort",
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("default_sort %q is not a declared field", def.DefaultSort),
		})
	}

	for i, name := range def.Extensions {
		if _, ok := entity.LookupExtension(name); !ok {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.extensions[%d]", prefix, i),
				Code:    "UNKNOWN_EXTENSION",
				Message: fmt.Sprintf("extension %q is not registered", name),
			})
		}
	}

	// Capability overrides must stay within the entity's namespace.
	if def.Name != "" {
		for _, c := range []struct{ key, value string }{
			{"read", def.Capabilities.Read},
			{"write", def.Capabilities.Write},
		} {
			if c.value != "" && c.value != "*" && !strings.HasPrefix(c.value, def.Name+":") {
				errs = append(errs, VError{
					Path:    prefix + ".capabilities." + c.key,
					Code:    "NAMESPACE_MISMATCH",
					Message: fmt.Sprintf("capability %q does not match entity %q", c.value, def.Name),
				})
			}
		}
	}

	if index != nil && def.Service != "" {
		path := v.backend.Endpoint(def.Service)
		if _, ok := index.Route(http.MethodGet, path); !ok {
			errs = append(errs, VError{
				Path:    prefix + ".service",
				Code:    "OPERATION_NOT_FOUND",
				Message: fmt.Sprintf("list endpoint GET %s not found in the aiBridge spec", path),
			})
		}
	}

	return errs
}

func (v *Validator) validateField(prefix string, fc model.FieldControl) []VError {
	var errs []VError

	if fc.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if fc.Field.Kind == model.FieldRefAccessor {
		if _, ok := control.LookupAccessor(fc.Field.Accessor); !ok {
			errs = append(errs, VError{Path: prefix + ".accessor", Code: "UNKNOWN_ACCESSOR", Message: fmt.Sprintf("accessor %q is not registered", fc.Field.Accessor)})
		}
		if !fc.Readonly && fc.IsSet(model.KeyReadonly) {
			errs = append(errs, VError{Path: prefix + ".readonly", Code: "INVALID", Message: "accessor fields are computed and cannot be editable"})
		}
	}
	if fc.Format != "" {
		if _, ok := control.LookupFormatter(fc.Format); !ok {
			errs = append(errs, VError{Path: prefix + ".format", Code: "UNKNOWN_FORMATTER", Message: fmt.Sprintf("formatter %q is not registered", fc.Format)})
		}
	}
	if fc.Sort != "" {
		if _, ok := control.LookupComparator(fc.Sort); !ok {
			errs = append(errs, VError{Path: prefix + ".sort", Code: "UNKNOWN_COMPARATOR", Message: fmt.Sprintf("comparator %q is not registered", fc.Sort)})
		}
	}
	if fc.Component != "" && !control.KnownComponent(fc.Component) {
		errs = append(errs, VError{Path: prefix + ".component", Code: "UNKNOWN_COMPONENT", Message: fmt.Sprintf("component %q is not registered", fc.Component)})
	}
	if !validAligns[fc.Align] {
		errs = append(errs, VError{Path: prefix + ".align", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid align %q", fc.Align)})
	}

	for i, ref := range fc.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", prefix, i)
		if !validation.Known(ref.Name) {
			errs = append(errs, VError{Path: rp, Code: "UNKNOWN_RULE", Message: fmt.Sprintf("rule %q is not registered", ref.Name)})
			continue
		}
		if _, err := validation.Build([]model.RuleRef{ref}); err != nil {
			errs = append(errs, VError{Path: rp, Code: "INVALID_RULE", Message: err.Error()})
		}
	}

	return errs
}
