package validation

import (
	"github.com/pitabwire/aiconsole/internal/control"
	"github.com/pitabwire/aiconsole/model"
)

// ValidateEntity runs each control's rules against entity and returns one
// error per failing field, in control order. Readonly controls are skipped.
// Controls whose rules cannot be built report a RULE_CONFIG error; the
// definition validator rejects those before they reach here.
func ValidateEntity(controls []model.FieldControl, entity map[string]any) []model.FieldError {
	var errs []model.FieldError
	for _, fc := range controls {
		if fc.Readonly || len(fc.Rules) == 0 {
			continue
		}
		rules, err := Build(fc.Rules)
		if err != nil {
			errs = append(errs, model.FieldError{Field: fc.Name, Code: "RULE_CONFIG", Message: err.Error()})
			continue
		}
		if msg, ok := Apply(rules, control.ResolveField(entity, fc)); !ok {
			errs = append(errs, model.FieldError{Field: fc.Name, Code: "INVALID", Message: msg})
		}
	}
	return errs
}
