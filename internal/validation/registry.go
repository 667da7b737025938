package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/pitabwire/aiconsole/model"
)

// factory builds a rule from a definition reference.
type factory func(ref model.RuleRef) (Rule, error)

var registry = map[string]factory{
	"required": func(ref model.RuleRef) (Rule, error) {
		return Required(defaultMessage(ref.Message, "This field is required")), nil
	},
	"min_length": func(ref model.RuleRef) (Rule, error) {
		n, err := intArg(ref, "n")
		if err != nil {
			return nil, err
		}
		return MinLength(n, defaultMessage(ref.Message, "Must be at least %d characters", n)), nil
	},
	"max_length": func(ref model.RuleRef) (Rule, error) {
		n, err := intArg(ref, "n")
		if err != nil {
			return nil, err
		}
		return MaxLength(n, defaultMessage(ref.Message, "Must be at most %d characters", n)), nil
	},
	"valid_json": func(ref model.RuleRef) (Rule, error) {
		return ValidJSON(defaultMessage(ref.Message, "Must be valid JSON")), nil
	},
	"system_name": func(ref model.RuleRef) (Rule, error) {
		return ValidSystemName(defaultMessage(ref.Message,
			"Use lowercase letters, digits and underscores, starting with a letter")), nil
	},
	"pattern": func(ref model.RuleRef) (Rule, error) {
		expr, ok := ref.Args["pattern"].(string)
		if !ok || expr == "" {
			return nil, errors.New(`rule "pattern": args.pattern is required`)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf(`rule "pattern": %w`, err)
		}
		return Pattern(re, defaultMessage(ref.Message, "Must match %s", expr)), nil
	},
	"min": func(ref model.RuleRef) (Rule, error) {
		lo, err := floatArg(ref, "value")
		if err != nil {
			return nil, err
		}
		return Min(lo, defaultMessage(ref.Message, "Must be at least %g", lo)), nil
	},
	"max": func(ref model.RuleRef) (Rule, error) {
		hi, err := floatArg(ref, "value")
		if err != nil {
			return nil, err
		}
		return Max(hi, defaultMessage(ref.Message, "Must be at most %g", hi)), nil
	},
	"between": func(ref model.RuleRef) (Rule, error) {
		lo, err := floatArg(ref, "min")
		if err != nil {
			return nil, err
		}
		hi, err := floatArg(ref, "max")
		if err != nil {
			return nil, err
		}
		if lo > hi {
			return nil, fmt.Errorf(`rule "between": min %g is greater than max %g`, lo, hi)
		}
		return Between(lo, hi, defaultMessage(ref.Message, "Must be between %g and %g", lo, hi)), nil
	},
}

// Known reports whether name is a registered rule.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names returns the registered rule names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build compiles named rule references into rules, in order.
func Build(refs []model.RuleRef) ([]Rule, error) {
	rules := make([]Rule, 0, len(refs))
	for _, ref := range refs {
		f, ok := registry[ref.Name]
		if !ok {
			return nil, fmt.Errorf("unknown rule %q", ref.Name)
		}
		rule, err := f(ref)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func intArg(ref model.RuleRef, key string) (int, error) {
	f, err := floatArg(ref, key)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != float64(int(f)) {
		return 0, fmt.Errorf("rule %q: args.%s must be a non-negative integer", ref.Name, key)
	}
	return int(f), nil
}

func floatArg(ref model.RuleRef, key string) (float64, error) {
	raw, ok := ref.Args[key]
	if !ok {
		return 0, fmt.Errorf("rule %q: args.%s is required", ref.Name, key)
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("rule %q: args.%s must be a number", ref.Name, key)
	}
	return f, nil
}
