// Package prompttemplate converts prompt template variants between their
// flat marker-delimited text and a structured, per-section form.
//
// A sectioned variant looks like:
//
//	[[PERSONA]]
//	You are a support agent.
//	[[/PERSONA]]
//	[[INSTRUCTIONS]]
//	Answer briefly.
//	[[/INSTRUCTIONS]]
//
// Sections may appear in any order but at most once, and never nested.
package prompttemplate

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pitabwire/aiconsole/model"
)

// Options tune parsing.
type Options struct {
	// Required lists sections whose start marker must be present.
	Required []model.PromptSection
}

// StartMarker returns the literal start marker of s, e.g. "[[PERSONA]]".
func StartMarker(s model.PromptSection) string {
	return "[[" + strings.ToUpper(string(s)) + "]]"
}

// EndMarker returns the literal end marker of s, e.g. "[[/PERSONA]]".
func EndMarker(s model.PromptSection) string {
	return "[[/" + strings.ToUpper(string(s)) + "]]"
}

type marker struct {
	section model.PromptSection
	end     bool
	text    string
}

var markers = func() []marker {
	out := make([]marker, 0, 2*len(model.PromptSections))
	for _, s := range model.PromptSections {
		out = append(out, marker{section: s, text: StartMarker(s)})
		out = append(out, marker{section: s, end: true, text: EndMarker(s)})
	}
	return out
}()

// matchMarker reports the registered marker starting at text[i:], if any.
func matchMarker(text string, i int) (marker, bool) {
	for _, m := range markers {
		if strings.HasPrefix(text[i:], m.text) {
			return m, true
		}
	}
	return marker{}, false
}

type parseState int

const (
	searching parseState = iota
	insideSection
)

// Parse splits a variant's text into sections. Generation parameters are
// copied through. Data is set only when there are no errors; warnings never
// fail a parse.
func Parse(variant model.PromptTemplateVariant, opts Options) model.ConversionResult[model.StructuredVariant] {
	var res model.ConversionResult[model.StructuredVariant]
	text := variant.Text

	if !utf8.ValidString(text) {
		res.Errors = append(res.Errors, model.ConversionError{
			Type:    model.ConversionParseError,
			Message: "template text is not valid UTF-8",
		})
		return res
	}
	if strings.TrimSpace(text) == "" {
		res.Errors = append(res.Errors, model.ConversionError{
			Type:    model.ConversionParseError,
			Message: "template text is empty",
		})
		return res
	}

	sections := make(map[model.PromptSection]string)
	seen := make(map[model.PromptSection]bool)

	state := searching
	var current model.PromptSection
	var discard bool
	bodyStart, outsideStart := 0, 0

	for i := 0; i < len(text); {
		if text[i] != '[' {
			i++
			continue
		}
		m, ok := matchMarker(text, i)
		if !ok {
			i++
			continue
		}

		switch state {
		case searching:
			if m.end {
				res.Errors = append(res.Errors, invalid(m.section, fmt.Sprintf(
					"end marker %s at offset %d has no matching start marker", m.text, i)))
				outsideStart = i + len(m.text)
				break
			}
			warnOutside(&res, text, outsideStart, i)
			discard = seen[m.section]
			if discard {
				res.Errors = append(res.Errors, invalid(m.section, fmt.Sprintf(
					"section %s appears more than once", m.section)))
			}
			seen[m.section] = true
			current = m.section
			bodyStart = i + len(m.text)
			state = insideSection

		case insideSection:
			switch {
			case m.end && m.section == current:
				if !discard {
					sections[current] = strings.TrimSpace(text[bodyStart:i])
				}
				state = searching
				outsideStart = i + len(m.text)
			case m.end:
				res.Errors = append(res.Errors, invalid(m.section, fmt.Sprintf(
					"end marker %s at offset %d does not close open section %s", m.text, i, current)))
			default:
				res.Errors = append(res.Errors, invalid(m.section, fmt.Sprintf(
					"start marker %s at offset %d is nested inside section %s", m.text, i, current)))
			}
		}
		i += len(m.text)
	}

	if state == insideSection {
		res.Errors = append(res.Errors, invalid(current, fmt.Sprintf(
			"section %s is missing its end marker %s", current, EndMarker(current))))
	} else {
		warnOutside(&res, text, outsideStart, len(text))
	}

	for _, req := range opts.Required {
		if !req.Valid() {
			res.Errors = append(res.Errors, invalid(req, fmt.Sprintf("unknown required section %q", req)))
			continue
		}
		if !seen[req] {
			res.Errors = append(res.Errors, model.ConversionError{
				Type:    model.ConversionMissingSection,
				Message: fmt.Sprintf("required section %s is missing", req),
				Section: req,
			})
		}
	}

	if len(res.Errors) > 0 {
		return res
	}
	res.Success = true
	res.Data = &model.StructuredVariant{
		Variant:     variant.Variant,
		Sections:    sections,
		Temperature: variant.Temperature,
		TopP:        variant.TopP,
		MaxTokens:   variant.MaxTokens,
	}
	return res
}

func invalid(s model.PromptSection, msg string) model.ConversionError {
	return model.ConversionError{
		Type:    model.ConversionInvalidSection,
		Message: msg,
		Section: s,
	}
}

func warnOutside(res *model.ConversionResult[model.StructuredVariant], text string, from, to int) {
	if from >= to {
		return
	}
	if strings.IndexFunc(text[from:to], func(r rune) bool { return !unicode.IsSpace(r) }) < 0 {
		return
	}
	res.Warnings = append(res.Warnings, fmt.Sprintf(
		"text between offsets %d and %d is outside any section and was ignored", from, to))
}

// Serialize renders a structured variant back to marker-delimited text.
// Present sections are emitted in canonical order as start marker, body and
// end marker on separate lines. Bodies must be trimmed and must not contain
// markers themselves, and at least one section is required, so that every
// successful result parses back to the same variant.
func Serialize(sv model.StructuredVariant) model.ConversionResult[model.PromptTemplateVariant] {
	var res model.ConversionResult[model.PromptTemplateVariant]

	if len(sv.Sections) == 0 {
		res.Errors = append(res.Errors, model.ConversionError{
			Type:    model.ConversionParseError,
			Message: "structured variant has no sections",
		})
		return res
	}
	for s := range sv.Sections {
		if !s.Valid() {
			res.Errors = append(res.Errors, invalid(s, fmt.Sprintf("unknown section %q", s)))
		}
	}

	blocks := make([]string, 0, len(sv.Sections))
	for _, s := range model.PromptSections {
		body, ok := sv.Sections[s]
		if !ok {
			continue
		}
		if m, found := containsMarker(body); found {
			res.Errors = append(res.Errors, invalid(s, fmt.Sprintf(
				"section %s body contains marker %s", s, m)))
			continue
		}
		if body != strings.TrimSpace(body) {
			res.Errors = append(res.Errors, invalid(s, fmt.Sprintf(
				"section %s body has leading or trailing whitespace", s)))
			continue
		}
		blocks = append(blocks, StartMarker(s)+"\n"+body+"\n"+EndMarker(s))
	}

	if len(res.Errors) > 0 {
		return res
	}
	res.Success = true
	res.Data = &model.PromptTemplateVariant{
		Variant:     sv.Variant,
		Text:        strings.Join(blocks, "\n"),
		Temperature: sv.Temperature,
		TopP:        sv.TopP,
		MaxTokens:   sv.MaxTokens,
	}
	return res
}

func containsMarker(body string) (string, bool) {
	for i := 0; i < len(body); i++ {
		if body[i] != '[' {
			continue
		}
		if m, ok := matchMarker(body, i); ok {
			return m.text, true
		}
	}
	return "", false
}

func isSectioned(tmpl *model.PromptTemplate) bool {
	return tmpl.Format == "" || tmpl.Format == model.PromptFormatSectioned
}

func incompatible(tmpl *model.PromptTemplate) model.ConversionError {
	return model.ConversionError{
		Type:    model.ConversionIncompatible,
		Message: fmt.Sprintf("template %q has format %q; only %q templates can be converted", tmpl.SystemName, tmpl.Format, model.PromptFormatSectioned),
		Details: map[string]any{"format": tmpl.Format},
	}
}

// ConvertTemplate parses the named variant of a sectioned template.
func ConvertTemplate(tmpl *model.PromptTemplate, variantName string, opts Options) model.ConversionResult[model.StructuredVariant] {
	var res model.ConversionResult[model.StructuredVariant]
	if !isSectioned(tmpl) {
		res.Errors = append(res.Errors, incompatible(tmpl))
		return res
	}
	variant, ok := tmpl.Variant(variantName)
	if !ok {
		res.Errors = append(res.Errors, model.ConversionError{
			Type:    model.ConversionNotFound,
			Message: fmt.Sprintf("variant %q not found in template %q", variantName, tmpl.SystemName),
			Details: map[string]any{"variant": variantName},
		})
		return res
	}
	return Parse(variant, opts)
}

// ValidateTemplate parses every variant of a template. Errors carry the
// variant name in Details and warnings are prefixed with it. Data holds the
// structured variants in template order when all of them parse.
func ValidateTemplate(tmpl *model.PromptTemplate, opts Options) model.ConversionResult[[]model.StructuredVariant] {
	var res model.ConversionResult[[]model.StructuredVariant]
	if !isSectioned(tmpl) {
		res.Errors = append(res.Errors, incompatible(tmpl))
		return res
	}
	if len(tmpl.Variants) == 0 {
		res.Errors = append(res.Errors, model.ConversionError{
			Type:    model.ConversionNotFound,
			Message: fmt.Sprintf("template %q has no variants", tmpl.SystemName),
		})
		return res
	}

	structured := make([]model.StructuredVariant, 0, len(tmpl.Variants))
	names := make(map[string]bool, len(tmpl.Variants))
	for _, v := range tmpl.Variants {
		if names[v.Variant] {
			res.Errors = append(res.Errors, model.ConversionError{
				Type:    model.ConversionInvalidSection,
				Message: fmt.Sprintf("variant %q is declared more than once", v.Variant),
				Details: map[string]any{"variant": v.Variant},
			})
			continue
		}
		names[v.Variant] = true

		r := Parse(v, opts)
		for _, e := range r.Errors {
			details := make(map[string]any, len(e.Details)+1)
			for k, val := range e.Details {
				details[k] = val
			}
			details["variant"] = v.Variant
			e.Details = details
			res.Errors = append(res.Errors, e)
		}
		for _, w := range r.Warnings {
			res.Warnings = append(res.Warnings, v.Variant+": "+w)
		}
		if r.Success {
			structured = append(structured, *r.Data)
		}
	}

	if len(res.Errors) > 0 {
		return res
	}
	res.Success = true
	res.Data = &structured
	return res
}
