package model

// Prompt template formats. An empty format is treated as sectioned.
const (
	PromptFormatSectioned = "sectioned"
	PromptFormatRaw       = "raw"
)

// PromptTemplate is an aiBridge prompt template with one or more variants.
type PromptTemplate struct {
	ID         string                  `json:"id,omitempty"          yaml:"id"`
	Name       string                  `json:"name"                  yaml:"name"`
	SystemName string                  `json:"system_name"           yaml:"system_name"`
	Format     string                  `json:"format,omitempty"      yaml:"format"`
	Variants   []PromptTemplateVariant `json:"variants"              yaml:"variants"`
}

// Variant returns the variant with the given name.
func (t *PromptTemplate) Variant(name string) (PromptTemplateVariant, bool) {
	for _, v := range t.Variants {
		if v.Variant == name {
			return v, true
		}
	}
	return PromptTemplateVariant{}, false
}

// PromptTemplateVariant is one flat-text variant of a template.
type PromptTemplateVariant struct {
	Variant     string   `json:"variant"                yaml:"variant"`
	Text        string   `json:"text"                   yaml:"text"`
	Temperature *float64 `json:"temperature,omitempty"  yaml:"temperature"`
	TopP        *float64 `json:"top_p,omitempty"        yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens,omitempty"   yaml:"max_tokens"`
}

// PromptSection identifies one section of a sectioned variant.
type PromptSection string

const (
	SectionPersona      PromptSection = "persona"
	SectionInstructions PromptSection = "instructions"
	SectionContext      PromptSection = "context"
	SectionExamples     PromptSection = "examples"
	SectionOutputFormat PromptSection = "output_format"
)

// PromptSections lists every section in canonical order.
var PromptSections = []PromptSection{
	SectionPersona,
	SectionInstructions,
	SectionContext,
	SectionExamples,
	SectionOutputFormat,
}

// Valid reports whether s is a known section.
func (s PromptSection) Valid() bool {
	for _, known := range PromptSections {
		if s == known {
			return true
		}
	}
	return false
}

// StructuredVariant is a variant split into named sections. Generation
// parameters are carried through unchanged.
type StructuredVariant struct {
	Variant     string                   `json:"variant"`
	Sections    map[PromptSection]string `json:"sections"`
	Temperature *float64                 `json:"temperature,omitempty"`
	TopP        *float64                 `json:"top_p,omitempty"`
	MaxTokens   *int                     `json:"max_tokens,omitempty"`
}

// Conversion error types.
const (
	ConversionMissingSection = "missing_section"
	ConversionInvalidSection = "invalid_section"
	ConversionParseError     = "parse_error"
	ConversionIncompatible   = "incompatible"
	ConversionNotFound       = "not_found"
)

// ConversionError describes one problem found while converting a variant.
type ConversionError struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Section PromptSection  `json:"section,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ConversionResult is the outcome of a conversion. Data is set only when
// Success is true.
type ConversionResult[T any] struct {
	Success  bool              `json:"success"`
	Data     *T                `json:"data,omitempty"`
	Errors   []ConversionError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}
