package transport

import (
	"fmt"
	"net/http"

	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/prompttemplate"
	"github.com/pitabwire/aiconsole/model"
)

// Conversion failures are results, not request errors: they are returned
// with 200 and success=false. Only undecodable bodies are rejected.

type parseRequest struct {
	Variant  model.PromptTemplateVariant `json:"variant"`
	Required []model.PromptSection       `json:"required"`
}

type templateRequest struct {
	Template model.PromptTemplate  `json:"template"`
	Variant  string                `json:"variant"`
	Required []model.PromptSection `json:"required"`
}

func parseOptions(required []model.PromptSection) (prompttemplate.Options, error) {
	for _, s := range required {
		if !s.Valid() {
			return prompttemplate.Options{}, model.NewBadRequestError(fmt.Sprintf("unknown section %q", s))
		}
	}
	return prompttemplate.Options{Required: required}, nil
}

func handleParsePrompt(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req parseRequest
		if err := decodeBody(r, &req, false); err != nil {
			WriteError(w, err)
			return
		}
		opts, err := parseOptions(req.Required)
		if err != nil {
			WriteError(w, err)
			return
		}
		res := prompttemplate.Parse(req.Variant, opts)
		metrics.RecordPromptConversion("parse", res.Success)
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleSerializePrompt(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sv model.StructuredVariant
		if err := decodeBody(r, &sv, false); err != nil {
			WriteError(w, err)
			return
		}
		res := prompttemplate.Serialize(sv)
		metrics.RecordPromptConversion("serialize", res.Success)
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleValidatePrompt(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req templateRequest
		if err := decodeBody(r, &req, false); err != nil {
			WriteError(w, err)
			return
		}
		opts, err := parseOptions(req.Required)
		if err != nil {
			WriteError(w, err)
			return
		}
		res := prompttemplate.ValidateTemplate(&req.Template, opts)
		metrics.RecordPromptConversion("validate", res.Success)
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleConvertPrompt(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req templateRequest
		if err := decodeBody(r, &req, false); err != nil {
			WriteError(w, err)
			return
		}
		if req.Variant == "" {
			WriteError(w, model.NewBadRequestError("variant is required"))
			return
		}
		opts, err := parseOptions(req.Required)
		if err != nil {
			WriteError(w, err)
			return
		}
		res := prompttemplate.ConvertTemplate(&req.Template, req.Variant, opts)
		metrics.RecordPromptConversion("convert", res.Success)
		WriteJSON(w, http.StatusOK, res)
	}
}
