package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/entity"
	"github.com/pitabwire/aiconsole/internal/openapi"
	"github.com/pitabwire/aiconsole/internal/store"
	"github.com/pitabwire/aiconsole/internal/validation"
	"github.com/pitabwire/aiconsole/model"
)

// FieldRequiredByBackend marks a field the backend contract requires on
// create that no field control covers.
const FieldRequiredByBackend = "required_by_backend"

// commit applies a mutation of the scoped entity and writes its edit view.
func commit(w http.ResponseWriter, r *http.Request, mutation string, payload any) {
	sc := scopeFrom(r.Context())
	key, err := sc.ws.Key(sc.def.Name, mutation)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := sc.ws.Tree().Commit(key, payload); err != nil {
		respondError(w, r, err)
		return
	}
	writeEditView(w, r)
}

func writeEditView(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	s, err := sc.ws.Store(sc.def.Name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.EditView())
}

func handleGetEdit(w http.ResponseWriter, r *http.Request) {
	writeEditView(w, r)
}

// handleNewEntity starts a new record. The optional body replaces the
// entity's configured defaults.
func handleNewEntity(w http.ResponseWriter, r *http.Request) {
	var defaults map[string]any
	if err := decodeBody(r, &defaults, true); err != nil {
		WriteError(w, err)
		return
	}
	commit(w, r, "newEntity", defaults)
}

func handleLoadEntity(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	key, err := sc.ws.Key(sc.def.Name, "getItem")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := sc.ws.Tree().Dispatch(r.Context(), key, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	writeEditView(w, r)
}

type patchRequest struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
	Merge map[string]any  `json:"merge"`
}

// handlePatchEntity applies {path, value} or {merge}. A dotted path sets a
// nested property.
func handlePatchEntity(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := decodeBody(r, &req, false); err != nil {
		WriteError(w, err)
		return
	}

	switch {
	case req.Merge != nil && req.Path != "":
		WriteError(w, model.NewBadRequestError("send either path and value or merge, not both"))
	case req.Merge != nil:
		commit(w, r, "updateEntity", req.Merge)
	case req.Path != "":
		if req.Value == nil {
			WriteError(w, model.NewBadRequestError("value is required with path"))
			return
		}
		var value any
		if err := json.Unmarshal(req.Value, &value); err != nil {
			WriteError(w, model.NewBadRequestError("invalid value: "+err.Error()))
			return
		}
		mutation := "updateEntityProperty"
		if strings.Contains(req.Path, ".") {
			mutation = "updateNestedEntityProperty"
		}
		commit(w, r, mutation, entity.PropertyUpdate{Path: req.Path, Value: value})
	default:
		WriteError(w, model.NewBadRequestError("path or merge is required"))
	}
}

func handleRevertEntity(w http.ResponseWriter, r *http.Request) {
	commit(w, r, "revertEntity", nil)
}

func handleResetEntity(w http.ResponseWriter, r *http.Request) {
	commit(w, r, "resetEntity", nil)
}

func handleSaveEntity(w http.ResponseWriter, r *http.Request) {
	sc := scopeFrom(r.Context())
	key, err := sc.ws.Key(sc.def.Name, "saveEntity")
	if err != nil {
		respondError(w, r, err)
		return
	}
	if _, err := sc.ws.Tree().Dispatch(r.Context(), key, nil); err != nil {
		respondError(w, r, err)
		return
	}
	writeEditView(w, r)
}

type validateRequest struct {
	Entity map[string]any `json:"entity"`
}

type validateResponse struct {
	Valid  bool               `json:"valid"`
	Errors []model.FieldError `json:"errors"`
}

// handleValidate checks a record, or the edit buffer when the body has
// none, against the field rules. A record without an id is also checked
// against the fields the backend requires on create.
func handleValidate(index *openapi.Index, backend config.BackendConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := decodeBody(r, &req, true); err != nil {
			WriteError(w, err)
			return
		}

		sc := scopeFrom(r.Context())
		s, err := sc.ws.Store(sc.def.Name)
		if err != nil {
			respondError(w, r, err)
			return
		}
		record := req.Entity
		if record == nil {
			record = s.Current()
		}
		if record == nil {
			respondError(w, r, entity.ErrNoEntity)
			return
		}

		desc := s.Descriptor()
		errs := validation.ValidateEntity(desc.Fields, record)
		if id, ok := record[desc.IDField]; !ok || id == nil || id == "" {
			errs = append(errs, missingBackendFields(index, backend.Endpoint(desc.Service), record, errs)...)
		}
		if errs == nil {
			errs = []model.FieldError{}
		}
		WriteJSON(w, http.StatusOK, validateResponse{Valid: len(errs) == 0, Errors: errs})
	}
}

func missingBackendFields(index *openapi.Index, path string, record map[string]any, have []model.FieldError) []model.FieldError {
	reported := make(map[string]bool, len(have))
	for _, fe := range have {
		reported[fe.Field] = true
	}
	var out []model.FieldError
	for _, name := range index.RequiredBodyFields(http.MethodPost, path) {
		if reported[name] {
			continue
		}
		if v, ok := record[name]; ok && v != nil && v != "" {
			continue
		}
		out = append(out, model.FieldError{
			Field:   name,
			Code:    FieldRequiredByBackend,
			Message: name + " is required",
		})
	}
	return out
}

// --- store entries ---

// coercePayload decodes a JSON payload into the type the named built-in
// entry expects. Other entries receive the decoded JSON value.
func coercePayload(entry string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var target any
	switch entry {
	case "applySections":
		target = &model.StructuredVariant{}
	case "setSelection":
		target = &[]string{}
	case "updateEntityProperty", "updateNestedEntityProperty":
		target = &entity.PropertyUpdate{}
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, model.NewBadRequestError("invalid payload: " + err.Error())
		}
		return v, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, model.NewBadRequestError("invalid payload: " + err.Error())
	}
	switch t := target.(type) {
	case *model.StructuredVariant:
		return *t, nil
	case *[]string:
		return *t, nil
	case *entity.PropertyUpdate:
		return *t, nil
	}
	return nil, nil
}

type entryRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func entryKey(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	sc := scopeFrom(r.Context())
	key, err := sc.ws.Key(sc.def.Name, chi.URLParam(r, param))
	if err != nil {
		respondError(w, r, err)
		return "", false
	}
	return key, true
}

func handleGetter(w http.ResponseWriter, r *http.Request) {
	key, ok := entryKey(w, r, "getter")
	if !ok {
		return
	}
	tree := scopeFrom(r.Context()).ws.Tree()
	v, err := tree.Getter(key)
	if errors.Is(err, store.ErrNotFound) {
		v, err = tree.State(key)
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"value": v})
}

func handleAction(w http.ResponseWriter, r *http.Request) {
	key, ok := entryKey(w, r, "action")
	if !ok {
		return
	}
	var req entryRequest
	if err := decodeBody(r, &req, true); err != nil {
		WriteError(w, err)
		return
	}
	payload, err := coercePayload(chi.URLParam(r, "action"), req.Payload)
	if err != nil {
		WriteError(w, err)
		return
	}
	v, err := scopeFrom(r.Context()).ws.Tree().Dispatch(r.Context(), key, payload)
	if err != nil {
		respondError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"result": v})
}

func handleMutation(w http.ResponseWriter, r *http.Request) {
	mutation := chi.URLParam(r, "mutation")
	var req entryRequest
	if err := decodeBody(r, &req, true); err != nil {
		WriteError(w, err)
		return
	}
	payload, err := coercePayload(mutation, req.Payload)
	if err != nil {
		WriteError(w, err)
		return
	}
	commit(w, r, mutation, payload)
}
