// Package transport contains the HTTP router, middleware chain and request
// handlers of the console API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/entity"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/store"
	"github.com/pitabwire/aiconsole/internal/workspace"
	"github.com/pitabwire/aiconsole/model"
)

// maxBodyBytes bounds every decoded request body.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that are not envelopes are translated by Envelope.
func WriteError(w http.ResponseWriter, err error) {
	ee := Envelope(err)
	WriteJSON(w, ee.HTTPStatus(), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// Envelope translates store, workspace and backend errors into the
// envelope returned to the console. Unknown errors become INTERNAL_ERROR.
func Envelope(err error) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}

	var vErr *entity.ValidationError
	if errors.As(err, &vErr) {
		return model.NewValidationError(vErr.Fields)
	}

	var ee *model.EntityError
	if errors.As(err, &ee) {
		switch ee.Status {
		case http.StatusNotFound:
			return model.NewNotFoundError(ee.Text)
		case http.StatusConflict:
			return model.NewConflictError(ee.Text)
		case http.StatusServiceUnavailable:
			return model.NewBackendUnavailableError()
		case http.StatusGatewayTimeout:
			return model.NewBackendTimeoutError()
		}
		return model.NewBackendError(ee)
	}

	switch {
	case errors.Is(err, workspace.ErrUnknownEntity), errors.Is(err, store.ErrNotFound):
		return model.NewNotFoundError(err.Error())
	case errors.Is(err, entity.ErrNoEntity):
		return model.NewConflictError("No entity is being edited")
	case errors.Is(err, entity.ErrPayload):
		return model.NewBadRequestError(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewBackendTimeoutError()
	}
	return model.NewInternalError()
}

// respondError stamps the trace id on the envelope, logs server-side
// failures and writes the response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ee := *Envelope(err)
	ee.TraceID = observability.TraceID(r.Context())
	if ee.HTTPStatus() >= http.StatusInternalServerError {
		logger := observability.LoggerFrom(r.Context(), nil)
		if logger != nil {
			logger.Warn("request failed",
				zap.Error(err),
				zap.String("code", ee.Code),
				zap.String("span_id", observability.SpanID(r.Context())),
			)
		}
	}
	WriteError(w, &ee)
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("Invalid JSON body: " + err.Error())
	}
	return nil
}
