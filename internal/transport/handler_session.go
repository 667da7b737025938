package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/notify"
	"github.com/pitabwire/aiconsole/internal/persist"
	"github.com/pitabwire/aiconsole/internal/workspace"
	"github.com/pitabwire/aiconsole/model"
)

type enabledFlag struct {
	Enabled bool `json:"enabled"`
}

type frontend struct {
	BaseURL string `json:"baseUrl"`
}

// runtimeConfig is what the console front ends read at boot.
type runtimeConfig struct {
	Auth  enabledFlag `json:"auth"`
	Panel frontend    `json:"panel"`
	Admin frontend    `json:"admin"`
}

func handleRuntimeConfig(cfg *config.Config) http.HandlerFunc {
	body := runtimeConfig{
		Auth:  enabledFlag{Enabled: cfg.Auth.Enabled},
		Panel: frontend{BaseURL: cfg.Panel.BaseURL},
		Admin: frontend{BaseURL: cfg.Admin.BaseURL},
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	}
}

type stateValue struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func handleLoadAllState(state persist.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		all, err := state.LoadAll(r.Context(), rctx.SessionID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"state": all})
	}
}

// handleLoadState returns a persisted value; an unset path yields a null
// value rather than 404 so the front end can fall back to its default.
func handleLoadState(state persist.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		path := chi.URLParam(r, "path")
		value, ok, err := state.Load(r.Context(), rctx.SessionID, path)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if !ok {
			value = json.RawMessage("null")
		}
		WriteJSON(w, http.StatusOK, stateValue{Path: path, Value: value})
	}
}

func handleSaveState(state persist.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("could not read body: "+err.Error()))
			return
		}
		if err := state.Save(r.Context(), rctx.SessionID, chi.URLParam(r, "path"), data); err != nil {
			respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleNotifications(sink *notify.MemorySink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		out := []model.Notification{}
		if sink != nil {
			out = sink.Drain(rctx.SessionID)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"notifications": out})
	}
}

// handleLogout drops the session's workspace and cached capabilities and
// expires the session cookie.
func handleLogout(auth config.AuthConfig, workspaces *workspace.Manager, resolver model.CapabilityResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		workspaces.Drop(rctx.SessionID)
		if resolver != nil {
			resolver.Invalidate(rctx.SubjectID)
		}
		http.SetCookie(w, sessionCookie(r, auth.SessionCookie, "", -1))
		w.WriteHeader(http.StatusNoContent)
	}
}
