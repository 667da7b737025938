package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/definition"
	"github.com/pitabwire/aiconsole/internal/notify"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/openapi"
	"github.com/pitabwire/aiconsole/internal/persist"
	"github.com/pitabwire/aiconsole/internal/workspace"
	"github.com/pitabwire/aiconsole/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Registry           *definition.Registry
	Workspaces         *workspace.Manager
	Index              *openapi.Index
	State              persist.StateStore
	Notifications      *notify.MemorySink
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and runtime config bypass
// authentication.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TraceRequests)

	r.Get("/api/health", observability.HandleHealth())
	r.Get("/api/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler())
	}
	r.Get("/api/config", handleRuntimeConfig(cfg))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Auth, cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Get("/api/entities", handleListEntities(deps.Registry))

		r.Route("/api/entities/{entity}", func(r chi.Router) {
			read := EntityAccess(deps.Registry, deps.Workspaces, model.ActionRead)
			write := EntityAccess(deps.Registry, deps.Workspaces, model.ActionWrite)

			r.With(read).Get("/", handleGetDescriptor(deps.Registry))
			r.With(read).Get("/controls", handleGetControls(deps.Registry))
			r.With(read).Get("/items", handleListItems)
			r.With(read).Get("/items/{id}", handleGetItem)
			r.With(write).Delete("/items/{id}", handleDeleteItem)

			r.With(read).Get("/edit", handleGetEdit)
			r.With(read).Post("/edit/load/{id}", handleLoadEntity)
			r.With(write).Post("/edit/new", handleNewEntity)
			r.With(write).Patch("/edit", handlePatchEntity)
			r.With(write).Post("/edit/revert", handleRevertEntity)
			r.With(write).Delete("/edit", handleResetEntity)
			r.With(write).Post("/edit/save", handleSaveEntity)
			r.With(write).Post("/validate", handleValidate(deps.Index, cfg.API.AIBridge))

			r.With(read).Get("/getters/{getter}", handleGetter)
			r.With(write).Post("/actions/{action}", handleAction)
			r.With(write).Post("/mutations/{mutation}", handleMutation)
		})

		r.Route("/api/prompt-templates", func(r chi.Router) {
			r.Post("/parse", handleParsePrompt(deps.Metrics))
			r.Post("/serialize", handleSerializePrompt(deps.Metrics))
			r.Post("/validate", handleValidatePrompt(deps.Metrics))
			r.Post("/convert", handleConvertPrompt(deps.Metrics))
		})

		r.Get("/api/state", handleLoadAllState(deps.State))
		r.Get("/api/state/{path}", handleLoadState(deps.State))
		r.Put("/api/state/{path}", handleSaveState(deps.State))

		r.Get("/api/notifications", handleNotifications(deps.Notifications))
		r.Post("/api/session/logout", handleLogout(cfg.Auth, deps.Workspaces, deps.CapabilityResolver))
	})

	return r
}
