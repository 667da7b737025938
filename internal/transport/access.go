package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/definition"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/workspace"
	"github.com/pitabwire/aiconsole/model"
)

// AnonymousSubject identifies the operator when authentication is disabled.
const AnonymousSubject = "anonymous"

type (
	claimsKey       struct{}
	capabilitiesKey struct{}
	scopeKey        struct{}
)

// WithClaims stores verified token claims in ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the claims stored by the authenticator, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// WithCapabilities stores the operator's resolved capabilities in ctx.
func WithCapabilities(ctx context.Context, caps model.CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

// CapabilitiesFrom returns the capabilities resolved for the request. A nil
// set grants nothing.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

// claimMapping locates identity attributes inside token claims.
type claimMapping struct {
	subject, email, roles string
}

func newClaimMapping(paths map[string]string) claimMapping {
	pick := func(name, fallback string) string {
		if p := paths[name]; p != "" {
			return p
		}
		return fallback
	}
	return claimMapping{
		subject: pick("subject_id", "sub"),
		email:   pick("email", "email"),
		roles:   pick("roles", "roles"),
	}
}

func (m claimMapping) apply(claims map[string]any, rctx *model.RequestContext) {
	rctx.SubjectID = extractClaimString(claims, m.subject)
	rctx.Email = extractClaimString(claims, m.email)
	rctx.Roles = extractClaimStringSlice(claims, m.roles)
}

// BuildRequestContext assembles the model.RequestContext from the verified
// claims, the session cookie and request metadata. Browsers arriving
// without a session cookie get a fresh session.
func BuildRequestContext(auth config.AuthConfig, claimPaths map[string]string) func(http.Handler) http.Handler {
	mapping := newClaimMapping(claimPaths)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rctx := &model.RequestContext{
				Token:         TokenFrom(ctx),
				Cookies:       r.Cookies(),
				CorrelationID: CorrelationIDFrom(ctx),
				TraceID:       observability.TraceID(ctx),
			}
			mapping.apply(ClaimsFrom(ctx), rctx)
			if rctx.SubjectID == "" && !auth.Enabled {
				rctx.SubjectID = AnonymousSubject
			}

			rctx.SessionID = sessionID(r, auth.SessionCookie)
			if rctx.SessionID == "" {
				rctx.SessionID = uuid.NewString()
				http.SetCookie(w, sessionCookie(r, auth.SessionCookie, rctx.SessionID, 0))
			}

			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError(err.Error()))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, rctx)))
		})
	}
}

func sessionID(r *http.Request, cookie string) string {
	c, err := r.Cookie(cookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// sessionCookie builds the session cookie. A negative maxAge expires it.
func sessionCookie(r *http.Request, name, value string, maxAge int) *http.Cookie {
	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ResolveCapabilities resolves the operator's capabilities once per
// request. When resolution fails the request continues with none, so only
// capability-free routes succeed.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	if resolver == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				next.ServeHTTP(w, r)
				return
			}
			caps, err := resolver.Resolve(rctx)
			if err != nil {
				logger.Warn("capability resolution failed",
					zap.Error(err),
					zap.String("subject_id", rctx.SubjectID),
				)
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCapabilities(r.Context(), caps)))
		})
	}
}

// entityScope is what EntityAccess resolved for the handlers below it.
type entityScope struct {
	def model.EntityDefinition
	ws  *workspace.Workspace
}

func scopeFrom(ctx context.Context) entityScope {
	s, _ := ctx.Value(scopeKey{}).(entityScope)
	return s
}

// EntityAccess resolves the {entity} URL parameter against the registry,
// requires the entity's read or write capability and attaches the
// session's workspace.
func EntityAccess(registry *definition.Registry, workspaces *workspace.Manager, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context())
			if rctx == nil {
				WriteError(w, model.NewUnauthorizedError("missing request context"))
				return
			}

			name := chi.URLParam(r, "entity")
			def, ok := registry.Get(name)
			if !ok {
				WriteNotFound(w, fmt.Sprintf("Unknown entity %q", name))
				return
			}

			var required string
			switch action {
			case model.ActionWrite:
				required = def.WriteCapability()
			default:
				required = def.ReadCapability()
			}
			if !CapabilitiesFrom(r.Context()).Has(required) {
				WriteForbidden(w, fmt.Sprintf("Missing capability %q", required))
				return
			}

			ws, err := workspaces.Get(rctx.SessionID)
			if err != nil {
				respondError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, entityScope{def: def, ws: ws})))
		})
	}
}
