package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrIncompleteIdentity is returned by Validate when the request has no
// operator or no session.
var ErrIncompleteIdentity = errors.New("incomplete identity")

// RequestContext is what the console knows about the operator behind a
// request. The middleware builds it once per request; it is read-only
// afterwards.
type RequestContext struct {
	SubjectID string
	Email     string
	Roles     []string

	// SessionID keys the operator's workspace and persisted state.
	SessionID string

	// Token and Cookies are forwarded to aiBridge when credentials are
	// included.
	Token   string
	Cookies []*http.Cookie

	CorrelationID string
	TraceID       string
}

// Validate reports which of the subject and session are missing.
func (rc *RequestContext) Validate() error {
	var missing []string
	if rc.SubjectID == "" {
		missing = append(missing, "subject")
	}
	if rc.SessionID == "" {
		missing = append(missing, "session")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteIdentity, strings.Join(missing, " and "))
	}
	return nil
}

// Authenticated reports whether the request carried a verified token.
func (rc *RequestContext) Authenticated() bool {
	return rc.Token != ""
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind the
// request-context middleware. It panics when there is none.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: no RequestContext in context")
	}
	return rctx
}
