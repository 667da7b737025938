package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/model"
)

type loggerKey struct{}

// NewLogger builds the JSON logger written to stdout. Every entry carries
// the service name and build version.
//
// Levels:
//   - error: state store or event bus failures, panics, 5xx responses
//   - warn:  aiBridge errors shown to operators, open breakers, rejected reloads
//   - info:  request completion, entity saves and deletes, definition reloads
//   - debug: cache activity, redacted entity bodies, workspace eviction
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig = enc
	zc.Sampling = nil

	return zc.Build(zap.Fields(
		zap.String("service", "aiconsole"),
		zap.String("version", Version),
	))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger annotated with the operator and
// session of the request. Loggers already annotated by the request-logging
// middleware are returned as they are.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return fallback
	}
	return fallback.With(requestFields(rctx)...)
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("session_id", rctx.SessionID),
	)
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

// AnnotateLogger returns logger with the request's operator and session
// fields. The request-logging middleware stores the result with WithLogger.
func AnnotateLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	return logger.With(requestFields(rctx)...)
}

const redacted = "[REDACTED]"

// secretKeys are matched case-insensitively against whole keys.
var secretKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"authorization": true,
	"cookie":        true,
	"credentials":   true,
}

// secretSuffixes catch provider settings such as "openai_api_key" or
// "client_secret".
var secretSuffixes = []string{"_key", "_secret", "_token", "_password", "apikey"}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	if secretKeys[k] {
		return true
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// Redact returns a copy of an entity body with secret-looking values
// replaced, descending into nested objects and arrays. Model provider
// records carry API keys, so bodies pass through here before they are
// logged. extra names further keys to hide.
func Redact(body map[string]any, extra ...string) map[string]any {
	if body == nil {
		return nil
	}
	hide := make(map[string]bool, len(extra))
	for _, k := range extra {
		hide[strings.ToLower(k)] = true
	}
	return redactMap(body, hide)
}

func redactMap(m map[string]any, hide map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSecret(k) || hide[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, hide)
	}
	return out
}

func redactValue(v any, hide map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, hide)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item, hide)
		}
		return out
	}
	return v
}
