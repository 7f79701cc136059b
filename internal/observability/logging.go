package observability

import (
	"context"
	"log/slog"
)

// LogContext holds structured logging context information that follows an
// operation through the archive layers.
type LogContext struct {
	ScopeID   string
	ItemID    string
	Operation string
}

// logContextKeyType is used for context values.
type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithScopeID adds a task scope ID to the context.
func WithScopeID(ctx context.Context, scopeID string) context.Context {
	lc := extractLogContext(ctx)
	lc.ScopeID = scopeID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithItemID adds a checklist item ID to the context.
func WithItemID(ctx context.Context, itemID string) context.Context {
	lc := extractLogContext(ctx)
	lc.ItemID = itemID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, op string) context.Context {
	lc := extractLogContext(ctx)
	lc.Operation = op
	return context.WithValue(ctx, logContextKey, lc)
}

// extractLogContext retrieves or creates a LogContext from the context.
func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

// getLogAttrs returns slog attributes from the context's LogContext.
func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := []slog.Attr{}

	if lc.ScopeID != "" {
		attrs = append(attrs, slog.String("scope.id", lc.ScopeID))
	}
	if lc.ItemID != "" {
		attrs = append(attrs, slog.String("item.id", lc.ItemID))
	}
	if lc.Operation != "" {
		attrs = append(attrs, slog.String("operation", lc.Operation))
	}

	return attrs
}

// InfoContext logs an info message with context information.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelInfo, msg, attrs)
}

// WarnContext logs a warning message with context information.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelWarn, msg, attrs)
}

// ErrorContext logs an error message with context information.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelError, msg, attrs)
}

// DebugContext logs a debug message with context information.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	logAttrs(ctx, slog.LevelDebug, msg, attrs)
}

func logAttrs(ctx context.Context, level slog.Level, msg string, attrs []slog.Attr) {
	all := append(getLogAttrs(ctx), attrs...)
	slog.LogAttrs(ctx, level, msg, all...)
}
