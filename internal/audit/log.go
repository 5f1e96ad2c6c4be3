package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"opinions.market/internal/auth"
	"opinions.market/internal/events"
	"opinions.market/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the operator
// token subject found in ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("audit: event name is required")
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if sub, ok := auth.SubjectFromContext(ctx); ok {
		zf = append(zf, zap.String("operator", sub))
	}
	if fields == nil {
		fields = map[string]any{}
	}
	zf = append(zf, zap.Any("fields", fields))
	obs.Logger().Info("audit", zf...)
	return nil
}

// Record logs one committed market event.
func Record(ctx context.Context, evt events.Event) error {
	fields := make(map[string]any, len(evt.Fields)+5)
	for k, v := range evt.Fields {
		fields[k] = v
	}
	fields["id"] = evt.ID
	fields["at"] = evt.At.Unix()
	if !evt.Actor.IsZero() {
		fields["actor"] = evt.Actor.String()
	}
	if !evt.Post.IsZero() {
		fields["post"] = evt.Post.String()
	}
	if !evt.Mint.IsZero() {
		fields["mint"] = evt.Mint.String()
		fields["amount"] = evt.Amount
	}
	return LogEvent(ctx, evt.Type, fields)
}

// Run subscribes to bus and records every event until ctx ends.
func Run(ctx context.Context, bus *events.Bus) error {
	ch := bus.Subscribe(ctx)
	for evt := range ch {
		if err := Record(ctx, evt); err != nil {
			obs.Logger().Warn("audit record failed", zap.Error(err))
		}
	}
	return nil
}
