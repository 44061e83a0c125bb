package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	clientKey    ctxKey = "audit_client"
)

type client struct {
	ip        string
	userAgent string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClient records the caller's address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey, client{ip: strings.TrimSpace(ip), userAgent: strings.TrimSpace(userAgent)})
}

func clientFromContext(ctx context.Context) client {
	if ctx == nil {
		return client{}
	}
	c, _ := ctx.Value(clientKey).(client)
	return c
}

// Stamp copies the caller's ip, user agent and request id from ctx into
// fields e leaves empty.
func Stamp(ctx context.Context, e *Entry) {
	c := clientFromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = c.ip
	}
	if e.UserAgent == "" {
		e.UserAgent = c.userAgent
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		if _, ok := e.Metadata["request_id"]; !ok {
			e.Metadata["request_id"] = rid
		}
	}
}
