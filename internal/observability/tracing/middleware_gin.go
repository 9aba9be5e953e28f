package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrorTypeKey is the gin context key under which the error handler stores
// the envelope type of a failed request.
const ErrorTypeKey = "error_type"

// errorTypesMarkedFailed are client-visible outcomes that still deserve an
// error status on the span: the fiscal record itself is in doubt.
var errorTypesMarkedFailed = map[string]struct{}{
	"fiscal_integrity_compromised": {},
	"ledger_consistency_violation": {},
	"report_signature_mismatch":    {},
}

// GinMiddleware opens a server span per request and tags it with the tenant
// and actor once the API middleware has resolved them.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("caisse/http")
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		}
		// The API middleware replaces c.Request, so tenant values are read back
		// from the final request context.
		reqCtx := c.Request.Context()
		if orgID := obscontext.OrgIDFromContext(reqCtx); orgID != "" {
			attrs = append(attrs, attribute.String("caisse.org_id", orgID))
		}
		if actorType, actorID := obscontext.ActorFromContext(reqCtx); actorID != "" {
			attrs = append(attrs,
				attribute.String("caisse.actor_type", actorType),
				attribute.String("caisse.actor_id", actorID),
			)
		}
		errorType := c.GetString(ErrorTypeKey)
		if errorType != "" {
			attrs = append(attrs, attribute.String("caisse.error_type", errorType))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		_, fiscal := errorTypesMarkedFailed[errorType]
		if status < http.StatusInternalServerError && !fiscal {
			return
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
		}
		description := "request error"
		if fiscal {
			description = errorType
		}
		span.SetStatus(codes.Error, description)
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag := baggage.FromContext(ctx)
	next, err := bag.SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, next)
}
