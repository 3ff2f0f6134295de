package middleware

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/routegate/internal/gateway"
)

// TracerName is the instrumentation name of gateway spans
const TracerName = "routegate"

// TracingMiddleware provides OpenTelemetry distributed tracing. It is the
// outermost stage so every other stage runs inside the server span.
type TracingMiddleware struct {
	enabled    bool
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingMiddleware creates a new tracing middleware using the global
// tracer provider and propagator.
func NewTracingMiddleware(enabled bool) *TracingMiddleware {
	return &TracingMiddleware{
		enabled:    enabled,
		tracer:     otel.Tracer(TracerName),
		propagator: otel.GetTextMapPropagator(),
	}
}

// Handler returns the HTTP middleware handler
func (m *TracingMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := m.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := m.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, SanitizePath(r.URL.Path)),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", r.RemoteAddr),
					attribute.String("http.proto", r.Proto),
				),
			)
			defer span.End()

			r, state := gateway.EnsureState(r.WithContext(ctx))
			wrapper := newResponseWriter(w)

			next.ServeHTTP(wrapper, r)

			span.SetAttributes(
				attribute.Int("http.status_code", wrapper.Status()),
				attribute.Int64("http.response_size", wrapper.Size()),
			)
			if routeID := state.RouteID(); routeID != "" {
				span.SetAttributes(
					attribute.String("routegate.route_id", routeID),
					attribute.String("routegate.backend", state.Backend()),
				)
			}

			if err := state.Err(); err != nil {
				span.RecordError(err)
			}
			if wrapper.Status() >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.Status()))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// InjectTraceContext writes the active trace context into outbound headers
func (m *TracingMiddleware) InjectTraceContext(ctx context.Context, header http.Header) {
	if !m.enabled {
		return
	}
	m.propagator.Inject(ctx, propagation.HeaderCarrier(header))
}
