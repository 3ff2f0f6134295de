package log

import "time"

// Standard field names shared by every component.
const (
	FieldTimestamp = "timestamp"
	FieldLevel     = "level"
	FieldMessage   = "message"
	FieldCaller    = "caller"
	FieldError     = "error"
	FieldComponent = "component"

	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration"
	FieldClientIP   = "client_ip"

	FieldRouteID      = "route_id"
	FieldRouteVersion = "route_version"
	FieldUpstream     = "upstream"

	FieldCircuitBreaker = "circuit_breaker"
	FieldCircuitState   = "circuit_state"
	FieldFailureRate    = "failure_rate"
)

// RequestFields creates standard request logging fields.
func RequestFields(requestID, method, path string) []Field {
	return []Field{
		String(FieldRequestID, requestID),
		String(FieldMethod, method),
		String(FieldPath, path),
	}
}

// ResponseFields creates standard response logging fields.
func ResponseFields(statusCode int, elapsed time.Duration) []Field {
	return []Field{
		Int(FieldStatusCode, statusCode),
		Duration(FieldDuration, elapsed),
	}
}

// CircuitBreakerFields creates fields describing a breaker transition.
func CircuitBreakerFields(name, from, to string, failureRate float64) []Field {
	return []Field{
		String(FieldCircuitBreaker, name),
		String("from", from),
		String(FieldCircuitState, to),
		Float64(FieldFailureRate, failureRate),
	}
}
