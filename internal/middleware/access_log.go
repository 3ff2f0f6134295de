package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/gateway"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
)

// HeaderRequestID carries the request id to the backend and back to the client
const HeaderRequestID = "X-Request-Id"

// DefaultSlowThreshold is the completion latency above which a warning is logged
const DefaultSlowThreshold = 1000 * time.Millisecond

const maskedValue = "******"

// sensitiveHeaderParts mark header names whose values are never logged
var sensitiveHeaderParts = []string{"authorization", "cookie", "token", "password"}

// AccessLogMiddleware is the outermost logging stage. It assigns the request
// id, logs the start and the completion of every request and warns about
// slow ones.
type AccessLogMiddleware struct {
	config config.AccessLogConfig
	logger log.Logger
}

// NewAccessLogMiddleware creates a new access log middleware. A nil logger
// falls back to the process default.
func NewAccessLogMiddleware(cfg config.AccessLogConfig, logger log.Logger) *AccessLogMiddleware {
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if logger == nil {
		logger = log.Component("middleware.access_log")
	}
	return &AccessLogMiddleware{config: cfg, logger: logger}
}

// Handler returns the HTTP middleware handler
func (m *AccessLogMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, state := gateway.EnsureState(r)

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
				r.Header.Set(HeaderRequestID, requestID)
			}
			state.SetRequestID(requestID)
			w.Header().Set(HeaderRequestID, requestID)
			r = r.WithContext(log.WithRequestID(r.Context(), requestID))

			if !m.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			logger := m.logger.WithContext(r.Context())
			start := time.Now()

			fields := append(log.RequestFields(requestID, r.Method, r.URL.Path),
				log.String("remote_addr", r.RemoteAddr),
				log.String(log.FieldClientIP, router.ClientIP(r)),
			)
			if m.config.LogHeaders {
				fields = append(fields, log.Any("headers", MaskHeaders(r.Header)))
			}
			logger.Info("request started", fields...)

			wrapper := newResponseWriter(w)
			next.ServeHTTP(wrapper, r)

			elapsed := time.Since(start)
			done := append(log.RequestFields(requestID, r.Method, r.URL.Path),
				log.ResponseFields(wrapper.Status(), elapsed)...)
			done = append(done,
				log.Int64("response_size", wrapper.Size()),
				log.String(log.FieldRouteID, state.RouteID()),
			)
			if err := state.Err(); err != nil {
				done = append(done, log.Error(err))
			}

			if elapsed > m.config.SlowThreshold {
				logger.Warn("slow request completed", append(done,
					log.Duration("threshold", m.config.SlowThreshold))...)
				return
			}
			logger.Info("request completed", done...)
		})
	}
}

// IsSensitiveHeader reports whether the header value must not be logged
func IsSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range sensitiveHeaderParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// MaskHeaders flattens the headers for logging with sensitive values masked
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if IsSensitiveHeader(name) {
			out[name] = maskedValue
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
