package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/songzhibin97/routegate/internal/config"
)

// Security headers added to every response
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"X-XSS-Protection":       "1; mode=block",
}

const (
	defaultCacheControl = "no-cache, no-store, must-revalidate"
	defaultContentType  = "application/json"
)

// ResponseFormatMiddleware normalizes response headers: cache and security
// headers, a default JSON content type and CORS headers when the request
// carries an Origin. CORS preflight requests are answered directly.
type ResponseFormatMiddleware struct {
	cors config.CORSConfig
}

// NewResponseFormatMiddleware creates a new response format middleware
func NewResponseFormatMiddleware(cors config.CORSConfig) *ResponseFormatMiddleware {
	return &ResponseFormatMiddleware{cors: cors}
}

// Handler returns the HTTP middleware handler
func (m *ResponseFormatMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if m.cors.Enabled && isPreflight(r) {
				m.setPreflightHeaders(w.Header(), r)
				m.formatHeaders(http.StatusOK, w.Header(), origin)
				w.WriteHeader(http.StatusOK)
				return
			}

			wrapper := newResponseWriter(w)
			wrapper.beforeHeader = func(status int, h http.Header) {
				m.formatHeaders(status, h, origin)
			}
			next.ServeHTTP(wrapper, r)

			// nothing written downstream: still emit formatted headers
			if !wrapper.Written() {
				wrapper.WriteHeader(http.StatusOK)
			}
		})
	}
}

func (m *ResponseFormatMiddleware) formatHeaders(status int, h http.Header, origin string) {
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", defaultCacheControl)
	}
	for name, value := range securityHeaders {
		h.Set(name, value)
	}

	if h.Get("Content-Type") == "" && hasBodyClass(status) {
		h.Set("Content-Type", defaultContentType)
	}

	if m.cors.Enabled && origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if len(m.cors.ExposedHeaders) > 0 {
			h.Set("Access-Control-Expose-Headers", strings.Join(m.cors.ExposedHeaders, ", "))
		}
	}
}

func (m *ResponseFormatMiddleware) setPreflightHeaders(h http.Header, r *http.Request) {
	methods := m.cors.AllowedMethods
	if len(methods) == 0 {
		methods = []string{r.Header.Get("Access-Control-Request-Method")}
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))

	if len(m.cors.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(m.cors.AllowedHeaders, ", "))
	} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
	}

	if m.cors.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(m.cors.MaxAge.Seconds())))
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// hasBodyClass reports whether the status class gets a default content type
func hasBodyClass(status int) bool {
	switch status / 100 {
	case 2, 4, 5:
		return status != http.StatusNoContent
	}
	return false
}
