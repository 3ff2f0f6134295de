package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/songzhibin97/routegate/internal/gateway"
	"github.com/songzhibin97/routegate/pkg/log"
)

// ErrorResponse is the JSON body written for every failed request
type ErrorResponse struct {
	Error      string `json:"error"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
}

// ErrorHandlerMiddleware is the innermost stage. It turns the error recorded
// on the request state into the client-facing JSON body and recovers panics.
type ErrorHandlerMiddleware struct {
	logger log.Logger
	now    func() time.Time
}

// NewErrorHandlerMiddleware creates a new error handler middleware
func NewErrorHandlerMiddleware(logger log.Logger) *ErrorHandlerMiddleware {
	if logger == nil {
		logger = log.Component("middleware.error_handler")
	}
	return &ErrorHandlerMiddleware{logger: logger, now: time.Now}
}

// Handler returns the HTTP middleware handler
func (m *ErrorHandlerMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, state := gateway.EnsureState(r)
			wrapper := newResponseWriter(w)

			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				err := fmt.Errorf("panic: %v", p)
				state.Fail(err)
				m.logger.WithContext(r.Context()).Error("recovered from panic",
					log.String(log.FieldPath, r.URL.Path),
					log.Error(err))
				if !wrapper.Written() {
					m.write(wrapper, r, err)
				}
			}()

			next.ServeHTTP(wrapper, r)

			err := state.Err()
			if err == nil || wrapper.Written() {
				return
			}

			status := gateway.StatusOf(err)
			if status >= http.StatusInternalServerError {
				m.logger.WithContext(r.Context()).Error("request failed",
					log.String(log.FieldPath, r.URL.Path),
					log.String(log.FieldRouteID, state.RouteID()),
					log.Int(log.FieldStatusCode, status),
					log.Error(err))
			}
			m.write(wrapper, r, err)
		})
	}
}

func (m *ErrorHandlerMiddleware) write(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, m.now())
}

// WriteError writes the JSON error body for err. The status comes from the
// error kind; internal details are never exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error, now time.Time) {
	status := gateway.StatusOf(err)
	body := ErrorResponse{
		Error:      gateway.PublicMessage(err),
		Status:     status,
		StatusText: http.StatusText(status),
		Timestamp:  now.UTC().Format(time.RFC3339),
		Path:       r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
