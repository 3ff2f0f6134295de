// Package middleware implements the gateway filter pipeline stages. Each
// stage is a func(http.Handler) http.Handler; Chain composes them so the first
// stage listed is the outermost layer of the onion.
package middleware

import "net/http"

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain wraps final with the given stages, outermost first.
// Nil stages are skipped.
func Chain(final http.Handler, stages ...Middleware) http.Handler {
	h := final
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] != nil {
			h = stages[i](h)
		}
	}
	return h
}
