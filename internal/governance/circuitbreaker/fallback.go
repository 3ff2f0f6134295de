package circuitbreaker

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// FallbackResponse is the degraded body returned for an unavailable backend
type FallbackResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Service string `json:"service"`
}

// DefaultFallbackMessage names the unavailable service.
func DefaultFallbackMessage(name string) string {
	return fmt.Sprintf("%s is temporarily unavailable, please try again later", name)
}

// WriteFallback writes a 503 fallback response. It never fails; write
// errors to a gone client are ignored.
func WriteFallback(w http.ResponseWriter, name, message string, state State) {
	if message == "" {
		message = DefaultFallbackMessage(name)
	}

	body, err := json.Marshal(FallbackResponse{Message: message, Status: "error", Service: name})
	if err != nil {
		body = []byte(`{"message":"service unavailable","status":"error"}`)
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Circuit-Breaker-Name", name)
	h.Set("X-Circuit-Breaker-State", state.String())
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(body)
}
