package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/metrics/driver/prometheus"
	"github.com/songzhibin97/routegate/internal/refresh"
	"github.com/songzhibin97/routegate/internal/route"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// mockRefresher 记录调用并返回预设结果
type mockRefresher struct {
	refreshErr  error
	rollbackErr error
	version     uint64
	refreshed   int
	rolledBack  []uint64
	history     []refresh.Revision
}

func (m *mockRefresher) Refresh(context.Context) error {
	m.refreshed++
	if m.refreshErr != nil {
		return m.refreshErr
	}
	m.version++
	return nil
}

func (m *mockRefresher) Rollback(_ context.Context, version uint64) error {
	if m.rollbackErr != nil {
		return m.rollbackErr
	}
	m.rolledBack = append(m.rolledBack, version)
	m.version++
	return nil
}

func (m *mockRefresher) History() []refresh.Revision { return m.history }
func (m *mockRefresher) Version() uint64             { return m.version }
func (m *mockRefresher) LastRefresh() time.Time      { return time.Time{} }
func (m *mockRefresher) EnabledRouteCount() int      { return 1 }

type testServer struct {
	server    *Server
	breakers  *circuitbreaker.Registry
	refresher *mockRefresher
	provider  metrics.Provider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	table := router.NewTable(router.WithLogger(log.Nop()))
	table.Update([]route.Definition{
		{
			ID:  "user-route",
			URI: "http://user-service:8080",
			Predicates: []route.PredicateDefinition{
				{Name: "Path", Args: map[string]string{"patterns": "/api/users/**"}},
			},
			Filters: []route.FilterDefinition{
				{Name: "CircuitBreaker", Args: map[string]string{"name": "user-service"}},
			},
			Metadata: route.Metadata{Timeout: 5000, Order: 1},
		},
	})

	breakers := circuitbreaker.NewRegistry(circuitbreaker.WithLogger(log.Nop()))
	breakers.Sync(
		map[string]circuitbreaker.Config{"user-service": {SlidingWindowSize: 5, MinimumCalls: 5, FailureRateThreshold: 50}},
		nil,
		map[string]string{"user-service": "User service is temporarily unavailable"},
	)
	breakers.Get("user-service")

	provider, err := prometheus.NewProvider(prometheus.Options{})
	if err != nil {
		t.Fatalf("Failed to create metrics provider: %v", err)
	}

	refresher := &mockRefresher{version: 1}
	server, err := NewServer(config.AdminConfig{Mode: "test"}, Dependencies{
		Table:     table,
		Breakers:  breakers,
		Refresher: refresher,
		Metrics:   provider,
		Logger:    log.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create admin server: %v", err)
	}
	return &testServer{server: server, breakers: breakers, refresher: refresher, provider: provider}
}

func (s *testServer) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func (s *testServer) tripBreaker(name string) {
	cb := s.breakers.Get(name)
	for i := 0; i < 5; i++ {
		gen, _ := cb.Allow()
		cb.Record(gen, true, time.Millisecond)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(config.AdminConfig{Mode: "test"}, Dependencies{}); err == nil {
		t.Error("Expected an error without dependencies")
	}
}

func TestHealthReportsOpenBreakers(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/actuator/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["status"] != "UP" {
		t.Errorf("Expected status UP, got %v", body["status"])
	}

	s.tripBreaker("user-service")

	rec = s.do(http.MethodGet, "/actuator/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "CIRCUIT_OPEN" {
		t.Errorf("Expected status CIRCUIT_OPEN, got %v", body["status"])
	}
	detail, ok := body["circuit_breakers"].(map[string]interface{})
	if !ok || detail["user-service"] != "OPEN" {
		t.Errorf("Expected user-service OPEN in detail, got %v", body["circuit_breakers"])
	}
}

func TestCircuitBreakerEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.tripBreaker("user-service")

	rec := s.do(http.MethodGet, "/actuator/circuitbreakers")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"OPEN"`) {
		t.Errorf("Expected an open breaker in list, got %s", rec.Body.String())
	}

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"get existing", http.MethodGet, "/actuator/circuitbreakers/user-service", http.StatusOK},
		{"get unknown", http.MethodGet, "/actuator/circuitbreakers/missing", http.StatusNotFound},
		{"reset unknown", http.MethodPost, "/actuator/circuitbreakers/missing/reset", http.StatusNotFound},
		{"reset existing", http.MethodPost, "/actuator/circuitbreakers/user-service/reset", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path)
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}

	cb, _ := s.breakers.Find("user-service")
	if cb.State() != circuitbreaker.StateClosed {
		t.Errorf("Expected breaker closed after reset, got %s", cb.State())
	}
}

func TestRefreshEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/actuator/refresh")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["config_version"] != float64(2) {
		t.Errorf("Expected config_version 2, got %v", body["config_version"])
	}

	s.refresher.refreshErr = &refresh.RefreshError{Stage: refresh.StageValidate, Err: route.ErrMissingPredicate}
	rec = s.do(http.MethodPost, "/actuator/refresh")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d", rec.Code)
	}
	if body := decode(t, rec); body["stage"] != "validate" {
		t.Errorf("Expected stage validate, got %v", body["stage"])
	}

	s.refresher.refreshErr = errors.New("boom")
	rec = s.do(http.MethodPost, "/actuator/refresh")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("Expected internal error detail to be hidden, got %s", rec.Body.String())
	}
}

func TestRollbackEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.refresher.history = []refresh.Revision{{Version: 1, Trigger: refresh.TriggerStartup, Routes: 1, Changed: true}}

	rec := s.do(http.MethodGet, "/actuator/refresh/history")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"trigger":"startup"`) {
		t.Errorf("Expected history with startup revision, got %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name       string
		version    string
		err        error
		wantStatus int
	}{
		{"valid", "1", nil, http.StatusOK},
		{"not a number", "abc", nil, http.StatusBadRequest},
		{"zero", "0", nil, http.StatusBadRequest},
		{"unknown", "42", fmt.Errorf("%w: 42", refresh.ErrVersionNotFound), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.refresher.rollbackErr = tt.err
			rec := s.do(http.MethodPost, "/actuator/refresh/rollback/"+tt.version)
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}

	if len(s.refresher.rolledBack) != 1 || s.refresher.rolledBack[0] != 1 {
		t.Errorf("Expected one rollback to version 1, got %v", s.refresher.rolledBack)
	}
}

func TestRouteEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/actuator/routes")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	routes, ok := body["routes"].([]interface{})
	if !ok || len(routes) != 1 {
		t.Fatalf("Expected 1 route, got %v", body["routes"])
	}

	rec = s.do(http.MethodGet, "/actuator/routes/user-route")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	view := decode(t, rec)
	if view["backend"] != "user-service" {
		t.Errorf("Expected backend user-service, got %v", view["backend"])
	}
	if view["timeout_ms"] != float64(5000) {
		t.Errorf("Expected timeout_ms 5000, got %v", view["timeout_ms"])
	}

	if rec := s.do(http.MethodGet, "/actuator/routes/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestFallbackEndpoint(t *testing.T) {
	s := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := s.do(method, "/fallback/user-service")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("Expected status 503 for %s, got %d", method, rec.Code)
		}
		body := decode(t, rec)
		if body["status"] != "error" {
			t.Errorf("Expected status error, got %v", body["status"])
		}
		if body["message"] != "User service is temporarily unavailable" {
			t.Errorf("Expected configured fallback message, got %v", body["message"])
		}
	}

	rec := s.do(http.MethodGet, "/fallback/order-service")
	if !strings.Contains(decode(t, rec)["message"].(string), "order-service") {
		t.Errorf("Expected default message naming the service, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	counter, err := s.provider.NewCounterVec(metrics.MetricOptions{
		Name:   "admin_test_total",
		Help:   "test counter",
		Labels: []string{"route"},
	})
	if err != nil {
		t.Fatalf("Failed to register counter: %v", err)
	}
	counter.WithLabelValues("user-route").Inc()

	rec := s.do(http.MethodGet, "/actuator/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `admin_test_total{route="user-route"} 1`) {
		t.Errorf("Expected exposition to contain the counter, got %s", rec.Body.String())
	}
}
