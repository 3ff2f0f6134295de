package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/ratelimit"
	"github.com/songzhibin97/routegate/internal/route"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
)

type testGateway struct {
	pipeline *Pipeline
	table    *router.Table
	breakers *circuitbreaker.Registry
}

func newTestGateway(t *testing.T, document string) *testGateway {
	t.Helper()

	doc, err := route.Parse([]byte(document))
	if err != nil {
		t.Fatalf("Failed to parse route document: %v", err)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("Route document is invalid: %v", err)
	}

	table := router.NewTable(router.WithLogger(log.Nop()))
	table.Update(doc.Routes)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.WithLogger(log.Nop()))
	breakers.Sync(doc.CircuitBreakers, doc.TimeLimiters, doc.Fallbacks)

	cfg := config.Default()
	cfg.Logging.AccessLog.Enabled = false

	pipeline, err := NewPipeline(cfg, Dependencies{
		Table:    table,
		Breakers: breakers,
		Limiters: ratelimit.NewStores(nil, nil),
		Logger:   log.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}
	return &testGateway{pipeline: pipeline, table: table, breakers: breakers}
}

func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.pipeline.ServeHTTP(rec, req)
	return rec
}

func TestPipelineForwardsMatchedRequest(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "welcome")
	}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: user-route
    uri: %s
    predicates:
      - Path=/user/**
    metadata: {timeout: 5000, enabled: true, order: 1}
`, backend.URL))

	req := httptest.NewRequest(http.MethodGet, "/user/login?lang=en", nil)
	req.RemoteAddr = "203.0.113.7:5123"
	rec := gw.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "welcome" {
		t.Errorf("Expected backend body, got %q", rec.Body.String())
	}
	if got == nil {
		t.Fatal("Expected backend to receive the request")
	}
	if got.URL.Path != "/user/login" {
		t.Errorf("Expected backend path /user/login, got %s", got.URL.Path)
	}
	if got.URL.RawQuery != "lang=en" {
		t.Errorf("Expected query to be preserved, got %q", got.URL.RawQuery)
	}
	if xff := got.Header.Get("X-Forwarded-For"); xff != "203.0.113.7" {
		t.Errorf("Expected X-Forwarded-For 203.0.113.7, got %q", xff)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("Expected X-Request-Id on the response")
	}
	if got.Header.Get("X-Request-Id") != rec.Header().Get("X-Request-Id") {
		t.Error("Expected the request id to be forwarded to the backend")
	}
}

func TestPipelineNoRouteMatched(t *testing.T) {
	gw := newTestGateway(t, `
routes:
  - id: user-route
    uri: http://svc:8081
    predicates:
      - Path=/user/**
`)

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/unknown/path", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rec.Code)
	}
	var body struct {
		Error  string `json:"error"`
		Status int    `json:"status"`
		Path   string `json:"path"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON error body, got %q: %v", rec.Body.String(), err)
	}
	if body.Status != http.StatusNotFound || body.Path != "/unknown/path" {
		t.Errorf("Unexpected error body: %+v", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestPipelineOpenBreakerServesFallback(t *testing.T) {
	// a closed server leaves a port nothing listens on
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: user-route
    uri: %s
    predicates:
      - Path=/user/**
    filters:
      - CircuitBreaker=user-service
circuit_breakers:
  user-service:
    sliding_window_size: 10
    minimum_calls: 5
    failure_rate_threshold: 50
    wait_duration_in_open_state: 10s
    permitted_calls_in_half_open: 3
fallbacks:
  user-service: "User service is temporarily unavailable, please try again later"
`, deadURL))

	for i := 0; i < 5; i++ {
		rec := gw.do(httptest.NewRequest(http.MethodGet, "/user/login", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("Call %d: expected 503 for connect failure, got %d", i+1, rec.Code)
		}
	}

	cb, ok := gw.breakers.Find("user-service")
	if !ok {
		t.Fatal("Expected breaker user-service to exist")
	}
	if cb.State() != circuitbreaker.StateOpen {
		t.Fatalf("Expected breaker to be OPEN after 5 failures, got %s", cb.State())
	}

	start := time.Now()
	rec := gw.do(httptest.NewRequest(http.MethodGet, "/user/login", nil))
	elapsed := time.Since(start)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected fallback status 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"error"`) {
		t.Errorf("Expected fallback body, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "User service is temporarily unavailable") {
		t.Errorf("Expected configured fallback message, got %s", rec.Body.String())
	}
	if rec.Header().Get("X-Circuit-Breaker-State") != "OPEN" {
		t.Errorf("Expected X-Circuit-Breaker-State OPEN, got %q", rec.Header().Get("X-Circuit-Breaker-State"))
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("Expected short-circuit without network wait, took %v", elapsed)
	}
}

func TestPipelineFallbackOnBackendFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: order-route
    uri: %s
    predicates:
      - Path=/order/**
    filters:
      - name: CircuitBreaker
        args: {name: order-service, fallback_on_failure: true}
`, backend.URL))

	rec := gw.do(httptest.NewRequest(http.MethodGet, "/order/1", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected fallback 503, got %d", rec.Code)
	}
	var body circuitbreaker.FallbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected fallback JSON, got %q", rec.Body.String())
	}
	if body.Status != "error" || body.Service != "order-service" {
		t.Errorf("Unexpected fallback body: %+v", body)
	}
}

func TestPipelineTimeLimiter(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: slow-route
    uri: %s
    predicates:
      - Path=/slow
    filters:
      - CircuitBreaker=slow-service
time_limiters:
  slow-service:
    timeout: 50ms
`, backend.URL))

	start := time.Now()
	rec := gw.do(httptest.NewRequest(http.MethodGet, "/slow", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("Expected the gateway to stop waiting at the deadline, took %v", elapsed)
	}

	cb, _ := gw.breakers.Find("slow-service")
	if m := cb.Metrics(); m.FailedCalls != 1 {
		t.Errorf("Expected the timeout to be recorded as a failure, got %d", m.FailedCalls)
	}
}

func TestPipelineClientCancelNotRecorded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: user-route
    uri: %s
    predicates:
      - Path=/user/**
    filters:
      - CircuitBreaker=user-service
circuit_breakers:
  user-service:
    sliding_window_size: 10
    minimum_calls: 5
    failure_rate_threshold: 50
    wait_duration_in_open_state: 20ms
    permitted_calls_in_half_open: 1
`, backend.URL))

	cancelled := func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		time.AfterFunc(30*time.Millisecond, cancel)
		gw.do(httptest.NewRequest(http.MethodGet, "/user/1", nil).WithContext(ctx))
	}

	cb := gw.breakers.Get("user-service")
	cancelled()
	if m := cb.Metrics(); m.BufferedCalls != 0 {
		t.Fatalf("Expected cancelled call not recorded, got %d buffered calls", m.BufferedCalls)
	}

	for i := 0; i < 5; i++ {
		gen, _ := cb.Allow()
		cb.Record(gen, true, time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)

	// 半开探测被取消后不应关闭熔断器，许可归还给下一次探测
	cancelled()
	if cb.State() != circuitbreaker.StateHalfOpen {
		t.Fatalf("Expected HALF_OPEN after a cancelled half-open call, got %s", cb.State())
	}
	if _, err := cb.Allow(); err != nil {
		t.Errorf("Expected the half-open permit to be released, got %v", err)
	}
}

func TestPipelineRetry(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer backend.Close()

	tests := []struct {
		name       string
		method     string
		wantStatus int
		wantHits   int32
	}{
		{"GET is retried", http.MethodGet, http.StatusOK, 3},
		{"POST is not retried", http.MethodPost, http.StatusBadGateway, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits.Store(0)
			gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: retry-route
    uri: %s
    predicates:
      - Path=/retry
    filters:
      - name: Retry
        args: {retries: 2, statuses: "502", methods: GET}
`, backend.URL))

			rec := gw.do(httptest.NewRequest(tt.method, "/retry", strings.NewReader("payload")))
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if hits.Load() != tt.wantHits {
				t.Errorf("Expected %d backend calls, got %d", tt.wantHits, hits.Load())
			}
		})
	}
}

func TestPipelineRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: limited-route
    uri: %s
    predicates:
      - Path=/limited
    filters:
      - name: RequestRateLimiter
        args: {replenish_rate: 1, burst_capacity: 1, key: ip}
`, backend.URL))

	newReq := func(ip string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		req.RemoteAddr = ip + ":1234"
		return req
	}

	if rec := gw.do(newReq("198.51.100.1")); rec.Code != http.StatusOK {
		t.Fatalf("Expected first request to pass, got %d", rec.Code)
	}

	rec := gw.do(newReq("198.51.100.1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header to be set")
	}

	if rec := gw.do(newReq("198.51.100.2")); rec.Code != http.StatusOK {
		t.Errorf("Expected a different client to pass, got %d", rec.Code)
	}

	// 不受信的对端轮换 X-Forwarded-For 不会得到新的令牌桶
	for _, forged := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := newReq("198.51.100.1")
		req.Header.Set("X-Forwarded-For", forged)
		if rec := gw.do(req); rec.Code != http.StatusTooManyRequests {
			t.Errorf("Expected 429 with forged X-Forwarded-For %s, got %d", forged, rec.Code)
		}
	}
}

func TestPipelineRouteFilters(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("X-Internal", "secret")
	}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: api-route
    uri: %s
    predicates:
      - Path=/api/{segment}/**
    filters:
      - StripPrefix=1
      - PrefixPath=/v2
      - AddRequestHeader=X-Segment,{segment}
      - RemoveRequestHeader=Cookie
      - AddRequestParameter=source,gateway
      - SetResponseHeader=X-Served-By,routegate
      - RemoveResponseHeader=X-Internal
      - PreserveHostHeader
`, backend.URL))

	req := httptest.NewRequest(http.MethodGet, "http://public.example.com/api/users/42", nil)
	req.Header.Set("Cookie", "session=abc")
	rec := gw.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.URL.Path != "/v2/users/42" {
		t.Errorf("Expected rewritten path /v2/users/42, got %s", got.URL.Path)
	}
	if got.Header.Get("X-Segment") != "users" {
		t.Errorf("Expected X-Segment from path variable, got %q", got.Header.Get("X-Segment"))
	}
	if got.Header.Get("Cookie") != "" {
		t.Error("Expected Cookie to be removed")
	}
	if got.URL.Query().Get("source") != "gateway" {
		t.Errorf("Expected query parameter source=gateway, got %q", got.URL.RawQuery)
	}
	if got.Host != "public.example.com" {
		t.Errorf("Expected preserved host, got %s", got.Host)
	}
	if rec.Header().Get("X-Served-By") != "routegate" {
		t.Error("Expected response header to be set")
	}
	if rec.Header().Get("X-Internal") != "" {
		t.Error("Expected response header to be removed")
	}
}

func TestPipelineHotReloadKeepsServing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Path)
	}))
	defer backend.Close()

	gw := newTestGateway(t, fmt.Sprintf(`
routes:
  - id: user-route
    uri: %s
    predicates:
      - Path=/user/**
`, backend.URL))

	if rec := gw.do(httptest.NewRequest(http.MethodGet, "/orders/1", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before reload, got %d", rec.Code)
	}

	doc, err := route.Parse([]byte(fmt.Sprintf(`
routes:
  - id: order-route
    uri: %s
    predicates:
      - Path=/orders/**
`, backend.URL)))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	gw.table.Update(doc.Routes)

	if rec := gw.do(httptest.NewRequest(http.MethodGet, "/orders/1", nil)); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 after reload, got %d", rec.Code)
	}
	if rec := gw.do(httptest.NewRequest(http.MethodGet, "/user/login", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("Expected removed route to stop matching, got %d", rec.Code)
	}
}
