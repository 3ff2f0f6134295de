package router

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
)

func mustPredicate(t *testing.T, text string) Predicate {
	t.Helper()
	def, err := route.ParsePredicate(text)
	if err != nil {
		t.Fatalf("ParsePredicate(%q) error = %v", text, err)
	}
	p, err := CompilePredicate(def)
	if err != nil {
		t.Fatalf("CompilePredicate(%q) error = %v", text, err)
	}
	return p
}

func TestPredicates(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		predicate string
		request   func() *http.Request
		want      bool
	}{
		{
			name:      "method match",
			predicate: "Method=GET,POST",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodPost, "/", nil) },
			want:      true,
		},
		{
			name:      "method lowercase config",
			predicate: "Method=get",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			want:      true,
		},
		{
			name:      "method mismatch",
			predicate: "Method=GET",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodDelete, "/", nil) },
		},
		{
			name:      "header regexp",
			predicate: `Header=X-Request-Id, \d+`,
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("X-Request-Id", "123")
				return r
			},
			want: true,
		},
		{
			name:      "header regexp is anchored",
			predicate: `Header=X-Request-Id, \d+`,
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("X-Request-Id", "12a")
				return r
			},
		},
		{
			name:      "header presence",
			predicate: "Header=X-Debug",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("x-debug", "")
				return r
			},
			want: true,
		},
		{
			name:      "query presence",
			predicate: "Query=green",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/?green", nil) },
			want:      true,
		},
		{
			name:      "query regexp",
			predicate: "Query=color, gr.+",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/?color=blue&color=green", nil) },
			want:      true,
		},
		{
			name:      "query missing",
			predicate: "Query=color, gr.+",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/?colour=green", nil) },
		},
		{
			name:      "host single label wildcard",
			predicate: "Host=*.example.com",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Host = "API.example.com:8080"
				return r
			},
			want: true,
		},
		{
			name:      "host single label rejects nested",
			predicate: "Host=*.example.com",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Host = "a.b.example.com"
				return r
			},
		},
		{
			name:      "host multi label wildcard",
			predicate: "Host=**.example.com,example.org",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Host = "a.b.example.com"
				return r
			},
			want: true,
		},
		{
			name:      "host variable",
			predicate: "Host={sub}.example.com",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Host = "shop.example.com"
				return r
			},
			want: true,
		},
		{
			name:      "cookie regexp",
			predicate: "Cookie=session, ch.p",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.AddCookie(&http.Cookie{Name: "session", Value: "chip"})
				return r
			},
			want: true,
		},
		{
			name:      "cookie missing",
			predicate: "Cookie=session, ch.p",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
		},
		{
			name:      "after",
			predicate: "After=2024-01-01T00:00:00Z",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			want:      true,
		},
		{
			name:      "before with zone suffix",
			predicate: "Before=2024-01-01T00:00:00+08:00[Asia/Shanghai]",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
		},
		{
			name:      "between epoch millis",
			predicate: "Between=1704067200000, 1735689600000",
			request:   func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			want:      true,
		},
		{
			name:      "remote addr cidr",
			predicate: "RemoteAddr=192.168.1.0/24,10.0.0.1",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.RemoteAddr = "192.168.1.7:5555"
				return r
			},
			want: true,
		},
		{
			name:      "remote addr single ip",
			predicate: "RemoteAddr=192.168.1.0/24,10.0.0.1",
			request: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.RemoteAddr = "10.0.0.2:5555"
				return r
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPredicate(t, tt.predicate)
			got := p.test(&exchange{req: tt.request(), now: now})
			if got != tt.want {
				t.Errorf("%s: expected %v, got %v", tt.predicate, tt.want, got)
			}
		})
	}
}

func TestPathPredicateCapturesVars(t *testing.T) {
	p := mustPredicate(t, "Path=/orders/{id},/users/{id}")
	ex := &exchange{req: httptest.NewRequest(http.MethodGet, "/users/42", nil)}

	if !p.test(ex) {
		t.Fatal("Expected path to match")
	}
	if ex.vars["id"] != "42" {
		t.Errorf("Expected id=42, got %v", ex.vars)
	}
}

func TestCompilePredicateErrors(t *testing.T) {
	tests := []struct {
		def  route.PredicateDefinition
		want error
	}{
		{route.PredicateDefinition{Name: route.PredicatePath}, ErrInvalidArgument},
		{route.PredicateDefinition{Name: route.PredicatePath, Args: map[string]string{"patterns": "/a/{}"}}, ErrInvalidPattern},
		{route.PredicateDefinition{Name: route.PredicateHeader, Args: map[string]string{"header": "X", "regexp": "("}}, ErrInvalidArgument},
		{route.PredicateDefinition{Name: route.PredicateAfter, Args: map[string]string{"datetime": "yesterday"}}, ErrInvalidArgument},
		{route.PredicateDefinition{Name: route.PredicateBetween, Args: map[string]string{"datetime1": "1735689600000", "datetime2": "1704067200000"}}, ErrInvalidArgument},
		{route.PredicateDefinition{Name: route.PredicateRemoteAddr, Args: map[string]string{"sources": "not-an-ip"}}, ErrInvalidArgument},
		{route.PredicateDefinition{Name: "Weight"}, ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.def.Name, func(t *testing.T) {
			if _, err := CompilePredicate(tt.def); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
