package router

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/songzhibin97/routegate/internal/route"
)

func definition(id, uri string, order int, predicates ...string) route.Definition {
	def := route.Definition{
		ID:       id,
		URI:      uri,
		Metadata: route.Metadata{Enabled: route.BoolPtr(true), Order: order},
	}
	for _, p := range predicates {
		pd, err := route.ParsePredicate(p)
		if err != nil {
			panic(err)
		}
		def.Predicates = append(def.Predicates, pd)
	}
	return def
}

func TestTableMatchUserRoute(t *testing.T) {
	table := NewTable()
	table.Update([]route.Definition{
		definition("user-route", "http://svc:8081", 1, "Path=/user/**"),
	})

	m, ok := table.Match(httptest.NewRequest(http.MethodGet, "/user/login", nil))
	if !ok {
		t.Fatal("Expected /user/login to match")
	}
	if m.Route.ID != "user-route" {
		t.Errorf("Expected user-route, got %s", m.Route.ID)
	}
	if m.Route.Target.String() != "http://svc:8081" {
		t.Errorf("Expected target http://svc:8081, got %s", m.Route.Target)
	}
}

func TestTableNoMatch(t *testing.T) {
	table := NewTable()
	table.Update([]route.Definition{
		definition("user-route", "http://svc:8081", 1, "Path=/user/**"),
	})

	if _, ok := table.Match(httptest.NewRequest(http.MethodGet, "/unknown/path", nil)); ok {
		t.Error("Expected no match for /unknown/path")
	}
}

func TestTableLowestOrderWins(t *testing.T) {
	table := NewTable()
	table.Update([]route.Definition{
		definition("second", "http://b:80", 2, "Path=/api/**"),
		definition("first", "http://a:80", 1, "Path=/api/**"),
	})

	m, ok := table.Match(httptest.NewRequest(http.MethodGet, "/api/items", nil))
	if !ok || m.Route.ID != "first" {
		t.Fatalf("Expected order=1 route to win, got %+v", m)
	}

	routes := table.Routes()
	if routes[0].ID != "first" || routes[1].ID != "second" {
		t.Errorf("Expected routes sorted by order, got %s, %s", routes[0].ID, routes[1].ID)
	}
}

func TestTableTiesKeepDeclarationOrder(t *testing.T) {
	table := NewTable()
	table.Update([]route.Definition{
		definition("b", "http://b:80", 0, "Path=/**"),
		definition("a", "http://a:80", 0, "Path=/**"),
		definition("c", "http://c:80", 0, "Path=/**"),
	})

	var ids []string
	for _, r := range table.Routes() {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[b a c]" {
		t.Errorf("Expected [b a c], got %v", ids)
	}
}

func TestTableDisabledNeverMatches(t *testing.T) {
	disabled := definition("disabled", "http://a:80", 0, "Path=/api/**")
	disabled.Metadata.Enabled = route.BoolPtr(false)

	table := NewTable()
	snap := table.Update([]route.Definition{
		disabled,
		definition("enabled", "http://b:80", 5, "Path=/api/**"),
	})

	m, ok := table.Match(httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if !ok || m.Route.ID != "enabled" {
		t.Fatalf("Expected enabled route, got %+v", m)
	}
	if _, ok := snap.Route("disabled"); ok {
		t.Error("Expected disabled route to be absent from the snapshot")
	}
}

func TestTableUpdateUnchangedKeepsSnapshot(t *testing.T) {
	defs := []route.Definition{
		definition("a", "http://a:80", 1, "Path=/a/**"),
		definition("b", "http://b:80", 2, "Path=/b/**"),
	}

	table := NewTable()
	first := table.Update(defs)

	again := []route.Definition{
		definition("a", "http://a:80", 1, "Path=/a/**"),
		definition("b", "http://b:80", 2, "Path=/b/**"),
	}
	second := table.Update(again)

	if first != second {
		t.Error("Expected identical snapshot for unchanged configuration")
	}
	if second.Version != 1 {
		t.Errorf("Expected version 1, got %d", second.Version)
	}
}

func TestTableReusesUnchangedRoutes(t *testing.T) {
	table := NewTable()
	first := table.Update([]route.Definition{
		definition("a", "http://a:80", 1, "Path=/a/**"),
		definition("b", "http://b:80", 2, "Path=/b/**"),
	})

	second := table.Update([]route.Definition{
		definition("a", "http://a:80", 1, "Path=/a/**"),
		definition("b", "http://b:80", 3, "Path=/b/**"),
	})

	if first == second {
		t.Fatal("Expected a new snapshot after change")
	}
	if second.Version <= first.Version {
		t.Errorf("Expected increasing version, got %d then %d", first.Version, second.Version)
	}

	a1, _ := first.Route("a")
	a2, _ := second.Route("a")
	if a1 != a2 {
		t.Error("Expected unchanged route to reuse its compiled artifact")
	}
	b1, _ := first.Route("b")
	b2, _ := second.Route("b")
	if b1 == b2 || b2.Order != 3 {
		t.Error("Expected changed route to be recompiled")
	}
}

func TestTableExcludesRoutesThatFailToCompile(t *testing.T) {
	bad := definition("bad", "http://a:80", 0, "Path=/api/**", "After=not-a-date")

	table := NewTable()
	snap := table.Update([]route.Definition{
		bad,
		definition("good", "http://b:80", 1, "Path=/api/**"),
	})

	if snap.Len() != 1 {
		t.Fatalf("Expected 1 route, got %d", snap.Len())
	}
	if len(snap.Excluded) != 1 || snap.Excluded[0].RouteID != "bad" {
		t.Fatalf("Expected bad route excluded, got %+v", snap.Excluded)
	}
	if !errors.Is(snap.Excluded[0], ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", snap.Excluded[0])
	}

	m, ok := table.Match(httptest.NewRequest(http.MethodGet, "/api/x", nil))
	if !ok || m.Route.ID != "good" {
		t.Errorf("Expected good route, got %+v", m)
	}
}

func TestTableCompiledFilters(t *testing.T) {
	def := definition("user-route", "http://svc:8081", 1, "Path=/user/**")
	for _, text := range []string{"CircuitBreaker=user-service", "Retry=2", "PreserveHostHeader", "StripPrefix=1"} {
		fd, err := route.ParseFilter(text)
		if err != nil {
			t.Fatal(err)
		}
		def.Filters = append(def.Filters, fd)
	}
	def.Metadata.Timeout = 2500

	table := NewTable()
	snap := table.Update([]route.Definition{def})
	cr, ok := snap.Route("user-route")
	if !ok {
		t.Fatal("Expected compiled route")
	}
	if cr.Backend != "user-service" || cr.Breaker == nil {
		t.Errorf("Expected breaker backend user-service, got %q", cr.Backend)
	}
	if cr.Retry == nil || cr.Retry.Retries != 2 {
		t.Errorf("Expected retry filter, got %+v", cr.Retry)
	}
	if !cr.PreserveHost {
		t.Error("Expected PreserveHost")
	}
	if cr.Timeout.Milliseconds() != 2500 {
		t.Errorf("Expected timeout 2500ms, got %v", cr.Timeout)
	}
	if len(cr.Filters) != 4 {
		t.Errorf("Expected 4 filters, got %d", len(cr.Filters))
	}

	req := httptest.NewRequest(http.MethodGet, "/user/login", nil)
	cr.ApplyRequest(req, nil)
	if req.URL.Path != "/login" {
		t.Errorf("Expected /login, got %s", req.URL.Path)
	}
}

// 随机路由集合上，Match 总是返回满足谓词的路由中 order 最小且声明最早的那个
func TestTableMatchLowestOrderProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	patterns := []string{"/**", "/api/**", "/api/users/*", "/api/users/{id}", "/static/**", "/api/orders/**"}
	paths := []string{"/", "/api/users/7", "/api/orders/1/items", "/static/app.js", "/other", "/api"}

	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(8)
		defs := make([]route.Definition, n)
		for i := range defs {
			defs[i] = definition(fmt.Sprintf("r%d", i), "http://svc:80", rng.Intn(4),
				"Path="+patterns[rng.Intn(len(patterns))])
			if rng.Intn(4) == 0 {
				defs[i].Metadata.Enabled = route.BoolPtr(false)
			}
		}

		table := NewTable()
		table.Update(defs)

		for _, p := range paths {
			want := -1
			for i, def := range defs {
				if !def.Enabled() {
					continue
				}
				pattern, _ := CompilePathPattern(def.Predicates[0].Arg("patterns"))
				if _, ok := pattern.Match(p); !ok {
					continue
				}
				if want == -1 || def.Metadata.Order < defs[want].Metadata.Order {
					want = i
				}
			}

			m, ok := table.Match(httptest.NewRequest(http.MethodGet, p, nil))
			if want == -1 {
				if ok {
					t.Fatalf("round %d path %s: expected no match, got %s", round, p, m.Route.ID)
				}
				continue
			}
			if !ok || m.Route.ID != defs[want].ID {
				t.Fatalf("round %d path %s: expected %s, got %+v", round, p, defs[want].ID, m)
			}
		}
	}
}

func TestTableConcurrentReadsDuringUpdates(t *testing.T) {
	table := NewTable()
	table.Update([]route.Definition{definition("a", "http://a:80", 1, "Path=/a/**")})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := table.Snapshot()
				if _, ok := snap.MatchAt(httptest.NewRequest(http.MethodGet, "/a/x", nil), snap.BuiltAt); !ok {
					t.Error("Expected /a/x to match in every snapshot")
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		table.Update([]route.Definition{
			definition("a", "http://a:80", 1, "Path=/a/**"),
			definition(fmt.Sprintf("extra-%d", i), "http://b:80", 2, "Path=/b/**"),
		})
	}
	close(stop)
	wg.Wait()
}
