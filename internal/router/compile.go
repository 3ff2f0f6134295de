package router

import (
	"net/http"
	"net/url"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
)

// CompiledRoute 编译后的路由，构建后不可变，可被并发读取
type CompiledRoute struct {
	Definition route.Definition
	ID         string
	Target     *url.URL
	Order      int
	Hash       uint64
	// Backend 熔断器和超时配置使用的后端名称
	Backend string
	Timeout time.Duration

	Predicates []Predicate
	Filters    []Filter

	Breaker      *CircuitBreakerFilter
	Retry        *RetryFilter
	RateLimit    *RateLimitFilter
	PreserveHost bool

	requestFilters  []RequestFilter
	responseFilters []ResponseFilter
}

// Compile 编译单个路由定义
func Compile(def route.Definition) (*CompiledRoute, error) {
	if err := route.ValidateURI(def.URI); err != nil {
		return nil, &CompileError{RouteID: def.ID, Component: "uri", Err: err}
	}
	target, _ := url.Parse(def.URI)

	cr := &CompiledRoute{
		Definition: def,
		ID:         def.ID,
		Target:     target,
		Order:      def.Metadata.Order,
		Hash:       def.Hash(),
		Backend:    def.ID,
		Timeout:    def.Metadata.TimeoutDuration(),
	}

	for _, pd := range def.Predicates {
		p, err := CompilePredicate(pd)
		if err != nil {
			return nil, &CompileError{RouteID: def.ID, Component: pd.Name, Err: err}
		}
		cr.Predicates = append(cr.Predicates, p)
	}

	for _, fd := range def.Filters {
		f, err := CompileFilter(fd, def.ID)
		if err != nil {
			return nil, &CompileError{RouteID: def.ID, Component: fd.Name, Err: err}
		}
		cr.Filters = append(cr.Filters, f)

		switch f := f.(type) {
		case *CircuitBreakerFilter:
			cr.Breaker = f
			cr.Backend = f.BreakerName
		case *RetryFilter:
			cr.Retry = f
		case *RateLimitFilter:
			cr.RateLimit = f
		case *PreserveHostHeaderFilter:
			cr.PreserveHost = true
		case RequestFilter:
			cr.requestFilters = append(cr.requestFilters, f)
		case ResponseFilter:
			cr.responseFilters = append(cr.responseFilters, f)
		}
	}

	return cr, nil
}

// matches 所有谓词均成立时返回 true
func (r *CompiledRoute) matches(ex *exchange) bool {
	for _, p := range r.Predicates {
		if !p.test(ex) {
			return false
		}
	}
	return true
}

// ApplyRequest 依次执行请求过滤器
func (r *CompiledRoute) ApplyRequest(out *http.Request, vars map[string]string) {
	for _, f := range r.requestFilters {
		f.ApplyRequest(out, vars)
	}
}

// ApplyResponse 依次执行响应过滤器
func (r *CompiledRoute) ApplyResponse(header http.Header, vars map[string]string) {
	for _, f := range r.responseFilters {
		f.ApplyResponse(header, vars)
	}
}
