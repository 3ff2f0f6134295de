package proxy

import (
	"math"
	"net/http"
	"strconv"

	"github.com/songzhibin97/routegate/internal/gateway"
	"github.com/songzhibin97/routegate/internal/ratelimit"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
)

// Dispatcher 是过滤器链最内层的处理器：匹配路由、限流后交给转发器
type Dispatcher struct {
	table     *router.Table
	limiters  *ratelimit.Stores
	proxies   *router.TrustedProxies
	forwarder http.Handler
	logger    log.Logger
}

// NewDispatcher 创建分发器，limiters 为 nil 时忽略限流过滤器；
// proxies 为 nil 时按直连地址限流
func NewDispatcher(table *router.Table, limiters *ratelimit.Stores, proxies *router.TrustedProxies, forwarder http.Handler) *Dispatcher {
	return &Dispatcher{
		table:     table,
		limiters:  limiters,
		proxies:   proxies,
		forwarder: forwarder,
		logger:    log.Component("dispatcher"),
	}
}

// ServeHTTP 实现 http.Handler
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r, state := gateway.EnsureState(r)

	m, ok := d.table.Match(r)
	if !ok {
		state.Fail(gateway.NewStatusError(http.StatusNotFound, "No route matched"))
		return
	}
	state.SetRoute(m.Route.ID, m.Route.Backend)

	if !d.allow(w, r, m.Route) {
		state.Fail(gateway.NewStatusError(http.StatusTooManyRequests, "Too many requests"))
		return
	}

	d.forwarder.ServeHTTP(w, WithMatch(r, m))
}

// allow 执行路由的限流过滤器；限流存储故障时放行
func (d *Dispatcher) allow(w http.ResponseWriter, r *http.Request, route *router.CompiledRoute) bool {
	rl := route.RateLimit
	if rl == nil || d.limiters == nil {
		return true
	}

	decision, err := d.limiters.For(rl.Store).Allow(r.Context(), rl.KeyFor(r, route.ID, d.proxies.ClientIP(r)), rl.ReplenishRate, rl.BurstCapacity)
	if err != nil {
		d.logger.WithContext(r.Context()).Warn("rate limiter unavailable, allowing request",
			log.String(log.FieldRouteID, route.ID),
			log.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if decision.Allowed {
		return true
	}
	if decision.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
	}
	return false
}
