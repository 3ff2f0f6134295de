package controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/refresh"
	"github.com/songzhibin97/routegate/internal/route"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

type handler struct {
	table     *router.Table
	breakers  *circuitbreaker.Registry
	refresher Refresher
	logger    log.Logger
	started   time.Time
}

func (h *handler) register(engine *gin.Engine, provider metrics.Provider) {
	actuator := engine.Group("/actuator")
	{
		actuator.GET("/health", h.health)

		actuator.GET("/circuitbreakers", h.listBreakers)
		actuator.GET("/circuitbreakers/:name", h.getBreaker)
		actuator.POST("/circuitbreakers/:name/reset", h.resetBreaker)

		actuator.POST("/refresh", h.refresh)
		actuator.GET("/refresh/history", h.refreshHistory)
		actuator.POST("/refresh/rollback/:version", h.rollback)

		actuator.GET("/routes", h.listRoutes)
		actuator.GET("/routes/:id", h.getRoute)

		if provider != nil {
			actuator.GET("/metrics", gin.WrapH(provider.Handler()))
		}
	}

	engine.Any("/fallback/:name", h.fallback)
}

// routeView 路由的对外展示形式
type routeView struct {
	ID         string                      `json:"id"`
	URI        string                      `json:"uri"`
	Order      int                         `json:"order"`
	Backend    string                      `json:"backend"`
	TimeoutMs  int64                       `json:"timeout_ms"`
	Predicates []route.PredicateDefinition `json:"predicates"`
	Filters    []route.FilterDefinition    `json:"filters,omitempty"`
}

type excludedView struct {
	RouteID   string `json:"route_id"`
	Component string `json:"component,omitempty"`
	Error     string `json:"error"`
}

func newRouteView(r *router.CompiledRoute) routeView {
	return routeView{
		ID:         r.ID,
		URI:        r.Target.String(),
		Order:      r.Order,
		Backend:    r.Backend,
		TimeoutMs:  r.Timeout.Milliseconds(),
		Predicates: r.Definition.Predicates,
		Filters:    r.Definition.Filters,
	}
}

func (h *handler) health(c *gin.Context) {
	check := h.breakers.HealthCheck()

	code := http.StatusOK
	if check.Status != "UP" {
		code = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":           check.Status,
		"circuit_breakers": check.Breakers,
		"routes":           h.refresher.EnabledRouteCount(),
		"config_version":   h.refresher.Version(),
		"uptime_seconds":   int64(time.Since(h.started).Seconds()),
	}
	if last := h.refresher.LastRefresh(); !last.IsZero() {
		body["last_refresh"] = last.UTC()
	}
	c.JSON(code, body)
}

func (h *handler) listBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuit_breakers": h.breakers.List()})
}

func (h *handler) getBreaker(c *gin.Context) {
	cb, ok := h.breakers.Find(c.Param("name"))
	if !ok {
		notFound(c, "circuit breaker not found")
		return
	}
	c.JSON(http.StatusOK, cb.Metrics())
}

func (h *handler) resetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := h.breakers.Reset(name); err != nil {
		if errors.Is(err, circuitbreaker.ErrNotFound) {
			notFound(c, "circuit breaker not found")
			return
		}
		internalError(c, err)
		return
	}

	h.logger.Info("circuit breaker reset", log.String(log.FieldCircuitBreaker, name))
	cb, _ := h.breakers.Find(name)
	c.JSON(http.StatusOK, cb.Metrics())
}

func (h *handler) refresh(c *gin.Context) {
	if err := h.refresher.Refresh(c.Request.Context()); err != nil {
		var rerr *refresh.RefreshError
		if errors.As(err, &rerr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"status":  "error",
				"stage":   rerr.Stage,
				"message": rerr.Err.Error(),
			})
			return
		}
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"config_version": h.refresher.Version(),
		"routes":         h.refresher.EnabledRouteCount(),
	})
}

func (h *handler) refreshHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config_version": h.refresher.Version(),
		"history":        h.refresher.History(),
	})
}

func (h *handler) rollback(c *gin.Context) {
	version, err := strconv.ParseUint(c.Param("version"), 10, 64)
	if err != nil || version == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid version"})
		return
	}

	if err := h.refresher.Rollback(c.Request.Context(), version); err != nil {
		if errors.Is(err, refresh.ErrVersionNotFound) {
			notFound(c, err.Error())
			return
		}
		internalError(c, err)
		return
	}

	h.logger.Info("route configuration rolled back",
		log.Uint64("target_version", version),
		log.Uint64(log.FieldRouteVersion, h.refresher.Version()))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "config_version": h.refresher.Version()})
}

func (h *handler) listRoutes(c *gin.Context) {
	snap := h.table.Snapshot()

	routes := make([]routeView, 0, snap.Len())
	for _, r := range snap.Routes {
		routes = append(routes, newRouteView(r))
	}
	excluded := make([]excludedView, 0, len(snap.Excluded))
	for _, e := range snap.Excluded {
		excluded = append(excluded, excludedView{RouteID: e.RouteID, Component: e.Component, Error: e.Err.Error()})
	}

	c.JSON(http.StatusOK, gin.H{
		"version":  snap.Version,
		"hash":     strconv.FormatUint(snap.Hash, 16),
		"routes":   routes,
		"excluded": excluded,
	})
}

func (h *handler) getRoute(c *gin.Context) {
	r, ok := h.table.Snapshot().Route(c.Param("id"))
	if !ok {
		notFound(c, "route not found")
		return
	}
	c.JSON(http.StatusOK, newRouteView(r))
}

// fallback 供外部网关或测试直接调用的降级响应
func (h *handler) fallback(c *gin.Context) {
	name := c.Param("name")
	state := circuitbreaker.StateClosed
	if cb, ok := h.breakers.Find(name); ok {
		state = cb.State()
	}
	circuitbreaker.WriteFallback(c.Writer, name, h.breakers.FallbackMessage(name), state)
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": message})
}

func internalError(c *gin.Context, err error) {
	log.FromContext(c.Request.Context()).Error("admin request failed", log.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Internal server error"})
}
