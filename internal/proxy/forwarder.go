package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/songzhibin97/routegate/internal/gateway"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/pkg/log"
)

// ErrBackendFailure 后端返回失败状态且路由要求降级
var ErrBackendFailure = errors.New("backend returned a failure status")

// TraceInjector 将当前链路信息写入转发请求头
type TraceInjector func(ctx context.Context, header http.Header)

// Forwarder 将匹配的请求转发到路由的目标地址
type Forwarder struct {
	proxy    *httputil.ReverseProxy
	breakers *circuitbreaker.Registry
	inject   TraceInjector
	logger   log.Logger
}

// ForwarderOption 转发器选项
type ForwarderOption func(*Forwarder)

// WithTraceInjector 设置链路注入函数
func WithTraceInjector(inject TraceInjector) ForwarderOption {
	return func(f *Forwarder) { f.inject = inject }
}

// WithForwarderLogger 设置日志
func WithForwarderLogger(logger log.Logger) ForwarderOption {
	return func(f *Forwarder) { f.logger = logger }
}

// NewForwarder 创建转发器，transport 负责重试、熔断和限时
func NewForwarder(transport http.RoundTripper, breakers *circuitbreaker.Registry, flushInterval time.Duration, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		breakers: breakers,
		logger:   log.Component("proxy"),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      transport,
		FlushInterval:  flushInterval,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
	}
	return f
}

// ServeHTTP 转发请求，请求上下文中必须带有匹配结果
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := MatchFrom(r.Context()); !ok {
		fail(r, gateway.NewStatusError(http.StatusNotFound, "No route matched"))
		return
	}
	f.proxy.ServeHTTP(w, r)
}

// rewrite 先执行路由的请求过滤器，再指向目标地址
func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	m, _ := MatchFrom(pr.In.Context())
	route := m.Route

	route.ApplyRequest(pr.Out, m.Vars)
	pr.SetURL(route.Target)
	if route.PreserveHost {
		pr.Out.Host = pr.In.Host
	}
	pr.SetXForwarded()

	if f.inject != nil {
		f.inject(pr.Out.Context(), pr.Out.Header)
	}
}

func (f *Forwarder) modifyResponse(resp *http.Response) error {
	m, ok := MatchFrom(resp.Request.Context())
	if !ok {
		return nil
	}
	route := m.Route

	if route.Breaker != nil && route.Breaker.FallbackOnFailure && IsFailureStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %d", ErrBackendFailure, resp.StatusCode)
	}
	route.ApplyResponse(resp.Header, m.Vars)
	return nil
}

// handleError 熔断拒绝或要求降级时直接写降级响应，其余错误交给错误处理阶段
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	m, _ := MatchFrom(r.Context())
	fail(r, err)

	logger := f.logger.WithContext(r.Context())
	fields := []log.Field{log.Error(err)}
	if m != nil {
		fields = append(fields, log.String(log.FieldRouteID, m.Route.ID))
	}

	var rejected *circuitbreaker.RejectedError
	switch {
	case errors.As(err, &rejected):
		logger.Debug("call short-circuited", fields...)
		f.writeFallback(w, rejected.Name)
	case m != nil && m.Route.Breaker != nil && m.Route.Breaker.FallbackOnFailure:
		logger.Warn("backend call failed, serving fallback", fields...)
		f.writeFallback(w, m.Route.Backend)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Debug("client cancelled request", fields...)
	default:
		logger.Warn("backend call failed", fields...)
	}
}

func (f *Forwarder) writeFallback(w http.ResponseWriter, name string) {
	state := circuitbreaker.StateClosed
	message := circuitbreaker.DefaultFallbackMessage(name)
	if f.breakers != nil {
		if cb, ok := f.breakers.Find(name); ok {
			state = cb.State()
		}
		message = f.breakers.FallbackMessage(name)
	}
	circuitbreaker.WriteFallback(w, name, message, state)
}

func fail(r *http.Request, err error) {
	if s := gateway.StateFrom(r.Context()); s != nil {
		s.Fail(err)
	}
}
