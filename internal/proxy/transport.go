package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
)

type matchKey struct{}

// WithMatch 将路由匹配结果附加到请求上下文
func WithMatch(r *http.Request, m *router.Match) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), matchKey{}, m))
}

// MatchFrom 从上下文取出匹配结果
func MatchFrom(ctx context.Context) (*router.Match, bool) {
	m, ok := ctx.Value(matchKey{}).(*router.Match)
	return m, ok && m != nil
}

// NewHTTPTransport 按配置创建到后端的基础传输层
func NewHTTPTransport(cfg config.ProxyConfig) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAliveTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// https 后端启用 HTTP/2，并定期 ping 检测失效连接
	if h2, err := http2.ConfigureTransports(transport); err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	} else {
		log.Component("proxy").Warn("failed to configure HTTP/2 transport", log.Error(err))
	}
	return transport
}

// ResilientTransport 在基础传输层之上依次施加重试、熔断和限时
//
// 每次尝试都经过熔断器和限时器；熔断器拒绝时立即停止重试。
type ResilientTransport struct {
	base         http.RoundTripper
	breakers     *circuitbreaker.Registry
	maxRetryBody int64
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewResilientTransport 创建弹性传输层
func NewResilientTransport(base http.RoundTripper, breakers *circuitbreaker.Registry, maxRetryBody int64) *ResilientTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ResilientTransport{
		base:         base,
		breakers:     breakers,
		maxRetryBody: maxRetryBody,
		sleep:        sleepContext,
	}
}

// RoundTrip 实现 http.RoundTripper
func (t *ResilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m, ok := MatchFrom(req.Context())
	if !ok {
		return t.base.RoundTrip(req)
	}

	route := m.Route
	attempts := route.Retry.Attempts(req.Method)

	body, replayable, err := t.bufferBody(req, attempts > 1)
	if err != nil {
		return nil, err
	}
	if !replayable {
		attempts = 1
	}

	var (
		resp    *http.Response
		callErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := t.sleep(req.Context(), route.Retry.Delay(attempt)); err != nil {
				return nil, err
			}
		}

		out := req
		if body != nil {
			out = req.Clone(req.Context())
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
		}

		resp, callErr = t.call(out, route)

		var rejected *circuitbreaker.RejectedError
		if errors.As(callErr, &rejected) {
			return nil, callErr
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if attempt == attempts-1 || req.Context().Err() != nil ||
			!route.Retry.ShouldRetry(req.Method, status, callErr) {
			break
		}

		log.FromContext(req.Context()).Debug("retrying upstream call",
			log.String(log.FieldRouteID, route.ID),
			log.Int("attempt", attempt+1),
			log.Int(log.FieldStatusCode, status),
			log.Error(callErr))
		discardResponse(resp)
	}

	return resp, callErr
}

// call 执行一次经过熔断器和限时器的调用
func (t *ResilientTransport) call(req *http.Request, route *router.CompiledRoute) (*http.Response, error) {
	if t.breakers == nil {
		return t.base.RoundTrip(req)
	}

	name := route.Backend
	cb := t.breakers.Get(name)

	generation, err := cb.Allow()
	if err != nil {
		return nil, &circuitbreaker.RejectedError{Name: name, State: cb.State(), Err: err}
	}

	timeout := t.breakers.Timeout(name, route.Timeout)
	start := time.Now()
	resp, err := circuitbreaker.Limit(req.Context(), name, timeout,
		func(ctx context.Context) (*http.Response, error) {
			return t.base.RoundTrip(req)
		},
		discardResponse,
	)

	if err != nil && req.Context().Err() != nil {
		// 调用方已离开：后端没有给出结果，只归还许可
		cb.Release(generation)
	} else {
		cb.Record(generation, err != nil || IsFailureStatus(resp.StatusCode), time.Since(start))
	}

	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return resp, nil
}

// bufferBody 在需要重试时缓存请求体；超过上限时放弃重试
func (t *ResilientTransport) bufferBody(req *http.Request, retrying bool) ([]byte, bool, error) {
	if !retrying || req.Body == nil || req.Body == http.NoBody {
		return nil, true, nil
	}
	if t.maxRetryBody <= 0 || req.ContentLength > t.maxRetryBody {
		return nil, false, nil
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, t.maxRetryBody+1))
	if err != nil {
		return nil, false, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(data)) > t.maxRetryBody {
		// 超限：拼回已读部分，按单次调用处理
		req.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), req.Body), req.Body}
		return nil, false, nil
	}
	req.Body.Close()
	return data, true, nil
}

// IsFailureStatus 后端返回 5xx 视为失败
func IsFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError
}

func discardResponse(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
