package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// State 单个请求在过滤器链中共享的状态
//
// 内层阶段记录路由和错误，外层阶段在调用返回后读取。
type State struct {
	mu        sync.Mutex
	requestID string
	routeID   string
	backend   string
	err       error
	start     time.Time
}

type stateKey struct{}

// WithState 为请求附加新的状态
func WithState(r *http.Request) (*http.Request, *State) {
	s := &State{start: time.Now()}
	return r.WithContext(context.WithValue(r.Context(), stateKey{}, s)), s
}

// EnsureState 返回已有状态，不存在时创建
func EnsureState(r *http.Request) (*http.Request, *State) {
	if s := StateFrom(r.Context()); s != nil {
		return r, s
	}
	return WithState(r)
}

// StateFrom 从上下文获取状态，可能为 nil
func StateFrom(ctx context.Context) *State {
	s, _ := ctx.Value(stateKey{}).(*State)
	return s
}

// SetRequestID 记录请求 ID
func (s *State) SetRequestID(id string) {
	s.mu.Lock()
	s.requestID = id
	s.mu.Unlock()
}

// RequestID 返回请求 ID
func (s *State) RequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// SetRoute 记录命中的路由及其后端名称
func (s *State) SetRoute(routeID, backend string) {
	s.mu.Lock()
	s.routeID = routeID
	s.backend = backend
	s.mu.Unlock()
}

// RouteID 返回命中的路由 ID
func (s *State) RouteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeID
}

// Backend 返回命中的后端名称
func (s *State) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// Fail 记录请求失败的原因，保留第一个错误
func (s *State) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err 返回记录的错误
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Elapsed 返回自请求进入以来的耗时
func (s *State) Elapsed() time.Duration {
	return time.Since(s.start)
}
