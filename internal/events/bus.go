package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/routegate/internal/route"
	"github.com/songzhibin97/routegate/pkg/log"
)

// Type 事件类型
type Type string

const (
	// RoutesChanged 新的路由配置已通过校验
	RoutesChanged Type = "routes_changed"
	// CircuitStateChanged 熔断器状态变化
	CircuitStateChanged Type = "circuit_state_changed"
)

// Event 网关内部事件
type Event struct {
	Type    Type      `json:"type"`
	Source  string    `json:"source"`
	Version uint64    `json:"version,omitempty"`
	Hash    uint64    `json:"hash,omitempty"`
	Breaker string    `json:"breaker,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Time    time.Time `json:"time"`

	// Remote 事件来自其他网关实例
	Remote bool `json:"-"`
	// Document 本地发布的路由事件携带完整配置，不跨实例传输
	Document *route.Document `json:"-"`
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event Event)

// Bus 事件总线
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(t Type, handler Handler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	handler Handler
}

// LocalBus 进程内事件总线，处理函数在发布方的 goroutine 中依次同步执行
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	nextID uint64
	logger log.Logger
}

// NewLocalBus 创建进程内事件总线
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs:   make(map[Type][]subscription),
		logger: log.Component("events"),
	}
}

// Subscribe 订阅事件，返回取消订阅函数
func (b *LocalBus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[t]
			for i, s := range subs {
				if s.id == id {
					b.subs[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish 发布事件，处理函数的 panic 被记录后忽略
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[event.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(ctx, s.handler, event)
	}
	return nil
}

func (b *LocalBus) dispatch(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				log.String("type", string(event.Type)),
				log.Any("panic", r))
		}
	}()
	handler(ctx, event)
}
