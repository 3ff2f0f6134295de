package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/songzhibin97/routegate/pkg/log"
)

// DefaultChannel 默认的 Redis 频道
const DefaultChannel = "routegate:events"

// RedisBus 在本地总线之上通过 Redis pub/sub 在网关实例之间传播事件
//
// 本地发布的事件先同步分发给本地订阅者，再广播到频道；
// 收到其他实例的事件时以 Remote=true 重新在本地发布。
type RedisBus struct {
	local   *LocalBus
	client  redis.UniversalClient
	channel string
	source  string
	logger  log.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBus 创建 Redis 事件总线，source 标识当前实例
func NewRedisBus(local *LocalBus, client redis.UniversalClient, channel, source string) *RedisBus {
	if local == nil {
		local = NewLocalBus()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		local:   local,
		client:  client,
		channel: channel,
		source:  source,
		logger:  log.Component("events.redis"),
	}
}

// Source 返回当前实例标识
func (b *RedisBus) Source() string {
	return b.source
}

// Subscribe 订阅本地总线
func (b *RedisBus) Subscribe(t Type, handler Handler) func() {
	return b.local.Subscribe(t, handler)
}

// Publish 发布事件到本地总线和 Redis 频道
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.Source == "" {
		event.Source = b.source
	}
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}
	if event.Remote {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", b.channel, err)
	}
	return nil
}

// Start 订阅频道，订阅确认后返回
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		return fmt.Errorf("redis event bus already started")
	}

	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.pubsub = ps

	b.wg.Add(1)
	go b.receive(ctx, ps.Channel())

	b.logger.Info("subscribed to event channel", log.String("channel", b.channel))
	return nil
}

func (b *RedisBus) receive(ctx context.Context, ch <-chan *redis.Message) {
	defer b.wg.Done()

	for msg := range ch {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("dropping malformed event", log.Error(err))
			continue
		}
		if event.Source == b.source {
			continue
		}
		event.Remote = true
		if err := b.local.Publish(ctx, event); err != nil {
			b.logger.Warn("failed to dispatch remote event", log.Error(err))
		}
	}
}

// Close 取消订阅并等待接收 goroutine 退出
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	b.wg.Wait()
	return err
}
