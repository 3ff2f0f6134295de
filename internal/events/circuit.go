package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/pkg/log"
)

const (
	// publishTimeout 单次发布的上限，Redis 故障时不会卡住发布协程
	publishTimeout = time.Second
	// defaultCircuitBuffer 待发布状态变化的队列长度
	defaultCircuitBuffer = 256
)

// CircuitPublisher 将熔断器状态变化异步发布到事件总线
//
// 监听器只把事件放入缓冲队列，由单个后台协程按顺序发布；
// 队列满时丢弃事件并计数，请求路径不会等待网络。
type CircuitPublisher struct {
	bus     Bus
	source  string
	queue   chan Event
	dropped atomic.Int64
	logger  log.Logger

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewCircuitPublisher 创建发布器并启动后台协程，buffer 非正时使用默认值
func NewCircuitPublisher(bus Bus, source string, buffer int) *CircuitPublisher {
	if buffer <= 0 {
		buffer = defaultCircuitBuffer
	}
	p := &CircuitPublisher{
		bus:     bus,
		source:  source,
		queue:   make(chan Event, buffer),
		logger:  log.Component("events"),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

// Listener 返回注册到熔断器上的状态监听器
func (p *CircuitPublisher) Listener() circuitbreaker.StateListener {
	return func(name string, from, to circuitbreaker.State) {
		event := Event{
			Type:    CircuitStateChanged,
			Source:  p.source,
			Breaker: name,
			From:    from.String(),
			To:      to.String(),
			Time:    time.Now(),
		}
		select {
		case <-p.done:
			return
		default:
		}
		select {
		case p.queue <- event:
		default:
			p.dropped.Add(1)
			p.logger.Warn("circuit state change dropped, publish queue full",
				log.String(log.FieldCircuitBreaker, name),
				log.String("to", event.To))
		}
	}
}

// Dropped 返回因队列满而丢弃的事件数
func (p *CircuitPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close 发布完已入队的事件后停止后台协程
func (p *CircuitPublisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	<-p.stopped
}

func (p *CircuitPublisher) run() {
	defer close(p.stopped)
	for {
		select {
		case event := <-p.queue:
			p.publish(event)
		case <-p.done:
			for {
				select {
				case event := <-p.queue:
					p.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (p *CircuitPublisher) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish circuit state change",
			log.String(log.FieldCircuitBreaker, event.Breaker),
			log.Error(err))
	}
}
