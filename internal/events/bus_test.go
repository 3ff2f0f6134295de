package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
)

func TestLocalBusPublishSubscribe(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()

	var got []Event
	unsubscribe := bus.Subscribe(RoutesChanged, func(_ context.Context, e Event) {
		got = append(got, e)
	})
	bus.Subscribe(CircuitStateChanged, func(context.Context, Event) {
		t.Error("Expected circuit handler not to be called")
	})

	if err := bus.Publish(ctx, Event{Type: RoutesChanged, Version: 3}); err != nil {
		t.Fatalf("Publish error = %v", err)
	}
	if len(got) != 1 || got[0].Version != 3 {
		t.Fatalf("Expected one event with version 3, got %+v", got)
	}
	if got[0].Time.IsZero() {
		t.Error("Expected publish time to be set")
	}

	unsubscribe()
	unsubscribe()
	bus.Publish(ctx, Event{Type: RoutesChanged})
	if len(got) != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d events", len(got))
	}
}

func TestLocalBusHandlerPanic(t *testing.T) {
	bus := NewLocalBus()
	called := false
	bus.Subscribe(RoutesChanged, func(context.Context, Event) { panic("boom") })
	bus.Subscribe(RoutesChanged, func(context.Context, Event) { called = true })

	if err := bus.Publish(context.Background(), Event{Type: RoutesChanged}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("Expected later handlers to run after a panic")
	}
}

func TestLocalBusRejectsEmptyType(t *testing.T) {
	if err := NewLocalBus().Publish(context.Background(), Event{}); err == nil {
		t.Error("Expected error for empty event type")
	}
}

func TestRedisBusBroadcast(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBus := func(source string) *RedisBus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		bus := NewRedisBus(NewLocalBus(), client, "test:events", source)
		if err := bus.Start(ctx); err != nil {
			t.Fatalf("Start error = %v", err)
		}
		t.Cleanup(func() { bus.Close() })
		return bus
	}

	a := newBus("node-a")
	b := newBus("node-b")

	var mu sync.Mutex
	var localA []Event
	a.Subscribe(CircuitStateChanged, func(_ context.Context, e Event) {
		mu.Lock()
		localA = append(localA, e)
		mu.Unlock()
	})

	received := make(chan Event, 1)
	b.Subscribe(CircuitStateChanged, func(_ context.Context, e Event) {
		received <- e
	})

	err := a.Publish(ctx, Event{Type: CircuitStateChanged, Breaker: "user-service", From: "CLOSED", To: "OPEN"})
	if err != nil {
		t.Fatalf("Publish error = %v", err)
	}

	select {
	case e := <-received:
		if !e.Remote || e.Source != "node-a" || e.Breaker != "user-service" || e.To != "OPEN" {
			t.Errorf("Unexpected remote event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected event to reach node-b")
	}

	// node-a 忽略自己广播的消息
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(localA) != 1 || localA[0].Remote {
		t.Errorf("Expected a single local delivery on node-a, got %+v", localA)
	}
}

func TestRedisBusStartTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisBus(nil, client, "", "node")
	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	if err := bus.Start(ctx); err == nil {
		t.Error("Expected error on second Start")
	}
}

func TestCircuitPublisherPublishesTransitions(t *testing.T) {
	bus := NewLocalBus()
	var got []Event
	bus.Subscribe(CircuitStateChanged, func(_ context.Context, e Event) {
		got = append(got, e)
	})

	cfg := circuitbreaker.Config{
		SlidingWindowSize:        2,
		MinimumCalls:             2,
		FailureRateThreshold:     50,
		WaitDurationInOpenState:  time.Minute,
		PermittedCallsInHalfOpen: 1,
	}
	publisher := NewCircuitPublisher(bus, "node-a", 0)
	cb := circuitbreaker.New("user-service", cfg.WithDefaults(circuitbreaker.DefaultConfig()))
	cb.OnStateChange(publisher.Listener())

	for i := 0; i < 2; i++ {
		gen, err := cb.Allow()
		if err != nil {
			t.Fatalf("Allow error = %v", err)
		}
		cb.Record(gen, true, time.Millisecond)
	}
	cb.Reset()

	// Close 会先发布完队列中的事件
	publisher.Close()

	if len(got) != 2 {
		t.Fatalf("Expected two transition events, got %d", len(got))
	}
	e := got[0]
	if e.Breaker != "user-service" || e.From != "CLOSED" || e.To != "OPEN" || e.Source != "node-a" {
		t.Errorf("Unexpected event %+v", e)
	}
	if got[1].From != "OPEN" || got[1].To != "CLOSED" {
		t.Errorf("Expected events in transition order, got %+v", got[1])
	}
}

// blockingBus 模拟一个卡住的远端总线
type blockingBus struct {
	release chan struct{}
}

func (b *blockingBus) Publish(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func (b *blockingBus) Subscribe(Type, Handler) func() { return func() {} }

func TestCircuitPublisherDoesNotBlockTransitions(t *testing.T) {
	bus := &blockingBus{release: make(chan struct{})}
	publisher := NewCircuitPublisher(bus, "node-a", 2)
	listener := publisher.Listener()

	start := time.Now()
	for i := 0; i < 10; i++ {
		listener("user-service", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected listener to return without waiting on the bus, took %v", elapsed)
	}
	// 一个事件在发布中，两个在队列里，其余被丢弃
	if dropped := publisher.Dropped(); dropped < 7 {
		t.Errorf("Expected at least 7 dropped events, got %d", dropped)
	}

	close(bus.release)
	publisher.Close()
	listener("user-service", circuitbreaker.StateOpen, circuitbreaker.StateClosed)
}
