package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/marlin/internal/schema"
)

func TestUpdateStreamDeliversToAllSubscribers(t *testing.T) {
	s := NewUpdateStream()
	defer s.Close()

	var a, b atomic.Int64
	s.Subscribe(func(schema.EngineUpdate) { a.Add(1) })
	s.Subscribe(func(schema.EngineUpdate) { b.Add(1) })

	s.Publish(schema.EngineUpdate{Symbol: "ETHUSDT"})

	deadline := time.Now().Add(time.Second)
	for a.Load() == 0 || b.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("deliveries a=%d b=%d, want both > 0", a.Load(), b.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUpdateStreamPanickingObserverIsolated(t *testing.T) {
	s := NewUpdateStream()
	defer s.Close()

	s.Subscribe(func(schema.EngineUpdate) { panic("observer bug") })
	var healthy atomic.Int64
	s.Subscribe(func(schema.EngineUpdate) { healthy.Add(1) })

	for i := 0; i < 3; i++ {
		s.Publish(schema.EngineUpdate{Symbol: "ETHUSDT"})
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	for healthy.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("healthy observer starved by panicking peer")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUpdateStreamLastValueWins(t *testing.T) {
	s := NewUpdateStream()

	block := make(chan struct{})
	var last atomic.Value
	s.Subscribe(func(u schema.EngineUpdate) {
		<-block
		last.Store(u.Symbol)
	})

	// Flood while the observer is stuck; only the newest survives.
	s.Publish(schema.EngineUpdate{Symbol: "one"})
	s.Publish(schema.EngineUpdate{Symbol: "two"})
	s.Publish(schema.EngineUpdate{Symbol: "three"})
	close(block)
	s.Close()

	if got := last.Load(); got != "three" {
		t.Fatalf("last delivered = %v, want three", got)
	}
}

func TestUpdateStreamUnsubscribe(t *testing.T) {
	s := NewUpdateStream()
	defer s.Close()

	var n atomic.Int64
	cancel := s.Subscribe(func(schema.EngineUpdate) { n.Add(1) })
	cancel()
	s.Publish(schema.EngineUpdate{Symbol: "ETHUSDT"})
	time.Sleep(20 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatalf("deliveries after unsubscribe = %d, want 0", n.Load())
	}
}
