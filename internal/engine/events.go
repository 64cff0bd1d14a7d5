package engine

import (
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/marlin/internal/observability"
	"github.com/coachpo/marlin/internal/schema"
)

// UpdateStream fans engine snapshots out to observers with last-value-wins
// delivery. Each subscriber runs on its own goroutine behind a one-slot
// mailbox: a slow or panicking observer only loses intermediate snapshots
// and can never stall the publishing tick or its peers.
type UpdateStream struct {
	mu     sync.Mutex
	subs   map[int]chan schema.EngineUpdate
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewUpdateStream returns an empty stream.
func NewUpdateStream() *UpdateStream {
	return &UpdateStream{subs: make(map[int]chan schema.EngineUpdate)}
}

// Subscribe registers fn to receive snapshots until the returned cancel
// function runs or the stream closes.
func (s *UpdateStream) Subscribe(fn func(schema.EngineUpdate)) func() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	ch := make(chan schema.EngineUpdate, 1)
	s.subs[id] = ch
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for update := range ch {
			var catcher panics.Catcher
			u := update
			catcher.Try(func() { fn(u) })
			if recovered := catcher.Recovered(); recovered != nil {
				observability.Log().Error("engine update observer panicked",
					observability.F("panic", recovered.String()))
			}
		}
	}()

	return func() {
		s.mu.Lock()
		if ch, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// Publish offers the snapshot to every subscriber, replacing any snapshot
// they have not consumed yet.
func (s *UpdateStream) Publish(update schema.EngineUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// Close detaches all subscribers and waits for their goroutines to drain.
func (s *UpdateStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
