// internal/events/bus.go
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// Message is the envelope for an event transmitted over the Bus.
type Message struct {
	ID    string
	Event schemas.Event
}

// Bus fans run events out to subscribers. Each delivered message must be
// acknowledged so Shutdown can wait for consumers to finish.
type Bus struct {
	logger *zap.Logger

	subscribers map[schemas.EventType][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// messages delivered but not yet acknowledged.
	processingWg sync.WaitGroup
	// Post calls in progress.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// AllTypes lists every event type, for subscribers that want the full stream.
var AllTypes = []schemas.EventType{
	schemas.EventLog,
	schemas.EventResult,
	schemas.EventOptimization,
	schemas.EventError,
	schemas.EventDone,
}

// NewBus initializes the Bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}

	return &Bus{
		logger:       logger.Named("event_bus"),
		subscribers:  make(map[schemas.EventType][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post sends an event onto the bus. Blocks if subscriber buffers are full.
func (b *Bus) Post(ctx context.Context, ev schemas.Event) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post event: bus is shut down")
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{ID: uuid.New().String(), Event: ev}

	b.mu.RLock()
	subscribers, ok := b.subscribers[ev.Type]
	if !ok || len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	subsCopy := make([]chan Message, len(subscribers))
	copy(subsCopy, subscribers)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return fmt.Errorf("failed to post event: bus is shutting down")
		}
	}
	return nil
}

// Emit implements Emitter. Delivery failures are logged, never returned, so a
// slow or departed consumer cannot fail a run.
func (b *Bus) Emit(ctx context.Context, ev schemas.Event) {
	if err := b.Post(ctx, ev); err != nil {
		b.logger.Debug("Event not delivered", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Subscribe returns a channel for the given event types and a function that
// detaches it. The channel is closed by Shutdown, not by unsubscribe.
func (b *Bus) Subscribe(types ...schemas.EventType) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closedCh := make(chan Message)
		close(closedCh)
		return closedCh, func() {}
	}

	if len(types) == 0 {
		panic("must subscribe to at least one event type")
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := make([]schemas.EventType, len(types))
	copy(subscribed, types)

	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range subscribed {
			subs, exists := b.subscribers[t]
			if !exists {
				continue
			}
			for i, subscriberCh := range subs {
				if subscriberCh == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[t] = subs[:len(subs)-1]
					if len(b.subscribers[t]) == 0 {
						delete(b.subscribers, t)
					}
					break
				}
			}
		}
	}

	return ch, unsubscribe
}

// Acknowledge signals that a message has been processed by a consumer.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Shutdown stops accepting events, closes subscriber channels and waits for
// delivered messages to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Debug("Shutting down event bus...")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		// No Post can be sending now, so closing is safe.
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[schemas.EventType][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered events during shutdown.", zap.Int("count", drained))
		}

		b.processingWg.Wait()
		b.logger.Debug("Event bus shut down.")
	})
}
