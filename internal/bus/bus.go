// Package bus is the ordered-per-tile publish/subscribe substrate between
// the click coordinator and its consumers. The production implementation
// rides NATS JetStream; Memory serves tests and single-process runs.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

// ErrUnavailable reports that the bus could not accept or serve the request.
var ErrUnavailable = errors.New("event bus unavailable")

// Bus publishes ownership updates at-least-once and delivers them to each
// subscriber in per-tile FIFO order. Publishers never block on a slow
// subscriber: the slowest subscriber is dropped and signalled instead.
type Bus interface {
	// Publish emits one update. Duplicates are tolerated downstream.
	Publish(ctx context.Context, update clickpb.UpdateNotification) error

	// Subscribe opens a live subscription. With no tile ids the subscription
	// covers every tile; otherwise only the listed tiles. The subscription
	// lives until Unsubscribe or until the bus drops it for falling behind.
	Subscribe(ctx context.Context, tileIDs ...int32) (Subscription, error)
}

// Subscription is a drain-once update stream.
type Subscription interface {
	// Updates yields notifications in publish order per tile. After a drop
	// or Unsubscribe no further updates arrive; the channel may be closed.
	Updates() <-chan clickpb.UpdateNotification

	// Dropped is closed when the bus disconnected this subscriber for
	// lagging. Resubscribing is the recovery path.
	Dropped() <-chan struct{}

	Unsubscribe()
}

const subscriberBuffer = 1024

// Memory is an in-process Bus.
type Memory struct {
	mu     sync.Mutex
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	bus     *Memory
	id      int
	tiles   map[int32]struct{}
	updates chan clickpb.UpdateNotification
	dropped chan struct{}
	once    sync.Once
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*memorySub)}
}

func (m *Memory) Publish(_ context.Context, update clickpb.UpdateNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.tiles != nil {
			if _, wanted := sub.tiles[update.TileID]; !wanted {
				continue
			}
		}
		select {
		case sub.updates <- update:
		default:
			// Subscriber fell behind; disconnect it rather than block.
			sub.dropLocked()
		}
	}
	return nil
}

// SubscriberCount reports the live subscriptions; useful when a test must
// wait for a consumer to come up before publishing.
func (m *Memory) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) Subscribe(_ context.Context, tileIDs ...int32) (Subscription, error) {
	sub := &memorySub{
		bus:     m,
		updates: make(chan clickpb.UpdateNotification, subscriberBuffer),
		dropped: make(chan struct{}),
	}
	if len(tileIDs) > 0 {
		sub.tiles = make(map[int32]struct{}, len(tileIDs))
		for _, tileID := range tileIDs {
			sub.tiles[tileID] = struct{}{}
		}
	}

	m.mu.Lock()
	sub.id = m.nextID
	m.nextID++
	m.subs[sub.id] = sub
	m.mu.Unlock()
	return sub, nil
}

func (s *memorySub) Updates() <-chan clickpb.UpdateNotification { return s.updates }

func (s *memorySub) Dropped() <-chan struct{} { return s.dropped }

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	s.removeLocked()
	s.bus.mu.Unlock()
}

// dropLocked removes the subscriber and signals the drop. Callers hold the
// bus mutex.
func (s *memorySub) dropLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.dropped)
		close(s.updates)
	})
}

func (s *memorySub) removeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.updates)
	})
}
