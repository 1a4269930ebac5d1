// Package hub fans ownership updates out to live listener sessions. One bus
// subscription feeds a single dispatch loop, which preserves per-tile order
// for every session; the session set is sharded so attach/detach only
// contend with sessions that hash to the same shard.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/valdo404/clickplanet-go/internal/bus"
	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

const (
	sessionShards = 8

	// SessionBuffer is the outbound capacity per session. A session that
	// falls this far behind is dropped.
	SessionBuffer = 256

	resubscribeBaseDelay = 250 * time.Millisecond
	resubscribeMaxDelay  = 30 * time.Second
)

// Session is one attached listener. Filter is optional; nil receives the
// full stream.
type Session struct {
	id     string
	filter func(tileID int32) bool

	out     chan clickpb.UpdateNotification
	closed  chan struct{}
	once    sync.Once
	dropped bool
}

func NewSession(id string, filter func(tileID int32) bool) *Session {
	return &Session{
		id:     id,
		filter: filter,
		out:    make(chan clickpb.UpdateNotification, SessionBuffer),
		closed: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Updates is the transport's read side.
func (s *Session) Updates() <-chan clickpb.UpdateNotification { return s.out }

// Closed fires when the hub released the session; Dropped tells a slow-
// consumer drop apart from an ordinary detach.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) Dropped() bool {
	select {
	case <-s.closed:
		return s.dropped
	default:
		return false
	}
}

func (s *Session) close(dropped bool) {
	s.once.Do(func() {
		s.dropped = dropped
		close(s.closed)
	})
}

type hubShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Hub owns the session set and the bus subscription.
type Hub struct {
	bus    bus.Bus
	shards [sessionShards]*hubShard

	// fatal is invoked when the bus stays unreachable past the backoff cap.
	fatal func(format string, args ...any)
}

func New(clickBus bus.Bus) *Hub {
	hub := &Hub{bus: clickBus, fatal: log.Fatalf}
	for index := range hub.shards {
		hub.shards[index] = &hubShard{sessions: make(map[string]*Session)}
	}
	return hub
}

func (h *Hub) shardFor(sessionID string) *hubShard {
	hash := uint32(2166136261)
	for index := 0; index < len(sessionID); index++ {
		hash ^= uint32(sessionID[index])
		hash *= 16777619
	}
	return h.shards[hash%sessionShards]
}

// Attach registers a session; delivery starts from now, with no replay.
func (h *Hub) Attach(session *Session) {
	shard := h.shardFor(session.id)
	shard.mu.Lock()
	shard.sessions[session.id] = session
	shard.mu.Unlock()
}

// Detach removes and releases a session.
func (h *Hub) Detach(sessionID string) {
	shard := h.shardFor(sessionID)
	shard.mu.Lock()
	session, ok := shard.sessions[sessionID]
	if ok {
		delete(shard.sessions, sessionID)
	}
	shard.mu.Unlock()
	if ok {
		session.close(false)
	}
}

// SessionCount reports the number of attached sessions.
func (h *Hub) SessionCount() int {
	total := 0
	for _, shard := range h.shards {
		shard.mu.RLock()
		total += len(shard.sessions)
		shard.mu.RUnlock()
	}
	return total
}

// Run pumps bus updates into the session set until ctx ends. A lost bus
// subscription is retried with exponential backoff; past the cap the process
// cannot serve listeners and terminates.
func (h *Hub) Run(ctx context.Context) {
	delay := resubscribeBaseDelay
	for {
		sub, err := h.bus.Subscribe(ctx)
		if err != nil {
			if delay >= resubscribeMaxDelay {
				h.fatal("hub: bus unreachable for %s, giving up: %v", delay, err)
				return
			}
			log.Printf("hub: subscribe failed, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}
		delay = resubscribeBaseDelay

		if !h.pump(ctx, sub) {
			return
		}
		log.Printf("hub: bus subscription lost, resubscribing")
	}
}

// pump forwards updates until the subscription dies. It returns false when
// ctx ended.
func (h *Hub) pump(ctx context.Context, sub bus.Subscription) bool {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Dropped():
			return true
		case update, ok := <-sub.Updates():
			if !ok {
				return true
			}
			h.dispatch(update)
		}
	}
}

func (h *Hub) dispatch(update clickpb.UpdateNotification) {
	for _, shard := range h.shards {
		shard.mu.RLock()
		var overflowed []*Session
		for _, session := range shard.sessions {
			if session.filter != nil && !session.filter(update.TileID) {
				continue
			}
			select {
			case session.out <- update:
			default:
				overflowed = append(overflowed, session)
			}
		}
		shard.mu.RUnlock()

		// Drop outside the read lock; a full channel means the client is
		// not keeping up and must not slow anyone else.
		for _, session := range overflowed {
			h.drop(session)
		}
	}
}

func (h *Hub) drop(session *Session) {
	shard := h.shardFor(session.id)
	shard.mu.Lock()
	delete(shard.sessions, session.id)
	shard.mu.Unlock()
	session.close(true)
	log.Printf("hub: dropped slow session %s", session.id)
}
