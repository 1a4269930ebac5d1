package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

const (
	clickStreamName   = "CLICKS"
	tileSubjectPrefix = "clicks.tile."

	clickStreamMaxAge = 8 * time.Hour
)

// Nats publishes updates durably into the CLICKS JetStream stream, subject
// clicks.tile.<tile_id>, and serves live subscriptions from core NATS
// delivery on the same subjects. Per-subject FIFO gives the per-tile
// ordering contract.
type Nats struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func NewNats(url string) (*Nats, error) {
	conn, err := nats.Connect(url,
		nats.Name("clickplanet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnavailable, url, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: jetstream: %v", ErrUnavailable, err)
	}

	streamConfig := &nats.StreamConfig{
		Name:     clickStreamName,
		Subjects: []string{tileSubjectPrefix + "*"},
		MaxAge:   clickStreamMaxAge,
		Discard:  nats.DiscardOld,
	}
	if _, err := js.StreamInfo(clickStreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, fmt.Errorf("%w: stream info: %v", ErrUnavailable, err)
		}
		if _, err := js.AddStream(streamConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: create stream: %v", ErrUnavailable, err)
		}
	} else if _, err := js.UpdateStream(streamConfig); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: update stream: %v", ErrUnavailable, err)
	}

	return &Nats{conn: conn, js: js}, nil
}

func tileSubject(tileID int32) string {
	return tileSubjectPrefix + strconv.FormatInt(int64(tileID), 10)
}

func (n *Nats) Publish(ctx context.Context, update clickpb.UpdateNotification) error {
	_, err := n.js.Publish(tileSubject(update.TileID), update.Marshal(), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("%w: publish tile %d: %v", ErrUnavailable, update.TileID, err)
	}
	return nil
}

func (n *Nats) Subscribe(_ context.Context, tileIDs ...int32) (Subscription, error) {
	sub := &natsSub{
		updates: make(chan clickpb.UpdateNotification, subscriberBuffer),
		dropped: make(chan struct{}),
	}

	subjects := []string{tileSubjectPrefix + "*"}
	if len(tileIDs) > 0 {
		subjects = subjects[:0]
		for _, tileID := range tileIDs {
			subjects = append(subjects, tileSubject(tileID))
		}
	}

	for _, subject := range subjects {
		inner, err := n.conn.Subscribe(subject, sub.handle)
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, subject, err)
		}
		sub.inner = append(sub.inner, inner)
	}
	return sub, nil
}

func (n *Nats) Close() {
	n.conn.Close()
}

type natsSub struct {
	inner   []*nats.Subscription
	updates chan clickpb.UpdateNotification
	dropped chan struct{}
	once    sync.Once
}

func (s *natsSub) handle(msg *nats.Msg) {
	var update clickpb.UpdateNotification
	if err := update.Unmarshal(msg.Data); err != nil {
		log.Printf("bus: discarding undecodable update on %s: %v", msg.Subject, err)
		return
	}
	select {
	case <-s.dropped:
		return
	default:
	}
	select {
	case s.updates <- update:
	default:
		s.drop()
	}
}

func (s *natsSub) Updates() <-chan clickpb.UpdateNotification { return s.updates }

func (s *natsSub) Dropped() <-chan struct{} { return s.dropped }

func (s *natsSub) Unsubscribe() {
	s.once.Do(func() {
		for _, inner := range s.inner {
			_ = inner.Unsubscribe()
		}
	})
}

// drop disconnects a lagging subscriber. The updates channel stays open so a
// concurrent callback on a sibling subject never writes to a closed channel.
func (s *natsSub) drop() {
	s.once.Do(func() {
		for _, inner := range s.inner {
			_ = inner.Unsubscribe()
		}
		close(s.dropped)
	})
}
