package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/valdo404/clickplanet-go/internal/bus"
	"github.com/valdo404/clickplanet-go/internal/clickpb"
)

func startHub(t *testing.T) (*Hub, *bus.Memory, context.CancelFunc) {
	t.Helper()
	clickBus := bus.NewMemory()
	h := New(clickBus)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	// The dispatch loop must be subscribed before tests publish.
	waitUntil(t, func() bool { return clickBus.SubscriberCount() == 1 })
	return h, clickBus, cancel
}

func TestFanOutPreservesPerTileOrder(t *testing.T) {
	h, clickBus, cancel := startHub(t)
	defer cancel()

	sessionA := NewSession("session-a", nil)
	sessionB := NewSession("session-b", nil)
	h.Attach(sessionA)
	h.Attach(sessionB)

	countries := []string{"fr", "de", "jp"}
	ctx := context.Background()
	for _, country := range countries {
		if err := clickBus.Publish(ctx, clickpb.UpdateNotification{TileID: 42, CountryID: country}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	for _, session := range []*Session{sessionA, sessionB} {
		for index, country := range countries {
			update := receiveSessionUpdate(t, session)
			if update.CountryID != country {
				t.Fatalf("session %s update %d out of order: expected %s got %s",
					session.ID(), index, country, update.CountryID)
			}
		}
	}
}

func TestSessionFilter(t *testing.T) {
	h, clickBus, cancel := startHub(t)
	defer cancel()

	session := NewSession("filtered", func(tileID int32) bool { return tileID == 7 })
	h.Attach(session)

	ctx := context.Background()
	for _, tileID := range []int32{5, 7, 9} {
		if err := clickBus.Publish(ctx, clickpb.UpdateNotification{TileID: tileID, CountryID: "fr"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	update := receiveSessionUpdate(t, session)
	if update.TileID != 7 {
		t.Fatalf("expected only tile 7, got %d", update.TileID)
	}
	select {
	case extra := <-session.Updates():
		t.Fatalf("unexpected extra update: %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSessionDroppedOthersUnaffected(t *testing.T) {
	h, clickBus, cancel := startHub(t)
	defer cancel()

	slow := NewSession("slow", nil)
	healthy := NewSession("healthy", nil)
	h.Attach(slow)
	h.Attach(healthy)

	drained := make(chan int, 1)
	go func() {
		count := 0
		for range healthy.Updates() {
			count++
			if count == SessionBuffer+10 {
				drained <- count
				return
			}
		}
		drained <- count
	}()

	ctx := context.Background()
	for index := 0; index < SessionBuffer+10; index++ {
		if err := clickBus.Publish(ctx, clickpb.UpdateNotification{TileID: int32(index), CountryID: "fr"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		// Pace the burst so only the unread session overflows.
		if index%64 == 63 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	select {
	case <-slow.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected slow session to be dropped")
	}
	if !slow.Dropped() {
		t.Fatalf("expected drop, not ordinary detach")
	}

	select {
	case count := <-drained:
		if count != SessionBuffer+10 {
			t.Fatalf("healthy session missed updates: got %d", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("healthy session starved")
	}
	if healthy.Dropped() {
		t.Fatalf("healthy session must not be dropped")
	}
	if h.SessionCount() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", h.SessionCount())
	}
}

func TestDetachReleasesSession(t *testing.T) {
	h, clickBus, cancel := startHub(t)
	defer cancel()

	session := NewSession("leaver", nil)
	h.Attach(session)
	h.Detach("leaver")

	select {
	case <-session.Closed():
	case <-time.After(time.Second):
		t.Fatalf("expected closed signal after detach")
	}
	if session.Dropped() {
		t.Fatalf("detach is not a drop")
	}

	if err := clickBus.Publish(context.Background(), clickpb.UpdateNotification{TileID: 1, CountryID: "fr"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case update := <-session.Updates():
		t.Fatalf("detached session received %#v", update)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManySessionsAllReceive(t *testing.T) {
	h, clickBus, cancel := startHub(t)
	defer cancel()

	const sessionCount = 40
	sessions := make([]*Session, 0, sessionCount)
	for index := 0; index < sessionCount; index++ {
		session := NewSession(fmt.Sprintf("session-%d", index), nil)
		sessions = append(sessions, session)
		h.Attach(session)
	}

	if err := clickBus.Publish(context.Background(), clickpb.UpdateNotification{TileID: 3, CountryID: "br"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for _, session := range sessions {
		update := receiveSessionUpdate(t, session)
		if update.TileID != 3 || update.CountryID != "br" {
			t.Fatalf("session %s got unexpected update %#v", session.ID(), update)
		}
	}
}

func receiveSessionUpdate(t *testing.T, session *Session) clickpb.UpdateNotification {
	t.Helper()
	select {
	case update := <-session.Updates():
		return update
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session %s update", session.ID())
		return clickpb.UpdateNotification{}
	}
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
