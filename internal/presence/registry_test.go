package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/protocol"
)

type captureBroadcaster struct {
	mu     sync.Mutex
	frames []protocol.Push
}

func (c *captureBroadcaster) BroadcastExcept(userID int64, frame []byte) {
	push, err := protocol.ParsePush(frame)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.frames = append(c.frames, push)
	c.mu.Unlock()
}

func (c *captureBroadcaster) presenceEvents() []protocol.PresenceData {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []protocol.PresenceData
	for _, p := range c.frames {
		var pd protocol.PresenceData
		if err := json.Unmarshal(p.Data, &pd); err == nil {
			events = append(events, pd)
		}
	}
	return events
}

func newTestRegistry(grace time.Duration) (*Registry, *captureBroadcaster) {
	r := NewRegistry(grace, zerolog.Nop())
	bc := &captureBroadcaster{}
	r.SetBroadcaster(bc)
	return r, bc
}

func TestFirstSessionBroadcastsOnline(t *testing.T) {
	r, bc := newTestRegistry(50 * time.Millisecond)

	r.MarkOnline(7, "s1")
	r.MarkOnline(7, "s2") // second tab: no second broadcast

	events := bc.presenceEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 presence event, got %d", len(events))
	}
	if events[0].UserID != 7 || !events[0].Online {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if !r.IsOnline(7) {
		t.Error("user should be online")
	}
}

func TestOfflineBroadcastAfterGrace(t *testing.T) {
	r, bc := newTestRegistry(30 * time.Millisecond)

	r.MarkOnline(7, "s1")
	r.RemoveSession(7, "s1")

	if !r.IsOnline(7) {
		t.Error("user should still count as online inside the grace window")
	}

	time.Sleep(100 * time.Millisecond)

	events := bc.presenceEvents()
	if len(events) != 2 {
		t.Fatalf("expected online+offline events, got %d", len(events))
	}
	if events[1].Online {
		t.Error("second event should be offline")
	}
	if r.IsOnline(7) {
		t.Error("user should be offline after the grace window")
	}
}

func TestReconnectFlapSuppressesOfflineBroadcast(t *testing.T) {
	r, bc := newTestRegistry(60 * time.Millisecond)

	r.MarkOnline(7, "s1")
	r.RemoveSession(7, "s1")
	// Page reload: a new session appears inside the grace window.
	r.MarkOnline(7, "s2")

	time.Sleep(150 * time.Millisecond)

	events := bc.presenceEvents()
	if len(events) != 1 {
		t.Fatalf("expected only the initial online event, got %d: %+v", len(events), events)
	}
	if !r.IsOnline(7) {
		t.Error("user should remain online across the flap")
	}
}

func TestLastSessionOnlyTriggersOffline(t *testing.T) {
	r, bc := newTestRegistry(20 * time.Millisecond)

	r.MarkOnline(7, "s1")
	r.MarkOnline(7, "s2")
	r.RemoveSession(7, "s1")

	time.Sleep(80 * time.Millisecond)
	if events := bc.presenceEvents(); len(events) != 1 {
		t.Fatalf("closing one of two sessions must not go offline, got %d events", len(events))
	}

	r.RemoveSession(7, "s2")
	time.Sleep(80 * time.Millisecond)
	events := bc.presenceEvents()
	if len(events) != 2 || events[1].Online {
		t.Fatalf("expected offline after the last session closed, got %+v", events)
	}
}

func TestOnlineSnapshot(t *testing.T) {
	r, _ := newTestRegistry(20 * time.Millisecond)

	r.MarkOnline(1, "a")
	r.MarkOnline(2, "b")
	r.RemoveSession(2, "b")
	time.Sleep(80 * time.Millisecond)

	online := r.Online()
	if len(online) != 1 || online[0] != 1 {
		t.Errorf("expected only user 1 online, got %v", online)
	}
	if r.IsOnline(99) {
		t.Error("unknown user must be offline")
	}
}

func TestLateGraceCallbackCannotDuplicateBroadcasts(t *testing.T) {
	r, bc := newTestRegistry(time.Hour)

	r.MarkOnline(7, "s1")
	r.RemoveSession(7, "s1")

	// Freeze the armed timer so its callback never runs on its own,
	// then reconnect. Peers still believe the user is online, so the
	// reconnect must stay silent even though the timer is unstoppable
	// from MarkOnline's point of view.
	e := r.entryFor(7)
	e.mu.Lock()
	e.offlineTimer.Stop()
	e.mu.Unlock()

	r.MarkOnline(7, "s2")

	// The stale callback arrives after the reconnect: it must be a no-op.
	r.announceOffline(7, e)

	events := bc.presenceEvents()
	if len(events) != 1 || !events[0].Online {
		t.Fatalf("expected only the initial online event, got %+v", events)
	}
	if !r.IsOnline(7) {
		t.Error("user should remain online")
	}
}

func TestStaleGraceCallbackCannotDuplicateOffline(t *testing.T) {
	r, bc := newTestRegistry(time.Hour)

	r.MarkOnline(7, "s1")
	r.RemoveSession(7, "s1")

	e := r.entryFor(7)
	r.announceOffline(7, e) // grace elapsed
	r.announceOffline(7, e) // a second stale callback

	events := bc.presenceEvents()
	if len(events) != 2 {
		t.Fatalf("expected online+offline, got %+v", events)
	}
	if events[1].Online {
		t.Error("second event should be offline")
	}
}
