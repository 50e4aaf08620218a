package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/httpapi"
	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/unread"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := backoffDelay(attempt, base, cap); got != expected {
			t.Errorf("attempt %d: got %s, want %s", attempt, got, expected)
		}
	}
	if got := backoffDelay(200, base, cap); got != cap {
		t.Errorf("huge attempt: got %s, want %s", got, cap)
	}
}

// bareClient builds a client without starting the connection loop.
func bareClient(handlers Handlers) *Client {
	return &Client{
		cfg:      DefaultConfig(),
		handlers: handlers,
		log:      zerolog.Nop(),
		seen:     make(map[string]int64),
		typing:   make(map[typistKey]*time.Timer),
	}
}

func TestDeliverDeduplicates(t *testing.T) {
	var delivered []int64
	c := bareClient(Handlers{OnMessage: func(m protocol.Message) {
		delivered = append(delivered, m.MessageID)
	}})

	msg := protocol.Message{MessageID: 5, Scope: protocol.ScopePublic, Content: "hi"}
	c.deliver(msg)
	c.deliver(msg) // socket push and backlog replay of the same message
	c.deliver(protocol.Message{MessageID: 4, Scope: protocol.ScopePublic})
	c.deliver(protocol.Message{MessageID: 6, Scope: protocol.ScopePublic})

	if len(delivered) != 2 || delivered[0] != 5 || delivered[1] != 6 {
		t.Errorf("expected [5 6], got %v", delivered)
	}
}

func TestDeliverTracksPartitionsIndependently(t *testing.T) {
	var delivered []int64
	c := bareClient(Handlers{OnMessage: func(m protocol.Message) {
		delivered = append(delivered, m.MessageID)
	}})

	c.deliver(protocol.Message{MessageID: 10, Scope: protocol.ScopePublic})
	// Lower id, but a different partition, so it must still deliver.
	c.deliver(protocol.Message{MessageID: 3, Scope: protocol.ScopePrivate, SenderID: 1, RecipientID: 2})

	if len(delivered) != 2 {
		t.Errorf("expected 2 deliveries, got %v", delivered)
	}
}

func TestTypingIndicatorExpiresLocally(t *testing.T) {
	events := make(chan protocol.TypingData, 4)
	c := bareClient(Handlers{OnTyping: func(td protocol.TypingData) {
		events <- td
	}})
	c.cfg.TypingExpiry = 30 * time.Millisecond

	c.observeTyping(protocol.TypingData{UserID: 7, Scope: protocol.ScopePublic, IsTyping: true})

	first := <-events
	if !first.IsTyping {
		t.Fatal("first event should be a start signal")
	}
	select {
	case second := <-events:
		if second.IsTyping {
			t.Error("expiry event should be a stop signal")
		}
	case <-time.After(time.Second):
		t.Fatal("typing indicator never expired")
	}
}

func TestExplicitStopCancelsExpiry(t *testing.T) {
	events := make(chan protocol.TypingData, 4)
	c := bareClient(Handlers{OnTyping: func(td protocol.TypingData) {
		events <- td
	}})
	c.cfg.TypingExpiry = 30 * time.Millisecond

	c.observeTyping(protocol.TypingData{UserID: 7, IsTyping: true})
	c.observeTyping(protocol.TypingData{UserID: 7, IsTyping: false})
	<-events
	<-events

	select {
	case extra := <-events:
		t.Errorf("unexpected extra event after explicit stop: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSocketURL(t *testing.T) {
	c := bareClient(Handlers{})
	c.cfg.BaseURL = "http://chat.example.com:8080"
	c.cfg.Token = "tok"

	got, err := c.socketURL()
	if err != nil {
		t.Fatal(err)
	}
	want := "ws://chat.example.com:8080/ws?token=tok"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	c.cfg.BaseURL = "https://chat.example.com"
	got, _ = c.socketURL()
	if got != "wss://chat.example.com/ws?token=tok" {
		t.Errorf("https base: got %q", got)
	}
}

// historyServer serves the public backlog in cursor pages, the shape the
// real history endpoint uses.
func historyServer(t *testing.T, total int64, snap unread.Snapshot) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/history" {
			http.NotFound(w, r)
			return
		}
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var resp httpapi.HistoryResponse
		resp.Unread = snap
		for id := after + 1; id <= total && len(resp.Messages) < limit; id++ {
			resp.Messages = append(resp.Messages, protocol.Message{
				MessageID: id,
				SenderID:  1,
				Scope:     protocol.ScopePublic,
				Content:   "m",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestCatchUpPagesUntilBacklogDrained(t *testing.T) {
	const total = int64(httpapi.HistoryLimitMax) + 50
	srv := historyServer(t, total, unread.Snapshot{Public: 3, Total: 3})
	defer srv.Close()

	var delivered []int64
	var snaps []unread.Snapshot
	c := bareClient(Handlers{
		OnMessage: func(m protocol.Message) { delivered = append(delivered, m.MessageID) },
		OnUnread:  func(s unread.Snapshot) { snaps = append(snaps, s) },
	})
	c.cfg.BaseURL = srv.URL
	c.http = srv.Client()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	if err := c.catchUp(); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	if int64(len(delivered)) != total {
		t.Fatalf("expected %d backlog messages, got %d", total, len(delivered))
	}
	for i, id := range delivered {
		if id != int64(i)+1 {
			t.Fatalf("gap in backlog: position %d holds id %d", i, id)
		}
	}

	// A live push after catch-up continues seamlessly, and a replay of a
	// backlog id stays deduplicated.
	c.deliver(protocol.Message{MessageID: total + 1, Scope: protocol.ScopePublic})
	c.deliver(protocol.Message{MessageID: total - 49, Scope: protocol.ScopePublic})
	if int64(len(delivered)) != total+1 || delivered[len(delivered)-1] != total+1 {
		t.Fatalf("live push after catch-up misbehaved: %v", delivered[len(delivered)-5:])
	}

	if len(snaps) != 1 || snaps[0].Public != 3 {
		t.Fatalf("expected one unread snapshot with public=3, got %+v", snaps)
	}
}
