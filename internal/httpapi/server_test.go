package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/auth"
	"github.com/venueops/chatcore/internal/presence"
	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/session"
	"github.com/venueops/chatcore/internal/store"
	"github.com/venueops/chatcore/internal/unread"
)

type apiFixture struct {
	server   *httptest.Server
	store    *store.Store
	tracker  *unread.Tracker
	registry *presence.Registry
	verifier *auth.TokenVerifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for _, u := range []struct {
		id   int64
		name string
	}{{1, "Ala"}, {2, "Bartek"}, {3, "Celina"}} {
		if err := st.UpsertUser(ctx, u.id, u.name, auth.RoleWorker); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	log := zerolog.Nop()
	tracker := unread.NewTracker(st.DB())
	registry := presence.NewRegistry(presence.DefaultGrace, log)
	manager := session.NewManager(session.DefaultConfig(), registry, log)
	verifier := auth.NewTokenVerifier("test-secret")

	srv := NewServer(st, tracker, registry, manager, verifier, nil, log)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{
		server:   ts,
		store:    st,
		tracker:  tracker,
		registry: registry,
		verifier: verifier,
	}
}

func (f *apiFixture) tokenFor(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, err := f.verifier.Issue(id, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *apiFixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (f *apiFixture) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *apiFixture) seedMessage(t *testing.T, senderID, recipientID int64, content string) protocol.Message {
	t.Helper()
	scope := protocol.ScopePublic
	if recipientID != 0 {
		scope = protocol.ScopePrivate
	}
	saved, err := f.store.SaveMessage(context.Background(), protocol.Message{
		SenderID:    senderID,
		SenderName:  "seed",
		Scope:       scope,
		RecipientID: recipientID,
		Content:     content,
		Kind:        protocol.KindText,
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return saved
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

var (
	alaID    = auth.Identity{ID: 1, Name: "Ala", Role: auth.RoleWorker}
	bartekID = auth.Identity{ID: 2, Name: "Bartek", Role: auth.RoleWorker}
)

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	paths := []string{
		"/api/chat/history",
		"/api/chat/conversations",
		"/api/chat/messages/2",
	}
	for _, path := range paths {
		resp := f.get(t, path, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s without token: got %d, want 401", path, resp.StatusCode)
		}
	}

	resp := f.get(t, "/api/chat/history", "not-a-token")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: got %d, want 401", resp.StatusCode)
	}
}

func TestHistoryReturnsBacklogAndUnread(t *testing.T) {
	f := newAPIFixture(t)
	f.seedMessage(t, 2, 0, "first")
	f.seedMessage(t, 3, 0, "second")

	resp := f.get(t, "/api/chat/history", f.tokenFor(t, alaID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body HistoryResponse
	decodeBody(t, resp, &body)

	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Content != "first" || body.Messages[1].Content != "second" {
		t.Errorf("messages out of order: %+v", body.Messages)
	}
	// Ala did not send either message, so both count as unread.
	if body.Unread.Public != 2 {
		t.Errorf("expected public unread 2, got %d", body.Unread.Public)
	}
}

func TestHistoryAfterCursor(t *testing.T) {
	f := newAPIFixture(t)
	first := f.seedMessage(t, 2, 0, "old")
	f.seedMessage(t, 2, 0, "new")

	resp := f.get(t, "/api/chat/history?after="+itoa(first.MessageID), f.tokenFor(t, alaID))
	var body HistoryResponse
	decodeBody(t, resp, &body)

	if len(body.Messages) != 1 || body.Messages[0].Content != "new" {
		t.Errorf("cursor page wrong: %+v", body.Messages)
	}
}

func TestMessagesMarksConversationRead(t *testing.T) {
	f := newAPIFixture(t)
	f.seedMessage(t, 2, 1, "hi ala")

	snap, _ := f.tracker.Snapshot(context.Background(), 1)
	if snap.Private[2] != 1 {
		t.Fatalf("precondition: expected unread 1, got %d", snap.Private[2])
	}

	resp := f.get(t, "/api/chat/messages/2", f.tokenFor(t, alaID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body MessagesResponse
	decodeBody(t, resp, &body)

	if body.PeerName != "Bartek" || len(body.Messages) != 1 {
		t.Errorf("unexpected body: %+v", body)
	}

	// Opening the conversation is the read signal.
	snap, _ = f.tracker.Snapshot(context.Background(), 1)
	if snap.Private[2] != 0 {
		t.Errorf("expected unread cleared, got %d", snap.Private[2])
	}
}

func TestMessagesRejectsSelfAndUnknownPeer(t *testing.T) {
	f := newAPIFixture(t)
	token := f.tokenFor(t, alaID)

	resp := f.get(t, "/api/chat/messages/1", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("self peer: got %d, want 400", resp.StatusCode)
	}

	resp = f.get(t, "/api/chat/messages/999", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown peer: got %d, want 404", resp.StatusCode)
	}
}

func TestConversationsSummary(t *testing.T) {
	f := newAPIFixture(t)
	f.seedMessage(t, 2, 1, "from bartek")
	f.seedMessage(t, 1, 3, "to celina")

	resp := f.get(t, "/api/chat/conversations", f.tokenFor(t, alaID))
	var body ConversationsResponse
	decodeBody(t, resp, &body)

	if len(body.Conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(body.Conversations))
	}
	byPeer := map[int64]store.Conversation{}
	for _, c := range body.Conversations {
		byPeer[c.PeerID] = c
	}
	if byPeer[2].Unread != 1 || byPeer[2].LastMessage != "from bartek" {
		t.Errorf("bartek conversation wrong: %+v", byPeer[2])
	}
	if byPeer[3].Unread != 0 || byPeer[3].LastSenderID != 1 {
		t.Errorf("celina conversation wrong: %+v", byPeer[3])
	}
}

func TestMarkRead(t *testing.T) {
	f := newAPIFixture(t)
	f.seedMessage(t, 2, 0, "public ping")
	f.seedMessage(t, 2, 1, "private ping")
	token := f.tokenFor(t, alaID)

	resp := f.post(t, "/api/chat/mark-read", token, `{"scope":"public"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-read public: status %d", resp.StatusCode)
	}
	resp = f.post(t, "/api/chat/mark-read", token, `{"peer_id":2}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-read peer: status %d", resp.StatusCode)
	}

	snap, _ := f.tracker.Snapshot(context.Background(), 1)
	if snap.Total != 0 {
		t.Errorf("expected all unread cleared, got %+v", snap)
	}

	resp = f.post(t, "/api/chat/mark-read", token, `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty selector: got %d, want 400", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestWSRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/ws", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("ws without token: got %d, want 401", resp.StatusCode)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
