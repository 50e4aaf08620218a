package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/venueops/chatcore/internal/protocol"
	"github.com/venueops/chatcore/internal/store"
	"github.com/venueops/chatcore/internal/unread"
)

var serverStart = time.Now()

// HistoryResponse is the payload of GET /api/chat/history: the recent
// public backlog plus the presence and unread state a client needs to
// render its initial view in one round trip.
type HistoryResponse struct {
	Messages []protocol.Message `json:"messages"`
	Online   []int64            `json:"online_user_ids"`
	Unread   unread.Snapshot    `json:"unread"`
}

// MessagesResponse is the payload of GET /api/chat/messages/{peerID}.
type MessagesResponse struct {
	PeerID   int64              `json:"peer_id"`
	PeerName string             `json:"peer_name"`
	Online   bool               `json:"online"`
	Messages []protocol.Message `json:"messages"`
}

// ConversationsResponse is the payload of GET /api/chat/conversations.
type ConversationsResponse struct {
	Conversations []store.Conversation `json:"conversations"`
	Unread        unread.Snapshot      `json:"unread"`
}

// markReadRequest selects the partition to clear: the public channel when
// Scope is "public", otherwise the private conversation with PeerID.
type markReadRequest struct {
	Scope  string `json:"scope,omitempty"`
	PeerID int64  `json:"peer_id,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		jsonError(w, http.StatusUnauthorized, "no identity")
		return
	}

	after := queryInt64(r, "after")
	limit := pageLimit(r)

	messages, err := s.store.PublicHistory(r.Context(), after, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: public history")
		jsonError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	snap, err := s.tracker.Snapshot(r.Context(), id.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: unread snapshot")
		jsonError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Messages: messages,
		Online:   s.registry.Online(),
		Unread:   snap,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		jsonError(w, http.StatusUnauthorized, "no identity")
		return
	}

	conversations, err := s.store.Conversations(r.Context(), id.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: conversations")
		jsonError(w, http.StatusInternalServerError, "conversations unavailable")
		return
	}
	for i := range conversations {
		conversations[i].Online = s.registry.IsOnline(conversations[i].PeerID)
	}
	snap, err := s.tracker.Snapshot(r.Context(), id.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: unread snapshot")
		jsonError(w, http.StatusInternalServerError, "conversations unavailable")
		return
	}

	writeJSON(w, http.StatusOK, ConversationsResponse{
		Conversations: conversations,
		Unread:        snap,
	})
}

// handleMessages returns a page of the private conversation with the peer.
// Opening a conversation is what reading it means, so the page fetch also
// clears the caller's unread counter for that peer.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		jsonError(w, http.StatusUnauthorized, "no identity")
		return
	}
	peerID, err := strconv.ParseInt(chi.URLParam(r, "peerID"), 10, 64)
	if err != nil || peerID <= 0 {
		jsonError(w, http.StatusBadRequest, "invalid peer id")
		return
	}
	if peerID == id.ID {
		jsonError(w, http.StatusBadRequest, "cannot open a conversation with yourself")
		return
	}

	peerName, err := s.store.UserName(r.Context(), peerID)
	if err != nil {
		s.log.Error().Err(err).Int64("peer_id", peerID).Msg("httpapi: peer lookup")
		jsonError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if peerName == "" {
		jsonError(w, http.StatusNotFound, "unknown peer")
		return
	}

	after := queryInt64(r, "after")
	limit := pageLimit(r)

	messages, err := s.store.PrivateHistory(r.Context(), id.ID, peerID, after, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: private history")
		jsonError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	if err := s.tracker.MarkRead(r.Context(), id.ID, protocol.PartitionDM(id.ID, peerID)); err != nil {
		s.log.Warn().Err(err).Int64("user_id", id.ID).Int64("peer_id", peerID).Msg("httpapi: mark read")
	}

	writeJSON(w, http.StatusOK, MessagesResponse{
		PeerID:   peerID,
		PeerName: peerName,
		Online:   s.registry.IsOnline(peerID),
		Messages: messages,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		jsonError(w, http.StatusUnauthorized, "no identity")
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var partition string
	switch {
	case req.Scope == protocol.ScopePublic:
		partition = protocol.PartitionPublic
	case req.PeerID > 0 && req.PeerID != id.ID:
		partition = protocol.PartitionDM(id.ID, req.PeerID)
	default:
		jsonError(w, http.StatusBadRequest, "specify scope public or a peer_id")
		return
	}

	if err := s.tracker.MarkRead(r.Context(), id.ID, partition); err != nil {
		s.log.Error().Err(err).Int64("user_id", id.ID).Msg("httpapi: mark read")
		jsonError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"sessions": s.manager.Count(),
		"uptime":   time.Since(serverStart).Round(time.Second).String(),
	})
}

func queryInt64(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func pageLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return HistoryLimitDefault
	}
	if limit > HistoryLimitMax {
		return HistoryLimitMax
	}
	return limit
}
