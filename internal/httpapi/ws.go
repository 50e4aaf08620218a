package httpapi

import (
	"net/http"

	"github.com/gobwas/ws"

	"github.com/venueops/chatcore/internal/ratelimit"
)

// handleWS authenticates the dial, hijacks the connection, and hands it to
// the session manager. After the upgrade the response writer is gone, so
// every rejection must happen before ws.UpgradeHTTP.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		jsonError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	id, err := s.verifier.Verify(token)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), r.RemoteAddr, ratelimit.RuleConnect)
		if !allowed {
			jsonError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}

	// Keep the user directory current so public fan-out and conversation
	// lists see this user even before their first message.
	if err := s.store.UpsertUser(r.Context(), id.ID, id.Name, id.Role); err != nil {
		s.log.Error().Err(err).Int64("user_id", id.ID).Msg("httpapi: upsert user")
		jsonError(w, http.StatusInternalServerError, "session setup failed")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("httpapi: upgrade failed")
		return
	}

	if _, err := s.manager.Open(id, conn); err != nil {
		s.log.Warn().Err(err).Int64("user_id", id.ID).Msg("httpapi: session rejected")
		conn.Close()
		return
	}
}
