// Package presence tracks which users have live sessions and broadcasts
// online/offline transitions. Offline is debounced by a grace window so a
// page reload does not churn peers with offline-then-online noise.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/metrics"
	"github.com/venueops/chatcore/internal/protocol"
)

// DefaultGrace is the offline debounce window. A few seconds absorbs
// reconnect flaps without making real disconnects feel stale.
const DefaultGrace = 4 * time.Second

// Broadcaster delivers a presence push to every connected session except
// those owned by userID. Implemented by the session manager.
type Broadcaster interface {
	BroadcastExcept(userID int64, frame []byte)
}

// Registry maps users to their active session set. The outer lock guards
// only the map; each user entry carries its own mutex and grace timer, so
// unrelated users never contend.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]*entry

	grace        time.Duration
	bc           Broadcaster
	onTransition func(userID int64, online bool)
	log          zerolog.Logger
}

type entry struct {
	mu       sync.Mutex
	sessions map[string]struct{}
	// online mirrors what peers have been told. It flips only when a
	// transition is actually broadcast, so a grace timer that fires
	// between Stop and its callback cannot produce a duplicate push.
	online         bool
	offlineTimer   *time.Timer
	lastTransition time.Time
}

// NewRegistry creates a Registry with the given debounce window. The
// broadcaster is attached later with SetBroadcaster because the session
// manager is constructed after the registry.
func NewRegistry(grace time.Duration, log zerolog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		users: make(map[int64]*entry),
		grace: grace,
		log:   log,
	}
}

// SetBroadcaster attaches the session manager used for presence pushes.
func (r *Registry) SetBroadcaster(bc Broadcaster) {
	r.bc = bc
}

// SetTransitionHook attaches an observer called once per genuine
// online/offline transition, after the peer broadcast. The event feed uses
// it; the hook must not block.
func (r *Registry) SetTransitionHook(fn func(userID int64, online bool)) {
	r.onTransition = fn
}

// MarkOnline adds a session to the user's set. The online broadcast fires
// only on a genuine offline-to-online transition: a reconnect inside the
// grace window cancels the pending offline broadcast and stays silent.
func (r *Registry) MarkOnline(userID int64, sessionID string) {
	e := r.entryFor(userID)

	e.mu.Lock()
	e.sessions[sessionID] = struct{}{}
	if e.offlineTimer != nil {
		e.offlineTimer.Stop()
		e.offlineTimer = nil
	}
	announce := !e.online
	if announce {
		e.online = true
		e.lastTransition = time.Now()
	}
	e.mu.Unlock()

	if announce {
		metrics.PresenceTransitions.WithLabelValues("online").Inc()
		r.log.Debug().Int64("user_id", userID).Str("session", sessionID).Msg("presence: user online")
		r.broadcast(userID, true)
	}
}

// RemoveSession removes a session from the user's set. When the set drains,
// a grace timer starts; the offline broadcast fires only if no session
// reappears before it expires.
func (r *Registry) RemoveSession(userID int64, sessionID string) {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	delete(e.sessions, sessionID)
	if len(e.sessions) == 0 && e.offlineTimer == nil {
		e.offlineTimer = time.AfterFunc(r.grace, func() { r.announceOffline(userID, e) })
	}
	e.mu.Unlock()
}

func (r *Registry) announceOffline(userID int64, e *entry) {
	e.mu.Lock()
	if len(e.sessions) > 0 || !e.online {
		e.mu.Unlock()
		return
	}
	e.online = false
	e.offlineTimer = nil
	e.lastTransition = time.Now()
	e.mu.Unlock()

	metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	r.log.Debug().Int64("user_id", userID).Msg("presence: user offline")
	r.broadcast(userID, false)
}

// IsOnline reports whether the user counts as online. A user inside the
// grace window is still online: peers have not been told otherwise.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Sessions returns the ids of the user's active sessions.
func (r *Registry) Sessions(userID int64) []string {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Online returns the ids of all users currently counted as online.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	users := make([]*entry, 0, len(r.users))
	ids := make([]int64, 0, len(r.users))
	for id, e := range r.users {
		users = append(users, e)
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	online := make([]int64, 0, len(ids))
	for i, e := range users {
		e.mu.Lock()
		if e.online {
			online = append(online, ids[i])
		}
		e.mu.Unlock()
	}
	return online
}

func (r *Registry) entryFor(userID int64) *entry {
	r.mu.RLock()
	e := r.users[userID]
	r.mu.RUnlock()
	if e != nil {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.users[userID]; e == nil {
		e = &entry{sessions: make(map[string]struct{})}
		r.users[userID] = e
	}
	return e
}

func (r *Registry) broadcast(userID int64, online bool) {
	if r.onTransition != nil {
		r.onTransition(userID, online)
	}
	if r.bc == nil {
		return
	}
	frame, err := protocol.NewPush(protocol.TypePresence, protocol.PresenceData{
		UserID: userID,
		Online: online,
	})
	if err != nil {
		r.log.Error().Err(err).Int64("user_id", userID).Msg("presence: failed to build push")
		return
	}
	r.bc.BroadcastExcept(userID, frame)
}
