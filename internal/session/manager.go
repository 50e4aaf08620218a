package session

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/auth"
	"github.com/venueops/chatcore/internal/metrics"
	"github.com/venueops/chatcore/internal/presence"
)

// Config holds tunable parameters for the session manager.
type Config struct {
	MaxSessions   int           // hard cap on concurrent sessions
	SendQueueSize int           // outbound frames buffered per session
	WriteTimeout  time.Duration // per-frame write deadline
	FlushGrace    time.Duration // best-effort flush window on close
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   10000,
		SendQueueSize: 64,
		WriteTimeout:  10 * time.Second,
		FlushGrace:    time.Second,
	}
}

// FrameHandler receives each inbound data frame from a session's read loop.
type FrameHandler func(s *Session, data []byte)

// DisconnectHandler is called once per session after it leaves the table,
// before presence is updated. The router uses it to clear typing state.
type DisconnectHandler func(s *Session)

// Manager owns the session table. It is the only writer to session
// lifecycle state; presence and routing observe it through the registry
// and the send methods.
type Manager struct {
	cfg      Config
	registry *presence.Registry
	log      zerolog.Logger

	onFrame      FrameHandler
	onDisconnect DisconnectHandler

	table *table
}

// NewManager creates a Manager bound to the presence registry. Handlers are
// attached afterwards because the router is constructed later.
func NewManager(cfg Config, registry *presence.Registry, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		log:      log,
		table:    newTable(),
	}
	registry.SetBroadcaster(m)
	return m
}

// SetFrameHandler attaches the inbound frame callback.
func (m *Manager) SetFrameHandler(fn FrameHandler) { m.onFrame = fn }

// SetDisconnectHandler attaches the disconnect callback.
func (m *Manager) SetDisconnectHandler(fn DisconnectHandler) { m.onDisconnect = fn }

// Open registers a session for a verified identity over an established
// WebSocket connection, starts its goroutine pair, and marks the user
// online. The identity must already be verified; Open is never reached with
// an anonymous connection.
func (m *Manager) Open(id auth.Identity, conn net.Conn) (*Session, error) {
	if m.table.count() >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("session: connection limit reached (%d)", m.cfg.MaxSessions)
	}

	s := &Session{
		ID:          uuid.New().String(),
		User:        id,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, m.cfg.SendQueueSize),
		pings:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	s.touch()
	s.state.Store(StateConnecting)

	m.table.add(s)
	s.state.Store(StateOpen)
	m.registry.MarkOnline(id.ID, s.ID)
	metrics.SessionsActive.Set(float64(m.table.count()))

	go s.readLoop(m)
	go s.writeLoop(m)

	m.log.Info().
		Str("session", s.ID).
		Int64("user_id", id.ID).
		Int("total", m.table.count()).
		Msg("session: opened")
	return s, nil
}

// Send enqueues a frame for one session. It never blocks; frames for
// closed sessions or full queues are dropped and counted.
func (m *Manager) Send(sessionID string, frame []byte) {
	s := m.table.get(sessionID)
	if s == nil {
		metrics.SendQueueDrops.Inc()
		return
	}
	if !s.enqueue(frame) {
		metrics.SendQueueDrops.Inc()
	}
}

// SendToUser enqueues a frame for every active session of a user.
func (m *Manager) SendToUser(userID int64, frame []byte) {
	for _, sid := range m.registry.Sessions(userID) {
		m.Send(sid, frame)
	}
}

// Broadcast enqueues a frame for every connected session.
func (m *Manager) Broadcast(frame []byte) {
	for _, s := range m.table.all() {
		if !s.enqueue(frame) {
			metrics.SendQueueDrops.Inc()
		}
	}
}

// BroadcastExcept enqueues a frame for every session not owned by userID.
// Satisfies presence.Broadcaster.
func (m *Manager) BroadcastExcept(userID int64, frame []byte) {
	for _, s := range m.table.all() {
		if s.User.ID == userID {
			continue
		}
		if !s.enqueue(frame) {
			metrics.SendQueueDrops.Inc()
		}
	}
}

// Close tears down a session. Safe to call multiple times and from any
// goroutine; only the first call takes effect.
func (m *Manager) Close(sessionID, reason string) {
	if s := m.table.get(sessionID); s != nil {
		m.remove(s, reason)
	}
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	return m.table.count()
}

// Shutdown closes every session, used during graceful server stop.
func (m *Manager) Shutdown() {
	for _, s := range m.table.all() {
		m.remove(s, "server shutdown")
	}
}

// remove is the single teardown path. The table removal guard prevents
// double cleanup when a read error and a heartbeat timeout race.
func (m *Manager) remove(s *Session, reason string) {
	if !m.table.remove(s.ID) {
		return
	}

	s.closing.Do(func() {
		s.state.Store(StateClosing)
		close(s.done)
	})

	if m.onDisconnect != nil {
		m.onDisconnect(s)
	}
	m.registry.RemoveSession(s.User.ID, s.ID)
	s.state.Store(StateClosed)
	metrics.SessionsActive.Set(float64(m.table.count()))

	m.log.Info().
		Str("session", s.ID).
		Int64("user_id", s.User.ID).
		Str("reason", reason).
		Int("total", m.table.count()).
		Msg("session: closed")
}
