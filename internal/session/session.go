// Package session owns the per-connection lifecycle: one reader and one
// writer goroutine per WebSocket session, a bounded outbound queue, and the
// heartbeat that evicts dead connections.
package session

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/venueops/chatcore/internal/auth"
)

// Session states.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

// Session is a single authenticated WebSocket connection. A user may own
// several concurrent sessions (multi-tab); each gets its own queue and
// goroutine pair.
type Session struct {
	ID          string
	User        auth.Identity
	ConnectedAt time.Time

	conn     net.Conn
	send     chan []byte
	pings    chan struct{}
	done     chan struct{}
	lastSeen atomic.Int64 // unix nanos of last inbound traffic
	state    atomic.Int32
	closing  sync.Once
}

// State returns the session's lifecycle state.
func (s *Session) State() int32 { return s.state.Load() }

// LastSeen returns the time of the last inbound frame (data or control).
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// enqueue places a frame on the outbound queue without blocking. It reports
// false if the frame was dropped (queue full or session no longer open);
// callers rely on unread tracking, not this send, for offline delivery.
func (s *Session) enqueue(frame []byte) bool {
	if s.state.Load() >= StateClosing {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// enqueuePing asks the writer goroutine to emit a WebSocket ping frame.
// Collapses to a no-op when a ping is already pending.
func (s *Session) enqueuePing() {
	select {
	case s.pings <- struct{}{}:
	default:
	}
}

// readLoop reads frames until the connection fails or the session closes.
// Control frames only refresh liveness; data frames go to onFrame.
func (s *Session) readLoop(m *Manager) {
	defer m.remove(s, "read loop exit")

	for {
		select {
		case <-s.done:
			return
		default:
		}

		header, reader, err := wsutil.NextReader(s.conn, ws.StateServerSide)
		if err != nil {
			return
		}
		s.touch()

		if header.OpCode.IsControl() {
			// Drain the control payload so the next frame parses cleanly.
			// Ping/pong frames only prove liveness; keepalive is driven by
			// the server-side heartbeat and the JSON ping envelope.
			_, _ = io.Copy(io.Discard, reader)
			if header.OpCode == ws.OpClose {
				return
			}
			continue
		}

		data := make([]byte, 0, header.Length)
		buf, err := io.ReadAll(reader)
		if err != nil {
			return
		}
		data = append(data, buf...)
		if len(data) == 0 {
			continue
		}

		if m.onFrame != nil {
			m.onFrame(s, data)
		}
	}
}

// writeLoop drains the outbound queue onto the transport. On close it
// flushes whatever is already queued within a short grace deadline, then
// drops the rest.
func (s *Session) writeLoop(m *Manager) {
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.send:
			if !s.write(frame, m.cfg.WriteTimeout) {
				m.remove(s, "write error")
				return
			}
		case <-s.pings:
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := ws.WriteFrame(s.conn, ws.NewPingFrame(nil)); err != nil {
				m.remove(s, "ping write error")
				return
			}
			_ = s.conn.SetWriteDeadline(time.Time{})
		case <-s.done:
			s.flush(m.cfg.FlushGrace)
			return
		}
	}
}

func (s *Session) write(frame []byte, timeout time.Duration) bool {
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := wsutil.WriteServerMessage(s.conn, ws.OpText, frame)
	_ = s.conn.SetWriteDeadline(time.Time{})
	return err == nil
}

// flush writes already-queued frames until the queue is empty or the grace
// deadline passes.
func (s *Session) flush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for {
		select {
		case frame := <-s.send:
			remaining := time.Until(deadline)
			if remaining <= 0 || !s.write(frame, remaining) {
				return
			}
		default:
			return
		}
	}
}
