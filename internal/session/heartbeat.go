package session

import "time"

// HeartbeatConfig holds keepalive tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping each session
	Timeout  time.Duration // max silence before eviction; 0 means 2x Interval
}

// DefaultHeartbeatConfig returns the observed production policy: a 30s ping
// with eviction after two silent intervals.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second}
}

// StartHeartbeat begins a background goroutine that pings every session on
// the interval and closes sessions with no inbound traffic inside the
// timeout window. The goroutine exits when stop is closed.
func (m *Manager) StartHeartbeat(cfg HeartbeatConfig, stop <-chan struct{}) {
	if cfg.Interval <= 0 {
		cfg = DefaultHeartbeatConfig()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * cfg.Interval
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sweep(timeout)
			}
		}
	}()
}

// sweep evicts stale sessions and pings the rest. Any inbound frame, data
// or control, counts as liveness.
func (m *Manager) sweep(timeout time.Duration) {
	now := time.Now()
	for _, s := range m.table.all() {
		if silent := now.Sub(s.LastSeen()); silent > timeout {
			m.log.Warn().
				Str("session", s.ID).
				Int64("user_id", s.User.ID).
				Dur("silent", silent.Round(time.Second)).
				Msg("session: heartbeat timeout")
			m.remove(s, "timeout")
			continue
		}
		s.enqueuePing()
	}
}
