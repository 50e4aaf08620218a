package session

import "sync"

// table is the goroutine-safe session registry, keyed by session id. It is
// an owned object injected into the manager rather than package state, so
// tests and multiple server instances each hold an independent table.
type table struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func newTable() *table {
	return &table{byID: make(map[string]*Session)}
}

func (t *table) add(s *Session) {
	t.mu.Lock()
	t.byID[s.ID] = s
	t.mu.Unlock()
}

// remove deletes a session by id, reporting whether it was present. The
// bool lets racing teardown paths elect a single winner.
func (t *table) remove(id string) bool {
	t.mu.Lock()
	_, ok := t.byID[id]
	delete(t.byID, id)
	t.mu.Unlock()
	return ok
}

func (t *table) get(id string) *Session {
	t.mu.RLock()
	s := t.byID[id]
	t.mu.RUnlock()
	return s
}

func (t *table) count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}

// all returns a snapshot safe to iterate without the lock.
func (t *table) all() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	t.mu.RUnlock()
	return out
}
