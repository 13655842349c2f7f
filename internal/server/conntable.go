package server

import (
	"context"
	"sync"
)

// ConnTable tracks the live connection of each session so the call_hangup
// tool can close it from inside a turn. One connection per session; a new
// connection for the same session displaces the old one.
type ConnTable struct {
	mu    sync.Mutex
	conns map[string]*tableEntry
}

type tableEntry struct {
	close func()
}

// NewConnTable constructs an empty table.
func NewConnTable() *ConnTable {
	return &ConnTable{conns: make(map[string]*tableEntry)}
}

// bind registers closeFn as the session's connection closer and returns an
// unbind function. Unbind is a no-op when a newer connection has already
// displaced this one.
func (t *ConnTable) bind(sid string, closeFn func()) func() {
	entry := &tableEntry{close: closeFn}
	t.mu.Lock()
	t.conns[sid] = entry
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if t.conns[sid] == entry {
			delete(t.conns, sid)
		}
		t.mu.Unlock()
	}
}

// Hangup closes the session's live connection. Hanging up a session with no
// connection is a no-op: the caller's intent (no further audio) already
// holds.
func (t *ConnTable) Hangup(_ context.Context, sid string) error {
	t.mu.Lock()
	entry, ok := t.conns[sid]
	delete(t.conns, sid)
	t.mu.Unlock()

	if ok {
		entry.close()
	}
	return nil
}
