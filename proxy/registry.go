package proxy

import (
	"sync"

	uuid "github.com/satori/go.uuid"
)

// Registry tracks every live intercepted session so an external
// shutdown trigger can sweep them all. A session is registered before
// any forwarding happens and unregistered exactly once when its client
// connection closes.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*ConnContext
}

func newRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*ConnContext),
	}
}

func (r *Registry) register(connCtx *ConnContext) {
	r.mu.Lock()
	r.sessions[connCtx.Id()] = connCtx
	r.mu.Unlock()
}

func (r *Registry) unregister(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll force-closes every registered session's sockets. Blocked
// reads and writes unblock with a close-induced error, so each
// session's goroutine unwinds and unregisters itself.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*ConnContext, 0, len(r.sessions))
	for _, connCtx := range r.sessions {
		sessions = append(sessions, connCtx)
	}
	r.mu.Unlock()

	for _, connCtx := range sessions {
		connCtx.ClientConn.Conn.Close()
	}
}
