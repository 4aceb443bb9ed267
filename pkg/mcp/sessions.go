package mcp

import "sync"

// SessionRegistry maps actors (approvers, calling agents) to MCP session IDs.
// Filled whenever a tool call carries agent_id or actor.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // actor -> sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates actor with sessionID, replacing any earlier session.
func (r *SessionRegistry) Register(actor, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actor] = sessionID
}

// SessionFor returns the session of actor, if known.
func (r *SessionRegistry) SessionFor(actor string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actor]
	return sid, ok
}

// Remove forgets every actor bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, actor)
		}
	}
}
