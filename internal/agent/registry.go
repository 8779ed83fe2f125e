package agent

import (
	"sync"

	"github.com/anomalyco/deskagent/internal/acp"
)

// sessionRegistry tracks which space currently maps to which live session.
// Session ids are minted by the adapter and mean nothing once the connection
// is gone, so the whole table is dropped on every stop or reconnect.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]acp.SessionID
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]acp.SessionID)}
}

func (r *sessionRegistry) get(spaceID string) (acp.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[spaceID]
	return id, ok
}

func (r *sessionRegistry) put(spaceID string, id acp.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[spaceID] = id
}

func (r *sessionRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]acp.SessionID)
}
