// Package registry provides the process-wide lookup from agent_id to
// live actor handle plus metadata. The registry does not own agents;
// the supervisor does, and it is the only writer.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is the narrow actor surface stored in the registry: enough to
// send mail and to terminate, without importing the actor package.
type Handle interface {
	Send(msg interface{}) bool
	Terminate()
}

// Entry is one registered agent.
type Entry struct {
	AgentID  string
	TaskID   uuid.UUID
	ParentID string // empty for roots
	Handle   Handle
}

// Registry is a reader-preferring map of live agents.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an entry, returning false when the agent_id is already
// occupied (an orphan conflict the caller must resolve).
func (r *Registry) Register(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.AgentID]; exists {
		return false
	}
	r.entries[e.AgentID] = e
	return true
}

// Unregister removes an agent. Unknown ids are a no-op.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.entries, agentID)
	r.mu.Unlock()
}

// Lookup returns the live entry for agentID, or nil.
func (r *Registry) Lookup(agentID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[agentID]
}

// LiveForTask returns all live entries belonging to a task.
func (r *Registry) LiveForTask(taskID uuid.UUID) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
