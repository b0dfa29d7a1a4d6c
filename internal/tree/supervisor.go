// Package tree is the tree lifecycle controller: task creation, child
// spawn/dismiss workers, pause with sweep, restore with orphan
// cleanup, and boot revival. The supervisor here owns every actor
// handle; the registry only indexes them.
package tree

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/quorum/internal/actor"
	"github.com/nextlevelbuilder/quorum/internal/registry"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// ErrRegistryConflict reports an agent_id already occupied by a live
// process (an orphan the caller may clean up and retry).
var ErrRegistryConflict = errors.New("registry_conflict")

const stopWaitTimeout = 10 * time.Second

// Supervisor starts and stops agent actors and keeps them registered.
type Supervisor struct {
	reg *registry.Registry

	mu     sync.Mutex
	agents map[string]*actor.Agent
}

func NewSupervisor(reg *registry.Registry) *Supervisor {
	return &Supervisor{
		reg:    reg,
		agents: make(map[string]*actor.Agent),
	}
}

// StartAgent builds, registers and starts one actor. Registration is
// refused when the agent_id is already live.
func (s *Supervisor) StartAgent(cfg actor.Config) (*actor.Agent, error) {
	agent := actor.New(cfg)
	entry := &registry.Entry{
		AgentID:  cfg.AgentID,
		TaskID:   cfg.TaskID,
		ParentID: cfg.ParentID,
		Handle:   agent,
	}
	if !s.reg.Register(entry) {
		return nil, fmt.Errorf("%w: %s", ErrRegistryConflict, cfg.AgentID)
	}

	s.mu.Lock()
	s.agents[cfg.AgentID] = agent
	s.mu.Unlock()

	agent.Start()

	// Whatever way the actor exits, the registry entry must go with
	// it.
	go func() {
		<-agent.Stopped()
		s.reg.Unregister(cfg.AgentID)
		s.mu.Lock()
		delete(s.agents, cfg.AgentID)
		s.mu.Unlock()
	}()

	return agent, nil
}

// Agent returns the live actor for agentID, or nil.
func (s *Supervisor) Agent(agentID string) *actor.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[agentID]
}

// Terminate force-stops an agent and waits for its loop to exit.
// Unknown ids are a no-op.
func (s *Supervisor) Terminate(agentID string) {
	s.mu.Lock()
	agent := s.agents[agentID]
	s.mu.Unlock()
	if agent == nil {
		// Not one of ours (stale registry entry): drop the entry.
		s.reg.Unregister(agentID)
		return
	}
	agent.Terminate()
	select {
	case <-agent.Stopped():
	case <-time.After(stopWaitTimeout):
	}
}

// MarkStopped persists a terminal status for an agent record.
func MarkStopped(agents store.AgentStore, agentID string, status store.AgentStatus) {
	if agents == nil {
		return
	}
	ctx, cancel := persistCtx()
	defer cancel()
	_ = agents.UpdateStatus(ctx, agentID, status)
}
