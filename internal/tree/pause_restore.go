package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/actor"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

// ErrAllAgentsFailed reports a restore in which not a single agent
// came back.
var ErrAllAgentsFailed = errors.New("all_agents_failed")

const (
	pauseGraceWindow   = 500 * time.Millisecond
	pausePollInterval  = 250 * time.Millisecond
	pauseWatchDeadline = 2 * time.Minute
)

// PauseTask drains the task's agents gracefully: stop_requested is
// sent directly into each agent mailbox (never through a worker that
// could reorder it against in-flight triggers), then a sweep catches
// agents that registered between enumeration and send.
func (m *Manager) PauseTask(ctx context.Context, taskID uuid.UUID) error {
	live := m.reg.LiveForTask(taskID)
	if len(live) == 0 {
		if err := m.stores.Tasks.UpdateStatus(ctx, taskID, store.TaskPaused); err != nil {
			return err
		}
		m.publishTask(taskID, protocol.EventTaskPaused, nil)
		return nil
	}

	if err := m.stores.Tasks.UpdateStatus(ctx, taskID, store.TaskPausing); err != nil {
		return err
	}
	m.publishTask(taskID, protocol.EventTaskPausing, nil)

	// Direct send preserves FIFO: every trigger already mailboxed is
	// processed (collapsed by the drain) before the stop.
	alreadyStopped := make(map[string]bool, len(live))
	for _, entry := range live {
		if entry.Handle.Send(actor.StopRequested{}) {
			alreadyStopped[entry.AgentID] = true
		}
	}

	go func() {
		// Sweep: agents spawned between enumeration and send still get
		// their stop.
		time.Sleep(pauseGraceWindow)
		for _, entry := range m.reg.LiveForTask(taskID) {
			if !alreadyStopped[entry.AgentID] {
				entry.Handle.Send(actor.StopRequested{})
			}
		}

		deadline := time.Now().Add(pauseWatchDeadline)
		for time.Now().Before(deadline) {
			if len(m.reg.LiveForTask(taskID)) == 0 {
				pctx, cancel := persistCtx()
				_ = m.stores.Tasks.UpdateStatus(pctx, taskID, store.TaskPaused)
				cancel()
				m.publishTask(taskID, protocol.EventTaskPaused, nil)
				slog.Info("task paused", "task", taskID.String())
				return
			}
			time.Sleep(pausePollInterval)
		}

		// Stragglers past the deadline are terminated so the pause
		// eventually lands.
		for _, entry := range m.reg.LiveForTask(taskID) {
			slog.Warn("pause: terminating straggler", "agent", entry.AgentID)
			m.sup.Terminate(entry.AgentID)
		}
		pctx, cancel := persistCtx()
		_ = m.stores.Tasks.UpdateStatus(pctx, taskID, store.TaskPaused)
		cancel()
		m.publishTask(taskID, protocol.EventTaskPaused, nil)
	}()

	return nil
}

// RestoreTask revives a task's persisted agents, parents first.
// Individual failures don't halt the restore; children of failed
// parents are skipped. Orphaned registry entries for the task are
// terminated afterwards and their records marked stopped.
func (m *Manager) RestoreTask(ctx context.Context, taskID uuid.UUID) (string, error) {
	records, err := m.stores.Agents.ListForTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}

	eligible := make([]*store.AgentRecord, 0, len(records))
	for _, rec := range records {
		if restorable(rec.Status) {
			eligible = append(eligible, rec)
		}
	}

	restored := make(map[string]bool, len(eligible))
	failed := make(map[string]bool)
	var rootID string
	var successful, failCount, skipped int

	for _, rec := range eligible {
		if rec.ParentID != "" && failed[rec.ParentID] {
			// A child of a failed parent cannot run: skip it and taint
			// its own subtree.
			failed[rec.AgentID] = true
			skipped++
			continue
		}

		agent, err := m.restoreAgent(rec)
		if err != nil {
			slog.Warn("restore: agent failed", "agent", rec.AgentID, "error", err)
			failed[rec.AgentID] = true
			failCount++
			continue
		}

		restored[rec.AgentID] = true
		successful++
		if rec.ParentID == "" {
			rootID = rec.AgentID
		}
		// Resume work where the pause drained it.
		agent.Send(actor.TriggerConsensus{})
	}

	if successful == 0 {
		return "", ErrAllAgentsFailed
	}
	if failCount > 0 {
		slog.Warn(fmt.Sprintf("Partial restore: %d agents failed", failCount),
			"task", taskID.String(), "successful", successful, "skipped", skipped)
	}

	// Orphan cleanup: any live entry for this task outside the
	// restored set is terminated and its record marked stopped.
	for _, entry := range m.reg.LiveForTask(taskID) {
		if !restored[entry.AgentID] {
			slog.Warn("restore: terminating orphan", "agent", entry.AgentID)
			m.sup.Terminate(entry.AgentID)
			MarkStopped(m.stores.Agents, entry.AgentID, store.AgentStopped)
		}
	}

	if err := m.stores.Tasks.UpdateStatus(ctx, taskID, store.TaskRunning); err != nil {
		slog.Warn("restore: task status update failed", "task", taskID.String(), "error", err)
	}
	m.publishTask(taskID, protocol.EventTaskRunning, map[string]interface{}{
		"restored": successful, "failed": failCount, "skipped": skipped,
	})
	return rootID, nil
}

// restoreAgent starts one persisted agent. A stale registry occupant
// under the same id is terminated and the start retried once.
func (m *Manager) restoreAgent(rec *store.AgentRecord) (*actor.Agent, error) {
	cfg, fields, state, err := actor.DecodeRecord(rec)
	if err != nil {
		return nil, err
	}
	profile, err := m.cfg.ResolveProfile(cfg.ProfileName)
	if err != nil {
		return nil, err
	}

	acfg := m.actorConfig(rec.ID, rec.AgentID, rec.TaskID, rec.ParentID,
		cfg.ProfileName, profile, fields, state.Budget, &state)

	agent, err := m.sup.StartAgent(acfg)
	if errors.Is(err, ErrRegistryConflict) {
		// Orphan conflict: terminate the stale occupant, retry once.
		m.sup.Terminate(rec.AgentID)
		agent, err = m.sup.StartAgent(acfg)
	}
	if err != nil {
		return nil, err
	}

	if _, ok := agent.SyncState(bootSyncWait); !ok {
		m.sup.Terminate(rec.AgentID)
		return nil, fmt.Errorf("agent %s failed boot confirmation", rec.AgentID)
	}

	if m.bus != nil {
		m.publishTask(rec.TaskID, protocol.EventAgentRestored, map[string]interface{}{"agent": rec.AgentID})
	}
	return agent, nil
}

func restorable(status store.AgentStatus) bool {
	for _, s := range store.RestorableAgentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ReviveOnBoot restores every running task at process start. Failures
// are logged and isolated per task; boot always succeeds.
func (m *Manager) ReviveOnBoot(ctx context.Context) {
	tasks, err := m.stores.Tasks.List(ctx, store.TaskRunning)
	if err != nil {
		slog.Error("boot revival: list tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		if _, err := m.RestoreTask(ctx, task.ID); err != nil {
			slog.Error("boot revival: task restore failed", "task", task.ID.String(), "error", err)
		}
	}
}
