package actor

import (
	"context"
	"log/slog"
	"time"
)

const persistTimeout = 5 * time.Second

// persist writes the agent record through to the store. Best-effort:
// on DB error the actor logs and continues — liveness beats
// durability mid-run.
func (a *Agent) persist() {
	if a.cfg.Stores == nil || a.cfg.Stores.Agents == nil {
		return
	}
	rec, err := a.EncodeRecord()
	if err != nil {
		slog.Warn("actor: persist encode failed", "agent", a.cfg.AgentID, "error", err)
		return
	}

	// Detached context: persistence must survive actor cancellation
	// during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.cfg.Stores.Agents.Upsert(ctx, rec); err != nil {
		slog.Warn("actor: persist failed", "agent", a.cfg.AgentID, "error", err)
	}
}
