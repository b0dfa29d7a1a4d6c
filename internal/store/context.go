package store

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxKeyAgentID  contextKey = "agent_id"
	ctxKeyTaskID   contextKey = "task_id"
	ctxKeyActionID contextKey = "action_id"
)

// WithAgentID tags ctx with the acting agent for downstream routing.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxKeyAgentID, agentID)
}

// AgentIDFromContext returns the acting agent id, or "".
func AgentIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyAgentID).(string)
	return v
}

// WithTaskID tags ctx with the owning task.
func WithTaskID(ctx context.Context, taskID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyTaskID, taskID)
}

// TaskIDFromContext returns the owning task id, or uuid.Nil.
func TaskIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxKeyTaskID).(uuid.UUID)
	return v
}

// WithActionID tags ctx with the running action.
func WithActionID(ctx context.Context, actionID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKeyActionID, actionID)
}

// ActionIDFromContext returns the running action id, or uuid.Nil.
func ActionIDFromContext(ctx context.Context) uuid.UUID {
	v, _ := ctx.Value(ctxKeyActionID).(uuid.UUID)
	return v
}
