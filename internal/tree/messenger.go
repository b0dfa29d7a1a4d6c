package tree

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/actor"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

// SendAgentMessage routes an inter-agent message into the recipient's
// mailbox. "parent" resolves through the sender's registry metadata; a
// root sending to "parent" reaches the user — distinct from a missing
// registry entry, which is an explicit agent_not_found error.
func (m *Manager) SendAgentMessage(ctx context.Context, fromID, toID, content string) error {
	if toID == "parent" {
		sender := m.reg.Lookup(fromID)
		if sender == nil {
			return fmt.Errorf("%w: %s", router.ErrAgentNotFound, fromID)
		}
		if sender.ParentID == "" {
			return m.SendUserMessage(ctx, sender.TaskID, fromID, content)
		}
		toID = sender.ParentID
	}

	target := m.reg.Lookup(toID)
	if target == nil {
		return fmt.Errorf("%w: %s", router.ErrAgentNotFound, toID)
	}
	if !target.Handle.Send(actor.AgentMessage{FromID: fromID, Content: content}) {
		return fmt.Errorf("%w: %s is terminating", router.ErrAgentNotFound, toID)
	}
	return nil
}

// SendUserMessage persists a user-visible message and publishes it on
// the task's message topic.
func (m *Manager) SendUserMessage(ctx context.Context, taskID uuid.UUID, fromID, content string) error {
	rec := &store.MessageRecord{
		ID:        store.GenNewID(),
		TaskID:    taskID,
		FromAgent: fromID,
		Recipient: "user",
		Content:   content,
	}
	if err := m.stores.Messages.Insert(ctx, rec); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic:   protocol.TaskMessagesTopic(taskID.String()),
			Name:    protocol.EventMessage,
			AgentID: fromID,
			TaskID:  taskID.String(),
			Payload: map[string]interface{}{"content": content},
		})
	}
	return nil
}
