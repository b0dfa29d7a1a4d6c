package bus

import "time"

// Event is a single bus event published to a topic.
type Event struct {
	Topic   string      `json:"topic"`
	Name    string      `json:"name"` // protocol.Event* constant
	AgentID string      `json:"agent_id,omitempty"`
	TaskID  string      `json:"task_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// EventHandler handles a delivered event. Handlers run on the
// subscriber's own delivery goroutine and must not block for long.
type EventHandler func(Event)

// Publisher is the narrow surface the core uses to emit events.
// Concrete implementation is the in-process Bus; a persistence worker
// or a UI bridge subscribes on the other side.
type Publisher interface {
	Publish(event Event)
}

// Subscriber registers handlers for topics. A topic ending in ":*"
// matches every topic sharing the prefix.
type Subscriber interface {
	Subscribe(id, topic string, handler EventHandler)
	Unsubscribe(id string)
}
