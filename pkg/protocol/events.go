package protocol

import "fmt"

// Event names pushed over the bus to UI and persistence subscribers.
const (
	EventTaskCreated   = "task.created"
	EventTaskPausing   = "task.pausing"
	EventTaskPaused    = "task.paused"
	EventTaskRunning   = "task.running"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskDeleted   = "task.deleted"

	EventAgentSpawned   = "agent.spawned"
	EventAgentDismissed = "agent.dismissed"
	EventAgentStopped   = "agent.stopped"
	EventAgentFailed    = "agent.failed"
	EventAgentRestored  = "agent.restored"

	EventConsensusStarted = "consensus.started"
	EventConsensusDecided = "consensus.decided"
	EventConsensusFailed  = "consensus.failed"

	EventActionStarted   = "action.started"
	EventActionCompleted = "action.completed"
	EventActionFailed    = "action.failed"

	EventShellStarted  = "shell.started"
	EventShellExited   = "shell.exited"
	EventWaitScheduled = "wait.scheduled"
	EventWaitExpired   = "wait.expired"

	EventMessage = "message"
	EventLog     = "log"
)

// Topic builders. Subscribers match a literal topic, a "prefix:*"
// pattern, or "*" for every topic.
func TaskMessagesTopic(taskID string) string { return fmt.Sprintf("tasks:%s:messages", taskID) }
func AgentLogsTopic(agentID string) string   { return fmt.Sprintf("agents:%s:logs", agentID) }
func AgentSpawnedTopic(agentID string) string {
	return fmt.Sprintf("agents:%s:spawned", agentID)
}
func AgentDismissedTopic(agentID string) string {
	return fmt.Sprintf("agents:%s:dismissed", agentID)
}

// Shared topics.
const (
	TopicShellEvents = "shell:events"
	TopicWaitEvents  = "wait:events"
	TopicAllTasks    = "tasks:*"
	TopicAllAgents   = "agents:*"
)
