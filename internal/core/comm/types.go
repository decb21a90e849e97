package comm

// MessageType defines the closed set of message types carried by the bus.
type MessageType string

const (
	// System types

	TypeHeartbeat  MessageType = "heartbeat"
	TypeRegister   MessageType = "register"
	TypeUnregister MessageType = "unregister"
	TypeDiscover   MessageType = "discover"

	// Capability types

	TypeCapabilityQuery    MessageType = "capability_query"
	TypeCapabilityResponse MessageType = "capability_response"

	// Task types

	TypeTaskRequest  MessageType = "task_request"
	TypeTaskResponse MessageType = "task_response"
	TypeTaskProgress MessageType = "task_progress"
	TypeTaskComplete MessageType = "task_complete"
	TypeTaskError    MessageType = "task_error"
	TypeTaskCancel   MessageType = "task_cancel"

	// Knowledge types

	TypeKnowledgeShare    MessageType = "knowledge_share"
	TypeKnowledgeRequest  MessageType = "knowledge_request"
	TypeKnowledgeResponse MessageType = "knowledge_response"
	TypeKnowledgeUpdate   MessageType = "knowledge_update"

	// Control types

	TypeControlStart  MessageType = "control_start"
	TypeControlStop   MessageType = "control_stop"
	TypeControlPause  MessageType = "control_pause"
	TypeControlResume MessageType = "control_resume"

	// Notification types

	TypeError   MessageType = "error"
	TypeWarning MessageType = "warning"
	TypeInfo    MessageType = "info"

	// Extension point

	TypeCustom MessageType = "custom"
)

var knownTypes = map[MessageType]struct{}{
	TypeHeartbeat: {}, TypeRegister: {}, TypeUnregister: {}, TypeDiscover: {},
	TypeCapabilityQuery: {}, TypeCapabilityResponse: {},
	TypeTaskRequest: {}, TypeTaskResponse: {}, TypeTaskProgress: {},
	TypeTaskComplete: {}, TypeTaskError: {}, TypeTaskCancel: {},
	TypeKnowledgeShare: {}, TypeKnowledgeRequest: {}, TypeKnowledgeResponse: {}, TypeKnowledgeUpdate: {},
	TypeControlStart: {}, TypeControlStop: {}, TypeControlPause: {}, TypeControlResume: {},
	TypeError: {}, TypeWarning: {}, TypeInfo: {}, TypeCustom: {},
}

// Known reports whether the type belongs to the closed enumeration.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Priority defines message priority levels. Values are part of the wire
// format and must stay in [1,5].
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// Valid reports whether the priority is inside the supported range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Escalate raises the priority one level, capped at critical. Used by the
// queue so retried work does not starve behind fresh low-priority traffic.
func (p Priority) Escalate() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AgentStatus represents the availability of a registered agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// AckStatus is the outcome a consumer reports for a dispatched message.
type AckStatus string

const (
	AckOK     AckStatus = "ack"
	AckNack   AckStatus = "nack"
	AckReject AckStatus = "reject"
)

// Broadcast is the reserved recipient meaning "all online agents".
const Broadcast = "*"

// ProtocolVersion is the envelope version stamped on new messages.
const ProtocolVersion = "1.0.0"
