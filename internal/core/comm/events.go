package comm

// Event names published on the manager's bus. Together with the payload
// structs below they form the closed set of observable events; free-form
// event payloads are not used.
const (
	EventMessageSent      = "messageSent"
	EventMessageReceived  = "messageReceived"
	EventMessageProcessed = "messageProcessed"

	EventSendError    = "sendError"
	EventReceiveError = "receiveError"
	EventProcessError = "processError"
	EventQueueError   = "queueError"

	EventAgentRegistered   = "agentRegistered"
	EventAgentUnregistered = "agentUnregistered"

	EventBatchReady          = "batchReady"
	EventBackpressureChanged = "backpressureChanged"
	EventEnqueueRejected     = "enqueueRejected"
	EventMessageDeadLettered = "messageDeadLettered"
	EventMessageRetried      = "messageRetried"

	EventTaskRequested      = "taskRequested"
	EventKnowledgeRequested = "knowledgeRequested"
	EventCustomMessage      = "customMessage"

	EventConfigUpdated = "configUpdated"
	EventShutdown      = "shutdown"
)

// MessageEventData accompanies messageSent, messageReceived,
// messageProcessed, taskRequested, knowledgeRequested and customMessage.
type MessageEventData struct {
	Message *Message
}

// ErrorEventData accompanies the *Error events.
type ErrorEventData struct {
	Op        string
	MessageID string
	Err       error
}

// AgentEventData accompanies agentRegistered and agentUnregistered.
type AgentEventData struct {
	Agent AgentEndpoint
}

// BatchEventData accompanies batchReady.
type BatchEventData struct {
	Batch *Batch
}

// BackpressureEventData accompanies backpressureChanged.
type BackpressureEventData struct {
	Engaged   bool
	Occupancy int
	Window    int
}

// RejectEventData accompanies enqueueRejected.
type RejectEventData struct {
	MessageID string
	Reason    string
}

// DeadLetterEventData accompanies messageDeadLettered.
type DeadLetterEventData struct {
	DeadLetter DeadLetter
}

// RetryEventData accompanies messageRetried.
type RetryEventData struct {
	MessageID  string
	RetryCount int
	Priority   Priority
}

// ConfigEventData accompanies configUpdated.
type ConfigEventData struct {
	Config Config
}
