package comm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentgrid/agentgrid/internal/core/events/bus"
	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

// Manager ties the serializer, validator, router and queue into one
// send/receive/process facade. It owns explicitly constructed component
// instances; there is no process-wide hidden state. Queue and router
// events surface on the manager's bus, so callers have a single
// subscriber surface.
type Manager struct {
	agentID string
	logger  log.Log
	events  bus.EventBus

	serializer *Serializer
	validator  *Validator
	router     *Router
	queue      *Queue

	mu       sync.RWMutex
	cfg      Config
	failures atomic.Uint64
}

// RegisterPayload is the body of register messages.
type RegisterPayload struct {
	AgentID      string   `json:"agentId"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
}

// heartbeatReply is the body of heartbeat responses.
type heartbeatReply struct {
	Status  string `json:"status"`
	ReplyTo string `json:"replyTo"`
}

// localCapabilities is the static capability set reported for
// capability queries.
var localCapabilities = []string{"messaging", "routing", "system"}

func NewManager(agentID string, cfg Config, logger log.Log) *Manager {
	logger = logger.With(log.String("component", "manager"), log.String("agent", agentID))
	events := bus.New()
	return &Manager{
		agentID:    agentID,
		logger:     logger,
		events:     events,
		cfg:        cfg,
		serializer: NewSerializer(cfg.Serializer, logger),
		validator:  NewValidator(cfg.Validator, logger),
		router:     NewRouter(cfg.Router, logger, events),
		queue:      NewQueue(cfg.Queue, logger, events),
	}
}

// Events exposes the manager's bus for subscribers such as dashboards
// and health checkers.
func (m *Manager) Events() bus.EventBus { return m.events }

// AgentID returns the id the manager answers to.
func (m *Manager) AgentID() string { return m.agentID }

// Validator exposes the validator for schema and rule registration.
func (m *Manager) Validator() *Validator { return m.validator }

// Serializer exposes the envelope codec, e.g. for transport adapters.
func (m *Manager) Serializer() *Serializer { return m.serializer }

// Start launches the queue's dispatch loop.
func (m *Manager) Start() { m.queue.Start() }

// Send builds, validates, routes, serializes and enqueues an outbound
// message. An enqueue refusal is a hard failure of the call, not a
// silent drop. Every failure increments the failure counter and emits a
// sendError event before the error is returned.
func (m *Manager) Send(msgType MessageType, recipient Recipient, payload any, opts *MessageOptions) (*Message, error) {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	msg, err := m.serializer.NewMessage(msgType, m.agentID, recipient, payload, opts)
	if err != nil {
		return nil, m.sendFailed("", err)
	}

	if cfg.Validator.Enabled {
		if res := m.validator.Validate(msg); !res.Valid {
			return nil, m.sendFailed(msg.ID, &ValidationError{Violations: append(res.Errors, res.Warnings...)})
		}
	}

	if cfg.Router.Enabled {
		path, err := m.router.Route(msg)
		if err != nil {
			return nil, m.sendFailed(msg.ID, err)
		}
		msg.Recipient = Recipient(path)
	}

	if _, err := m.serializer.Serialize(msg, nil); err != nil {
		return nil, m.sendFailed(msg.ID, err)
	}

	if !m.queue.Enqueue(msg) {
		return nil, m.sendFailed(msg.ID, fmt.Errorf("enqueuing message %s: %w", msg.ID, ErrQueueFull))
	}

	m.logger.Debug("message sent",
		log.String("message_id", msg.ID),
		log.String("type", string(msgType)),
		log.Strings("recipient", msg.Recipient))
	_ = m.events.Publish(bus.NewEvent(EventMessageSent, "manager", MessageEventData{Message: msg}))
	return msg, nil
}

// Receive deserializes and validates an inbound envelope, rejects
// messages not addressed to the local agent, and dispatches the rest to
// Process.
func (m *Manager) Receive(data []byte, opts *DeserializeOptions) (*Message, error) {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	msg, err := m.serializer.Deserialize(data, opts)
	if err != nil {
		return nil, m.receiveFailed("", err)
	}

	if cfg.Validator.Enabled {
		if res := m.validator.Validate(msg); !res.Valid {
			return nil, m.receiveFailed(msg.ID, &ValidationError{Violations: append(res.Errors, res.Warnings...)})
		}
	}

	if !msg.Recipient.Contains(m.agentID) && !msg.Recipient.IsBroadcast() {
		return nil, m.receiveFailed(msg.ID, &DeliveryError{MessageID: msg.ID, LocalAgent: m.agentID, Recipient: msg.Recipient})
	}

	_ = m.events.Publish(bus.NewEvent(EventMessageReceived, "manager", MessageEventData{Message: msg}))

	if err := m.Process(msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Process dispatches a message to the built-in handler for its type.
// Unknown types are re-emitted as customMessage events rather than
// rejected; that is the extension point for new message types.
func (m *Manager) Process(msg *Message) error {
	var err error
	switch msg.Type {
	case TypeHeartbeat:
		err = m.handleHeartbeat(msg)
	case TypeRegister:
		err = m.handleRegister(msg)
	case TypeUnregister:
		err = m.handleUnregister(msg)
	case TypeDiscover:
		err = m.handleDiscover(msg)
	case TypeCapabilityQuery:
		err = m.handleCapabilityQuery(msg)
	case TypeTaskRequest:
		_ = m.events.Publish(bus.NewEvent(EventTaskRequested, "manager", MessageEventData{Message: msg}))
	case TypeKnowledgeRequest:
		_ = m.events.Publish(bus.NewEvent(EventKnowledgeRequested, "manager", MessageEventData{Message: msg}))
	default:
		_ = m.events.Publish(bus.NewEvent(EventCustomMessage, "manager", MessageEventData{Message: msg}))
	}

	if err != nil {
		m.failures.Add(1)
		_ = m.events.Publish(bus.NewEvent(EventProcessError, "manager", ErrorEventData{Op: "process", MessageID: msg.ID, Err: err}))
		return err
	}

	_ = m.events.Publish(bus.NewEvent(EventMessageProcessed, "manager", MessageEventData{Message: msg}))
	return nil
}

func (m *Manager) handleHeartbeat(msg *Message) error {
	if msg.Sender == m.agentID {
		// Loopback heartbeat, nothing to answer.
		return nil
	}
	_, err := m.Send(TypeHeartbeat, NewRecipient(msg.Sender), heartbeatReply{Status: "alive", ReplyTo: msg.ID}, &MessageOptions{ParentID: msg.ID})
	return err
}

func (m *Manager) handleRegister(msg *Message) error {
	var body RegisterPayload
	if err := msg.DecodePayload(&body); err != nil {
		return fmt.Errorf("decoding register payload: %w", err)
	}
	if body.AgentID == "" {
		body.AgentID = msg.Sender
	}
	return m.router.RegisterAgent(AgentEndpoint{
		ID:           body.AgentID,
		Address:      body.Address,
		Capabilities: body.Capabilities,
		Status:       AgentOnline,
	})
}

func (m *Manager) handleUnregister(msg *Message) error {
	var body RegisterPayload
	if err := msg.DecodePayload(&body); err != nil {
		return fmt.Errorf("decoding unregister payload: %w", err)
	}
	if body.AgentID == "" {
		body.AgentID = msg.Sender
	}
	return m.router.UnregisterAgent(body.AgentID)
}

func (m *Manager) handleDiscover(msg *Message) error {
	snapshot := m.router.Agents()
	agents := make([]RegisterPayload, 0, len(snapshot))
	for _, ep := range snapshot {
		agents = append(agents, RegisterPayload{AgentID: ep.ID, Address: ep.Address, Capabilities: ep.Capabilities})
	}
	_, err := m.Send(TypeInfo, NewRecipient(msg.Sender), map[string]any{"agents": agents}, &MessageOptions{ParentID: msg.ID})
	return err
}

func (m *Manager) handleCapabilityQuery(msg *Message) error {
	_, err := m.Send(TypeCapabilityResponse, NewRecipient(msg.Sender), map[string]any{"capabilities": localCapabilities}, &MessageOptions{ParentID: msg.ID})
	return err
}

// RegisterAgent adds an agent to the routing table.
func (m *Manager) RegisterAgent(ep AgentEndpoint) error { return m.router.RegisterAgent(ep) }

// UnregisterAgent removes an agent from the routing table.
func (m *Manager) UnregisterAgent(id string) error { return m.router.UnregisterAgent(id) }

// UpdateAgentStatus changes a registered agent's availability.
func (m *Manager) UpdateAgentStatus(id string, status AgentStatus) error {
	return m.router.UpdateAgentStatus(id, status)
}

// Agents returns the routing table snapshot in registration order.
func (m *Manager) Agents() []AgentEndpoint { return m.router.Agents() }

// AddRoutingRule installs a routing rule.
func (m *Manager) AddRoutingRule(rule RoutingRule) { m.router.AddRule(rule) }

// RemoveRoutingRule drops a routing rule by id.
func (m *Manager) RemoveRoutingRule(id string) { m.router.RemoveRule(id) }

// Acknowledge resolves the fate of a dispatched message.
func (m *Manager) Acknowledge(messageID, by string, status AckStatus, reason string) error {
	return m.queue.Acknowledge(messageID, by, status, reason)
}

// Stats returns queue counters.
func (m *Manager) Stats() Stats { return m.queue.Stats() }

// FlowControl returns the queue's flow-control snapshot.
func (m *Manager) FlowControl() FlowControlState { return m.queue.FlowControl() }

// DeadLetters returns the retained dead letters.
func (m *Manager) DeadLetters() []DeadLetter { return m.queue.DeadLetters() }

// ClearDeadLetters discards retained dead letters.
func (m *Manager) ClearDeadLetters() { m.queue.ClearDeadLetters() }

// Failures returns the manager-level failure counter.
func (m *Manager) Failures() uint64 { return m.failures.Load() }

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// UpdateConfig merges the overrides section by section and emits
// configUpdated. Component instances keep running with their original
// wiring; only behavior toggles read from the config take effect.
func (m *Manager) UpdateConfig(o Overrides) {
	m.mu.Lock()
	m.cfg = m.cfg.With(o)
	cfg := m.cfg
	m.mu.Unlock()
	_ = m.events.Publish(bus.NewEvent(EventConfigUpdated, "manager", ConfigEventData{Config: cfg}))
}

// Shutdown stops the dispatch loop, unregisters every agent and drains
// the queue. Failures are reported via an event and returned; shutdown
// problems are visible, never swallowed.
func (m *Manager) Shutdown() error {
	var errs error

	m.queue.Stop()

	for _, ep := range m.router.Agents() {
		if err := m.router.UnregisterAgent(ep.ID); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	m.queue.Drain()

	if errs != nil {
		m.failures.Add(1)
		_ = m.events.Publish(bus.NewEvent(EventShutdown, "manager", ErrorEventData{Op: "shutdown", Err: errs}))
		return fmt.Errorf("shutdown: %w", errs)
	}
	m.logger.Info("manager shut down")
	_ = m.events.Publish(bus.NewEvent(EventShutdown, "manager", nil))
	return nil
}

func (m *Manager) sendFailed(messageID string, err error) error {
	m.failures.Add(1)
	m.logger.Error("send failed", log.String("message_id", messageID), log.Error(err))
	_ = m.events.Publish(bus.NewEvent(EventSendError, "manager", ErrorEventData{Op: "send", MessageID: messageID, Err: err}))
	return err
}

func (m *Manager) receiveFailed(messageID string, err error) error {
	m.failures.Add(1)
	m.logger.Error("receive failed", log.String("message_id", messageID), log.Error(err))
	_ = m.events.Publish(bus.NewEvent(EventReceiveError, "manager", ErrorEventData{Op: "receive", MessageID: messageID, Err: err}))
	return err
}
