package comm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the bus components.
var (
	ErrNoRouteFound      = errors.New("no route found")
	ErrMessageExpired    = errors.New("message expired")
	ErrMaxHopsExceeded   = errors.New("max hops exceeded, routing loop detected")
	ErrRejectedByRule    = errors.New("message rejected by routing rule")
	ErrQueueFull         = errors.New("message queue is full")
	ErrBackpressure      = errors.New("queue backpressure active")
	ErrNotInFlight       = errors.New("message not in flight")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrUnknownFormat     = errors.New("unknown serialization format")
	ErrNotAddressed      = errors.New("message not addressed to this agent")
)

// ValidationError reports the accumulated violations of a message. It is
// always recoverable and never raised mid-batch.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message validation failed: %s", strings.Join(e.Violations, "; "))
}

// SerializationError wraps validation failures and codec failures met
// while encoding or decoding an envelope.
type SerializationError struct {
	Op         string // "serialize" or "deserialize"
	Violations []string
	Cause      error
}

func (e *SerializationError) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("%s failed: %s", e.Op, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// RoutingError reports a resolution failure: no route, an expired
// message, or a detected loop.
type RoutingError struct {
	MessageID string
	Reason    string
	Cause     error
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("routing message %s: %s: %v", e.MessageID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("routing message %s: %s", e.MessageID, e.Reason)
}

func (e *RoutingError) Unwrap() error { return e.Cause }

// DeliveryError reports receipt of a message not addressed to the local
// agent.
type DeliveryError struct {
	MessageID  string
	LocalAgent string
	Recipient  Recipient
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message %s addressed to %v, not to local agent %s", e.MessageID, []string(e.Recipient), e.LocalAgent)
}

func (e *DeliveryError) Unwrap() error { return ErrNotAddressed }
