package comm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Recipient is the destination of a message: one or more agent ids, or
// the broadcast marker "*". On the wire it is either a bare string or an
// array of strings; both forms decode into the same slice.
type Recipient []string

// NewRecipient builds a single-destination recipient.
func NewRecipient(id string) Recipient { return Recipient{id} }

// MarshalJSON emits a bare string for a single destination and an array
// otherwise, matching the wire envelope.
func (r Recipient) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = Recipient{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipient must be a string or an array of strings")
	}
	*r = Recipient(many)
	return nil
}

// Contains reports whether the recipient list includes the given id.
func (r Recipient) Contains(id string) bool {
	for _, v := range r {
		if v == id {
			return true
		}
	}
	return false
}

// IsBroadcast reports whether any entry is the broadcast marker.
func (r Recipient) IsBroadcast() bool { return r.Contains(Broadcast) }

// RoutingInfo tracks the path a message has taken through the router.
type RoutingInfo struct {
	Route   []string `json:"route"`
	Hops    int      `json:"hops"`
	MaxHops int      `json:"maxHops"`
}

// Metadata carries the delivery-related attributes of a message.
type Metadata struct {
	Compression bool         `json:"compression,omitempty"`
	Encryption  bool         `json:"encryption,omitempty"`
	RetryCount  int          `json:"retryCount,omitempty"`
	MaxRetries  int          `json:"maxRetries,omitempty"`
	Timeout     int64        `json:"timeout,omitempty"` // milliseconds
	Tags        []string     `json:"tags,omitempty"`
	Routing     *RoutingInfo `json:"routing,omitempty"`
}

// Message is the unit of communication between agents. The JSON shape is
// the wire envelope and must stay bit-exact.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Sender        string          `json:"sender"`
	Recipient     Recipient       `json:"recipient"`
	Timestamp     int64           `json:"timestamp"` // epoch milliseconds
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	Priority      Priority        `json:"priority"`
	Version       string          `json:"version"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ParentID      string          `json:"parentId,omitempty"`
	ExpiresAt     int64           `json:"expiresAt,omitempty"`
}

// Expired reports whether the message's expiry has passed. Messages
// without an expiry never expire.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt > 0 && m.ExpiresAt < now.UnixMilli()
}

// DecodePayload unmarshals the opaque payload into out.
func (m *Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	return json.Unmarshal(m.Payload, out)
}

// EpochMillis converts a time to the envelope's millisecond representation.
func EpochMillis(t time.Time) int64 { return t.UnixMilli() }
