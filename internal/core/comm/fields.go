package comm

import (
	"encoding/json"
	"strings"
)

// fieldValue resolves a dotted field path against a message. Top-level
// envelope fields are addressed by name; payload fields are addressed as
// "payload.<key>...". Returns the value and whether the path resolved.
func fieldValue(msg *Message, path string) (any, bool) {
	switch path {
	case "id":
		return msg.ID, true
	case "type":
		return string(msg.Type), true
	case "sender":
		return msg.Sender, true
	case "recipient":
		return []string(msg.Recipient), true
	case "timestamp":
		return float64(msg.Timestamp), true
	case "priority":
		return float64(msg.Priority), true
	case "version":
		return msg.Version, true
	case "correlationId":
		return msg.CorrelationID, true
	case "parentId":
		return msg.ParentID, true
	case "expiresAt":
		return float64(msg.ExpiresAt), true
	case "metadata.tags":
		return msg.Metadata.Tags, true
	case "metadata.retryCount":
		return float64(msg.Metadata.RetryCount), true
	case "payload":
		return decodePayloadMap(msg), len(msg.Payload) > 0
	}
	if rest, ok := strings.CutPrefix(path, "payload."); ok {
		return payloadField(msg, rest)
	}
	return nil, false
}

func decodePayloadMap(msg *Message) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return nil
	}
	return body
}

func payloadField(msg *Message, path string) (any, bool) {
	body := decodePayloadMap(msg)
	if body == nil {
		return nil, false
	}
	var cur any = body
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
