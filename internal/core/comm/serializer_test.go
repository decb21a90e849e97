package comm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

func newTestSerializer() *Serializer {
	return NewSerializer(SerializerConfig{Format: FormatJSON}, log.NewNop())
}

func TestNewMessage_Defaults(t *testing.T) {
	s := newTestSerializer()

	msg, err := s.NewMessage(TypeHeartbeat, "s", NewRecipient("r"), map[string]string{"status": "alive"}, nil)
	require.NoError(t, err, "should build a heartbeat without error")

	assert.NotEmpty(t, msg.ID, "id should be generated")
	assert.Equal(t, PriorityNormal, msg.Priority, "default priority should be normal")
	assert.Equal(t, "1.0.0", msg.Version, "default version should be 1.0.0")
	assert.NotEmpty(t, msg.CorrelationID, "correlation id should be derived")
	assert.Positive(t, msg.Timestamp, "timestamp should be set")
}

func TestNewMessage_Overrides(t *testing.T) {
	s := newTestSerializer()

	msg, err := s.NewMessage(TypeTaskRequest, "s", NewRecipient("r"), map[string]string{"task": "t"}, &MessageOptions{
		Priority:      PriorityCritical,
		CorrelationID: "corr-1",
		ParentID:      "parent-1",
		Tags:          []string{"urgent"},
	})
	require.NoError(t, err)

	assert.Equal(t, PriorityCritical, msg.Priority)
	assert.Equal(t, "corr-1", msg.CorrelationID, "supplied correlation id should win over derivation")
	assert.Equal(t, "parent-1", msg.ParentID)
	assert.Equal(t, []string{"urgent"}, msg.Metadata.Tags)
}

func TestDeriveCorrelationID_Deterministic(t *testing.T) {
	a := deriveCorrelationID("s", NewRecipient("r"), TypeTaskRequest, 1700000000000)
	b := deriveCorrelationID("s", NewRecipient("r"), TypeTaskRequest, 1700000000000)
	c := deriveCorrelationID("s", NewRecipient("r"), TypeTaskRequest, 1700000000001)

	assert.Equal(t, a, b, "same inputs should derive the same correlation id")
	assert.NotEqual(t, a, c, "different timestamp should derive a different correlation id")
}

func TestSerialize_RoundTrip(t *testing.T) {
	s := newTestSerializer()

	msg, err := s.NewMessage(TypeKnowledgeShare, "alpha", Recipient{"beta", "gamma"}, map[string]any{"fact": "x", "weight": 2.5}, nil)
	require.NoError(t, err)

	data, err := s.Serialize(msg, nil)
	require.NoError(t, err, "serialize should succeed for a valid message")

	got, err := s.Deserialize(data, nil)
	require.NoError(t, err, "deserialize should reverse serialize")
	assert.Equal(t, msg, got, "round-trip should preserve every field")
}

func TestSerialize_FormatShimsEncodeAsJSON(t *testing.T) {
	s := newTestSerializer()
	msg, err := s.NewMessage(TypeInfo, "s", NewRecipient("r"), map[string]string{"k": "v"}, nil)
	require.NoError(t, err)

	jsonBytes, err := s.Serialize(msg, &SerializeOptions{Format: FormatJSON})
	require.NoError(t, err)

	for _, format := range []Format{FormatMsgPack, FormatProtobuf, FormatAvro} {
		data, err := s.Serialize(msg, &SerializeOptions{Format: format})
		require.NoError(t, err, "format %s should be accepted", format)
		assert.Equal(t, jsonBytes, data, "format %s should currently encode as JSON", format)
	}

	_, err = s.Serialize(msg, &SerializeOptions{Format: "bson"})
	assert.ErrorIs(t, err, ErrUnknownFormat, "unlisted formats should be refused")
}

func TestSerialize_CompressionAboveThreshold(t *testing.T) {
	s := newTestSerializer()

	big := strings.Repeat("agentgrid ", 300) // well past the 1024-byte threshold
	msg, err := s.NewMessage(TypeKnowledgeShare, "s", NewRecipient("r"), map[string]string{"blob": big}, nil)
	require.NoError(t, err)

	data, err := s.Serialize(msg, &SerializeOptions{Format: FormatJSON, Compression: true})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, gzipMagic), "large payloads should be gzip-compressed")

	got, err := s.Deserialize(data, &DeserializeOptions{Format: FormatJSON, Decompress: true})
	require.NoError(t, err)
	assert.Equal(t, msg, got, "compressed round-trip should preserve the message")
}

func TestSerialize_SmallPayloadSkipsCompression(t *testing.T) {
	s := newTestSerializer()

	msg, err := s.NewMessage(TypeInfo, "s", NewRecipient("r"), map[string]string{"k": "v"}, nil)
	require.NoError(t, err)

	data, err := s.Serialize(msg, &SerializeOptions{Format: FormatJSON, Compression: true})
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(data, gzipMagic), "payloads under the threshold should stay uncompressed")
}

func TestSerialize_ReportsEveryViolation(t *testing.T) {
	s := newTestSerializer()

	msg := &Message{
		Type:      TypeInfo,
		Recipient: Recipient{},
		Priority:  Priority(9),
		Timestamp: 100,
		ExpiresAt: 50,
	}

	_, err := s.Serialize(msg, nil)
	require.Error(t, err)

	var serr *SerializationError
	require.ErrorAs(t, err, &serr, "error should be a SerializationError")
	assert.GreaterOrEqual(t, len(serr.Violations), 5, "every broken rule should be listed: %v", serr.Violations)
}

func TestRecipient_WireForms(t *testing.T) {
	var single Recipient
	require.NoError(t, single.UnmarshalJSON([]byte(`"agent-1"`)))
	assert.Equal(t, Recipient{"agent-1"}, single)

	var many Recipient
	require.NoError(t, many.UnmarshalJSON([]byte(`["a","b"]`)))
	assert.Equal(t, Recipient{"a", "b"}, many)

	data, err := Recipient{"a"}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"a"`, string(data), "single recipient should marshal as a bare string")

	data, err = Recipient{"a", "b"}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))

	var bad Recipient
	assert.Error(t, bad.UnmarshalJSON([]byte(`42`)), "non-string recipient should be refused")
}
