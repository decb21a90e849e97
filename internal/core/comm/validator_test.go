package comm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

func newTestValidator(strict bool) *Validator {
	return NewValidator(ValidatorConfig{Enabled: true, Strict: strict}, log.NewNop())
}

func validTestMessage(msgType MessageType, payload any) *Message {
	raw, _ := json.Marshal(payload)
	return &Message{
		ID:        "msg-1",
		Type:      msgType,
		Sender:    "alpha",
		Recipient: NewRecipient("beta"),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
		Priority:  PriorityNormal,
		Version:   ProtocolVersion,
	}
}

func TestValidate_ValidMessage(t *testing.T) {
	v := newTestValidator(false)

	res := v.Validate(validTestMessage(TypeTaskRequest, map[string]string{"task": "t"}))
	assert.True(t, res.Valid, "well-formed message should validate: %v", res.Errors)
	assert.Empty(t, res.Errors)
}

func TestValidate_AccumulatesAcrossStages(t *testing.T) {
	v := newTestValidator(false)

	msg := validTestMessage("bogus_type", map[string]string{"k": "v"})
	msg.Sender = ""
	msg.Metadata.Routing = &RoutingInfo{Route: []string{"a"}, Hops: 11, MaxHops: 10}

	res := v.Validate(msg)
	assert.False(t, res.Valid)
	// Structural (missing sender) and business (hop overflow) findings
	// must both be present; stages never short-circuit.
	assert.Contains(t, res.Errors, "sender is required")
	found := false
	for _, e := range res.Errors {
		if e == "routing hops 11 exceed maxHops 10" {
			found = true
		}
	}
	assert.True(t, found, "hop overflow should be an error: %v", res.Errors)
	assert.NotEmpty(t, res.Warnings, "unknown type should warn")
}

func TestValidate_SchemaStage(t *testing.T) {
	v := newTestValidator(false)
	v.RegisterSchema(TypeTaskRequest, Schema{
		Required:             []string{"taskId"},
		Properties:           map[string]PropertySpec{"taskId": {Type: "string"}, "budget": {Type: "number"}},
		AdditionalProperties: false,
	})

	t.Run("missing required field is an error", func(t *testing.T) {
		res := v.Validate(validTestMessage(TypeTaskRequest, map[string]any{"budget": 5.0}))
		assert.False(t, res.Valid)
		assert.Contains(t, res.Errors, `required payload field "taskId" missing`)
	})

	t.Run("unknown field is a warning", func(t *testing.T) {
		res := v.Validate(validTestMessage(TypeTaskRequest, map[string]any{"taskId": "t1", "extra": true}))
		assert.True(t, res.Valid, "unknown fields must not fail validation")
		assert.Contains(t, res.Warnings, `unknown payload field "extra"`)
	})

	t.Run("wrong property type is an error", func(t *testing.T) {
		res := v.Validate(validTestMessage(TypeTaskRequest, map[string]any{"taskId": 7}))
		assert.False(t, res.Valid)
	})

	t.Run("no schema registered is a warning", func(t *testing.T) {
		res := v.Validate(validTestMessage(TypeInfo, map[string]string{"k": "v"}))
		assert.True(t, res.Valid)
		assert.Contains(t, res.Warnings, `no schema registered for type "info"`)
		assert.NotEmpty(t, res.Suggestions)
	})
}

func TestValidate_CustomRules(t *testing.T) {
	v := newTestValidator(false)
	v.AddRule(CustomRule{ID: "r1", Field: "payload.owner", Kind: RuleFormat, Format: "email", Enabled: true})
	v.AddRule(CustomRule{ID: "r2", Field: "payload.count", Kind: RuleRange, Min: 1, Max: 10, Enabled: true})
	v.AddRule(CustomRule{ID: "r3", Field: "payload.name", Kind: RuleLength, MinLen: 2, MaxLen: 8, Enabled: true})

	res := v.Validate(validTestMessage(TypeCustom, map[string]any{
		"owner": "not-an-email",
		"count": 42.0,
		"name":  "x",
	}))
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 3, "each enabled rule should contribute its own failure: %v", res.Errors)

	v.SetRuleEnabled("r1", false)
	v.SetRuleEnabled("r2", false)
	v.RemoveRule("r3")
	res = v.Validate(validTestMessage(TypeCustom, map[string]any{
		"owner": "not-an-email",
		"count": 42.0,
		"name":  "x",
	}))
	assert.True(t, res.Valid, "disabled and removed rules must not fire: %v", res.Errors)
}

func TestValidate_Formats(t *testing.T) {
	cases := []struct {
		format string
		ok     string
		bad    string
	}{
		{"uuid", "9f9b2f6e-9a87-4a7e-8f0a-0a1b2c3d4e5f", "nope"},
		{"email", "dev@example.com", "dev@@example"},
		{"uri", "https://example.com/x", "://missing-scheme"},
		{"date-time", "2026-08-23T10:00:00Z", "2026-08-23"},
		{"ipv4", "10.0.0.1", "10.0.0.999"},
		{"ipv6", "::1", "10.0.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			assert.NoError(t, checkFormat(tc.ok, tc.format), "%q should satisfy %s", tc.ok, tc.format)
			assert.Error(t, checkFormat(tc.bad, tc.format), "%q should not satisfy %s", tc.bad, tc.format)
		})
	}
}

func TestValidate_BusinessStage(t *testing.T) {
	v := newTestValidator(false)

	t.Run("expired message warns but stays valid", func(t *testing.T) {
		msg := validTestMessage(TypeInfo, map[string]string{"k": "v"})
		msg.Timestamp = time.Now().Add(-2 * time.Hour).UnixMilli()
		msg.ExpiresAt = time.Now().Add(-time.Hour).UnixMilli()
		res := v.Validate(msg)
		assert.True(t, res.Valid, "expiry is diagnostic, not fatal")
		assert.NotEmpty(t, res.Warnings)
	})

	t.Run("self-addressed message warns", func(t *testing.T) {
		msg := validTestMessage(TypeInfo, map[string]string{"k": "v"})
		msg.Recipient = Recipient{msg.Sender}
		res := v.Validate(msg)
		assert.True(t, res.Valid, "loopback messages are legal")
		assert.Contains(t, res.Warnings, "sender appears in recipient list")
	})
}

func TestValidate_StrictModePromotesWarnings(t *testing.T) {
	strict := newTestValidator(true)

	msg := validTestMessage(TypeInfo, map[string]string{"k": "v"})
	res := strict.Validate(msg)
	require.NotEmpty(t, res.Warnings, "no-schema warning expected")
	assert.False(t, res.Valid, "strict mode should fail on warnings")
}
