package comm

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

// Result is the outcome of running all validation stages against a
// message. Stages accumulate; they never short-circuit.
type Result struct {
	Valid       bool
	Errors      []string
	Warnings    []string
	Suggestions []string
}

// Schema describes the expected payload shape for one message type.
type Schema struct {
	Required             []string
	Properties           map[string]PropertySpec
	AdditionalProperties bool
}

// PropertySpec constrains a single payload property.
type PropertySpec struct {
	Type string // "string", "number", "boolean", "object", "array"
}

// RuleKind selects the check a custom rule performs.
type RuleKind string

const (
	RuleRequired RuleKind = "required"
	RuleType     RuleKind = "type"
	RuleFormat   RuleKind = "format"
	RuleRange    RuleKind = "range"
	RuleLength   RuleKind = "length"
	RulePattern  RuleKind = "pattern"
	RuleCustom   RuleKind = "custom"
)

// CustomRule is a field-level validation rule. Each rule is independently
// enabled and contributes its own message on failure.
type CustomRule struct {
	ID      string
	Field   string
	Kind    RuleKind
	Enabled bool
	Message string

	// Kind-specific parameters.
	ExpectedType string            // RuleType
	Format       string            // RuleFormat: uuid, email, uri, date-time, ipv4, ipv6
	Min, Max     float64           // RuleRange
	MinLen       int               // RuleLength
	MaxLen       int               // RuleLength
	Pattern      string            // RulePattern
	Check        func(v any) error // RuleCustom
}

// Validator runs structural, schema, custom-rule and business-logic
// validation and reports all findings in one Result. It is independent of
// transport so it can be used standalone, e.g. by the manager before
// routing.
type Validator struct {
	cfg    ValidatorConfig
	logger log.Log

	mu      sync.RWMutex
	schemas map[MessageType]Schema
	rules   []CustomRule
}

func NewValidator(cfg ValidatorConfig, logger log.Log) *Validator {
	return &Validator{
		cfg:     cfg,
		logger:  logger.With(log.String("component", "validator")),
		schemas: make(map[MessageType]Schema),
	}
}

// RegisterSchema installs or replaces the schema for a message type.
func (v *Validator) RegisterSchema(msgType MessageType, schema Schema) {
	v.mu.Lock()
	v.schemas[msgType] = schema
	v.mu.Unlock()
}

// AddRule appends a custom rule. Rules run in insertion order.
func (v *Validator) AddRule(rule CustomRule) {
	v.mu.Lock()
	v.rules = append(v.rules, rule)
	v.mu.Unlock()
}

// RemoveRule drops the rule with the given id.
func (v *Validator) RemoveRule(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, r := range v.rules {
		if r.ID == id {
			v.rules = append(v.rules[:i], v.rules[i+1:]...)
			return
		}
	}
}

// SetRuleEnabled toggles a rule without removing it.
func (v *Validator) SetRuleEnabled(id string, enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.rules {
		if v.rules[i].ID == id {
			v.rules[i].Enabled = enabled
			return
		}
	}
}

// Validate runs every stage and accumulates findings. In strict mode
// warnings count against validity as well.
func (v *Validator) Validate(msg *Message) Result {
	var res Result

	res.Errors = append(res.Errors, structuralViolations(msg)...)
	if msg == nil {
		res.Valid = false
		return res
	}

	v.validateSchema(msg, &res)
	v.applyRules(msg, &res)
	v.validateBusiness(msg, &res)

	res.Valid = len(res.Errors) == 0
	if v.cfg.Strict && len(res.Warnings) > 0 {
		res.Valid = false
	}
	return res
}

func (v *Validator) validateSchema(msg *Message, res *Result) {
	v.mu.RLock()
	schema, ok := v.schemas[msg.Type]
	v.mu.RUnlock()
	if !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("no schema registered for type %q", msg.Type))
		res.Suggestions = append(res.Suggestions, fmt.Sprintf("register a schema for %q to enable payload checks", msg.Type))
		return
	}

	body := decodePayloadMap(msg)
	if body == nil {
		res.Errors = append(res.Errors, fmt.Sprintf("payload of %q is not an object, cannot apply schema", msg.Type))
		return
	}

	for _, field := range schema.Required {
		if _, present := body[field]; !present {
			res.Errors = append(res.Errors, fmt.Sprintf("required payload field %q missing", field))
		}
	}
	for name, val := range body {
		spec, known := schema.Properties[name]
		if !known {
			if !schema.AdditionalProperties {
				res.Warnings = append(res.Warnings, fmt.Sprintf("unknown payload field %q", name))
			}
			continue
		}
		if spec.Type != "" && !matchesJSONType(val, spec.Type) {
			res.Errors = append(res.Errors, fmt.Sprintf("payload field %q is not of type %s", name, spec.Type))
		}
	}
}

func (v *Validator) applyRules(msg *Message, res *Result) {
	v.mu.RLock()
	rules := make([]CustomRule, len(v.rules))
	copy(rules, v.rules)
	v.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if msgText := v.applyRule(msg, rule); msgText != "" {
			res.Errors = append(res.Errors, msgText)
		}
	}
}

// applyRule returns the failure text for a rule, or "" on success.
func (v *Validator) applyRule(msg *Message, rule CustomRule) string {
	fail := func(detail string) string {
		if rule.Message != "" {
			return rule.Message
		}
		return fmt.Sprintf("rule %s on field %q failed: %s", rule.ID, rule.Field, detail)
	}

	val, present := fieldValue(msg, rule.Field)
	if rule.Kind == RuleRequired {
		if !present || val == nil || val == "" {
			return fail("value is required")
		}
		return ""
	}
	if !present {
		// Non-required rules only constrain values that exist.
		return ""
	}

	switch rule.Kind {
	case RuleType:
		if !matchesJSONType(val, rule.ExpectedType) {
			return fail(fmt.Sprintf("expected type %s", rule.ExpectedType))
		}
	case RuleFormat:
		str, ok := val.(string)
		if !ok {
			return fail("format rules require a string value")
		}
		if err := checkFormat(str, rule.Format); err != nil {
			return fail(err.Error())
		}
	case RuleRange:
		num, ok := val.(float64)
		if !ok {
			return fail("range rules require a numeric value")
		}
		if num < rule.Min || num > rule.Max {
			return fail(fmt.Sprintf("value %v outside [%v, %v]", num, rule.Min, rule.Max))
		}
	case RuleLength:
		str, ok := val.(string)
		if !ok {
			return fail("length rules require a string value")
		}
		if len(str) < rule.MinLen || (rule.MaxLen > 0 && len(str) > rule.MaxLen) {
			return fail(fmt.Sprintf("length %d outside [%d, %d]", len(str), rule.MinLen, rule.MaxLen))
		}
	case RulePattern:
		str, ok := val.(string)
		if !ok {
			return fail("pattern rules require a string value")
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			v.logger.Warn("invalid rule pattern", log.String("rule", rule.ID), log.Error(err))
			return ""
		}
		if !re.MatchString(str) {
			return fail(fmt.Sprintf("value does not match %s", rule.Pattern))
		}
	case RuleCustom:
		if rule.Check == nil {
			return ""
		}
		if err := rule.Check(val); err != nil {
			return fail(err.Error())
		}
	}
	return ""
}

func (v *Validator) validateBusiness(msg *Message, res *Result) {
	now := time.Now()
	if msg.Expired(now) {
		// Expired-but-received messages can still be diagnostically
		// useful, so expiry is a warning here.
		res.Warnings = append(res.Warnings, fmt.Sprintf("message expired at %d", msg.ExpiresAt))
	}
	if r := msg.Metadata.Routing; r != nil && r.Hops > r.MaxHops {
		res.Errors = append(res.Errors, fmt.Sprintf("routing hops %d exceed maxHops %d", r.Hops, r.MaxHops))
	}
	if msg.Type != "" && !msg.Type.Known() {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if msg.Recipient.Contains(msg.Sender) {
		// Self-addressed messages are legal for loopback tests.
		res.Warnings = append(res.Warnings, "sender appears in recipient list")
	}
}

var emailAddrRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// checkFormat applies one of the supported format validators.
func checkFormat(val, format string) error {
	switch format {
	case "uuid":
		if _, err := uuid.Parse(val); err != nil {
			return fmt.Errorf("not a valid uuid")
		}
	case "email":
		if _, err := mail.ParseAddress(val); err != nil || !emailAddrRe.MatchString(val) {
			return fmt.Errorf("not a valid email address")
		}
	case "uri":
		u, err := url.Parse(val)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("not a valid uri")
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, val); err != nil {
			return fmt.Errorf("not a valid RFC 3339 date-time")
		}
	case "ipv4":
		ip := net.ParseIP(val)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("not a valid IPv4 address")
		}
	case "ipv6":
		ip := net.ParseIP(val)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("not a valid IPv6 address")
		}
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
	return nil
}

// matchesJSONType compares a decoded JSON value against a schema type name.
func matchesJSONType(val any, typeName string) bool {
	switch typeName {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		_, ok := val.(float64)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "":
		return true
	default:
		return false
	}
}
