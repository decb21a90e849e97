package comm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentgrid/agentgrid/internal/core/events/bus"
	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

// AgentEndpoint is a routing table entry for one registered agent.
type AgentEndpoint struct {
	ID           string
	Address      string
	Capabilities []string
	Status       AgentStatus
	LastSeen     time.Time
	Load         float64
}

// HasCapability reports whether the agent advertises the capability.
func (a AgentEndpoint) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// CondOp is a routing rule condition operator.
type CondOp string

const (
	OpEquals      CondOp = "equals"
	OpNotEquals   CondOp = "not_equals"
	OpContains    CondOp = "contains"
	OpGreaterThan CondOp = "greater_than"
	OpLessThan    CondOp = "less_than"
	OpRegex       CondOp = "regex"
	OpIn          CondOp = "in"
)

// RuleCondition matches one message field against a value.
type RuleCondition struct {
	Field    string
	Operator CondOp
	Value    any
}

// ActionKind selects what a triggered rule does to a message.
type ActionKind string

const (
	ActionRoute     ActionKind = "route"     // rewrite the recipient
	ActionFilter    ActionKind = "filter"    // reject the message
	ActionTransform ActionKind = "transform" // mutate a field
	ActionLog       ActionKind = "log"       // annotate for logging
	ActionDelay     ActionKind = "delay"     // add delay metadata
)

// RuleAction is one action of a routing rule.
type RuleAction struct {
	Kind   ActionKind
	Target string // ActionTransform: field to mutate
	Value  any    // ActionRoute: new recipient; ActionTransform: new value; ActionDelay: millis
}

// RoutingRule rewrites, rejects or annotates messages before path
// resolution. Rules with higher Priority evaluate first.
type RoutingRule struct {
	ID         string
	Name       string
	Conditions []RuleCondition
	Actions    []RuleAction
	Priority   int
	Enabled    bool
}

// typeCapabilities is the fixed map from message type to the capability
// an agent must advertise to receive it when no direct route exists.
// Registered capability names must match against this table.
var typeCapabilities = map[MessageType]string{
	TypeTaskRequest:      "task_execution",
	TypeTaskCancel:       "task_execution",
	TypeKnowledgeRequest: "knowledge_access",
	TypeKnowledgeShare:   "knowledge_access",
	TypeKnowledgeUpdate:  "knowledge_access",
	TypeCapabilityQuery:  "system",
	TypeRegister:         "system",
	TypeUnregister:       "system",
	TypeControlStart:     "system",
	TypeControlStop:      "system",
	TypeControlPause:     "system",
	TypeControlResume:    "system",
}

// RouterStats counts routing outcomes.
type RouterStats struct {
	Routed      uint64
	Broadcasts  uint64
	CacheHits   uint64
	CacheMisses uint64
	Failures    uint64
}

type cacheEntry struct {
	path    []string
	hits    uint64
	lastHit time.Time
}

// Router resolves message recipients to concrete delivery paths: direct
// table lookups, capability matches, broadcasts or cached paths. It owns
// the routing table and the ordered rule list.
type Router struct {
	cfg    RouterConfig
	logger log.Log
	events bus.EventBus

	mu    sync.RWMutex
	table map[string]*AgentEndpoint
	order []string // registration order, drives broadcast fan-out order
	rules []RoutingRule
	cache map[string]*cacheEntry
	stats RouterStats
}

func NewRouter(cfg RouterConfig, logger log.Log, events bus.EventBus) *Router {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 10
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	return &Router{
		cfg:    cfg,
		logger: logger.With(log.String("component", "router")),
		events: events,
		table:  make(map[string]*AgentEndpoint),
		cache:  make(map[string]*cacheEntry),
	}
}

// RegisterAgent adds an agent to the routing table. Registering an
// existing id fails; use UpdateAgentStatus for liveness changes.
func (r *Router) RegisterAgent(ep AgentEndpoint) error {
	if ep.ID == "" {
		return fmt.Errorf("registering agent: id is required")
	}
	r.mu.Lock()
	if _, exists := r.table[ep.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registering agent %s: %w", ep.ID, ErrAlreadyRegistered)
	}
	if ep.Status == "" {
		ep.Status = AgentOnline
	}
	if ep.LastSeen.IsZero() {
		ep.LastSeen = time.Now()
	}
	r.table[ep.ID] = &ep
	r.order = append(r.order, ep.ID)
	r.mu.Unlock()

	r.logger.Info("agent registered",
		log.String("agent", ep.ID),
		log.Strings("capabilities", ep.Capabilities))
	_ = r.events.Publish(bus.NewEvent(EventAgentRegistered, "router", AgentEventData{Agent: ep}))
	return nil
}

// UnregisterAgent removes an agent and invalidates any cached paths that
// reference it.
func (r *Router) UnregisterAgent(id string) error {
	r.mu.Lock()
	ep, exists := r.table[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("unregistering agent %s: %w", id, ErrAgentNotFound)
	}
	delete(r.table, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for key, entry := range r.cache {
		for _, hop := range entry.path {
			if hop == id {
				delete(r.cache, key)
				break
			}
		}
	}
	removed := *ep
	r.mu.Unlock()

	r.logger.Info("agent unregistered", log.String("agent", id))
	_ = r.events.Publish(bus.NewEvent(EventAgentUnregistered, "router", AgentEventData{Agent: removed}))
	return nil
}

// UpdateAgentStatus changes an agent's availability and refreshes its
// last-seen time.
func (r *Router) UpdateAgentStatus(id string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, exists := r.table[id]
	if !exists {
		return fmt.Errorf("updating agent %s: %w", id, ErrAgentNotFound)
	}
	ep.Status = status
	ep.LastSeen = time.Now()
	return nil
}

// Agents returns a snapshot of the routing table in registration order.
func (r *Router) Agents() []AgentEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentEndpoint, 0, len(r.order))
	for _, id := range r.order {
		if ep, ok := r.table[id]; ok {
			out = append(out, *ep)
		}
	}
	return out
}

// AddRule installs a routing rule. Rules evaluate in descending priority
// order; insertion order breaks ties.
func (r *Router) AddRule(rule RoutingRule) {
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
	r.mu.Unlock()
}

// RemoveRule drops the rule with the given id.
func (r *Router) RemoveRule(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return
		}
	}
}

// Stats returns a snapshot of routing counters.
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// Route resolves the message's recipients to an ordered list of concrete
// agent ids. Enabled rules run once per call before resolution and may
// rewrite the recipient or reject the message outright. Each recipient
// entry resolves independently; results are concatenated with duplicates
// removed. Hop accounting caps re-routing at MaxHops.
func (r *Router) Route(msg *Message) ([]string, error) {
	if msg.Expired(time.Now()) {
		r.fail()
		return nil, &RoutingError{MessageID: msg.ID, Reason: "message expired", Cause: ErrMessageExpired}
	}

	if err := r.applyRules(msg); err != nil {
		r.fail()
		return nil, err
	}

	var path []string
	seen := make(map[string]struct{})
	for _, recipient := range msg.Recipient {
		resolved, err := r.resolve(msg, recipient)
		if err != nil {
			r.fail()
			return nil, err
		}
		for _, id := range resolved {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			path = append(path, id)
		}
	}
	if len(path) == 0 {
		r.fail()
		return nil, &RoutingError{MessageID: msg.ID, Reason: fmt.Sprintf("no recipients resolved for %v", []string(msg.Recipient)), Cause: ErrNoRouteFound}
	}

	if err := r.accountHop(msg, path); err != nil {
		r.fail()
		return nil, err
	}

	r.mu.Lock()
	r.stats.Routed++
	r.mu.Unlock()
	return path, nil
}

// applyRules evaluates all enabled rules in descending priority order.
// Rules run once per Route call, not once per recipient.
func (r *Router) applyRules(msg *Message) error {
	r.mu.RLock()
	rules := make([]RoutingRule, len(r.rules))
	copy(rules, r.rules)
	r.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled || !r.matches(msg, rule.Conditions) {
			continue
		}
		for _, action := range rule.Actions {
			switch action.Kind {
			case ActionRoute:
				switch v := action.Value.(type) {
				case string:
					msg.Recipient = Recipient{v}
				case []string:
					msg.Recipient = Recipient(v)
				}
			case ActionFilter:
				return &RoutingError{MessageID: msg.ID, Reason: fmt.Sprintf("rejected by rule %s", rule.ID), Cause: ErrRejectedByRule}
			case ActionTransform:
				r.transform(msg, action.Target, action.Value)
			case ActionLog:
				r.logger.Info("message matched logging rule",
					log.String("rule", rule.ID),
					log.String("message_id", msg.ID),
					log.String("type", string(msg.Type)))
			case ActionDelay:
				if ms, ok := toFloat(action.Value); ok {
					msg.Metadata.Tags = append(msg.Metadata.Tags, fmt.Sprintf("delay:%dms", int64(ms)))
				}
			}
		}
	}
	return nil
}

func (r *Router) matches(msg *Message, conditions []RuleCondition) bool {
	for _, cond := range conditions {
		val, ok := fieldValue(msg, cond.Field)
		if !ok || !evalCondition(val, cond.Operator, cond.Value) {
			return false
		}
	}
	return true
}

func (r *Router) transform(msg *Message, field string, value any) {
	switch field {
	case "priority":
		if f, ok := toFloat(value); ok {
			p := Priority(int(f))
			if p.Valid() {
				msg.Priority = p
			}
		}
	case "sender":
		if s, ok := value.(string); ok {
			msg.Sender = s
		}
	case "version":
		if s, ok := value.(string); ok {
			msg.Version = s
		}
	case "metadata.tags":
		if s, ok := value.(string); ok {
			msg.Metadata.Tags = append(msg.Metadata.Tags, s)
		}
	default:
		r.logger.Warn("transform action targets unsupported field", log.String("field", field))
	}
}

// resolve finds the delivery path for a single recipient entry:
// cache, direct table match, capability match, then broadcast fallback
// for discovery and heartbeat traffic.
func (r *Router) resolve(msg *Message, recipient string) ([]string, error) {
	if recipient == Broadcast {
		online := r.onlineAgents()
		r.mu.Lock()
		r.stats.Broadcasts++
		r.mu.Unlock()
		return online, nil
	}

	cacheKey := msg.Sender + "|" + recipient + "|" + string(msg.Type)
	if r.cfg.CacheEnabled {
		if path, hit := r.cacheLookup(cacheKey); hit {
			return path, nil
		}
	}

	var path []string
	r.mu.RLock()
	if ep, exists := r.table[recipient]; exists && ep.Status != AgentOffline {
		path = []string{recipient}
	}
	r.mu.RUnlock()

	if path == nil {
		if capability, mapped := typeCapabilities[msg.Type]; mapped {
			// All capable online agents are candidates, not just the first.
			for _, ep := range r.onlineEndpoints() {
				if ep.HasCapability(capability) {
					path = append(path, ep.ID)
				}
			}
		}
	}

	if path == nil && (msg.Type == TypeDiscover || msg.Type == TypeHeartbeat) {
		path = r.onlineAgents()
		if len(path) > 0 {
			r.mu.Lock()
			r.stats.Broadcasts++
			r.mu.Unlock()
		}
	}

	if len(path) == 0 {
		return nil, &RoutingError{MessageID: msg.ID, Reason: fmt.Sprintf("no route found for recipient %q", recipient), Cause: ErrNoRouteFound}
	}

	if r.cfg.CacheEnabled {
		r.cacheStore(cacheKey, path)
	}
	return path, nil
}

// accountHop updates routing metadata: first routing sets the route and
// hops=1; re-routing of the same message increments hops. Exceeding
// MaxHops is a hard routing error, the loop-prevention mechanism.
func (r *Router) accountHop(msg *Message, path []string) error {
	if msg.Metadata.Routing == nil {
		msg.Metadata.Routing = &RoutingInfo{Route: append([]string(nil), path...), Hops: 1, MaxHops: r.cfg.MaxHops}
		return nil
	}
	ri := msg.Metadata.Routing
	ri.Hops++
	ri.Route = append(ri.Route, path...)
	if ri.Hops > ri.MaxHops {
		return &RoutingError{MessageID: msg.ID, Reason: fmt.Sprintf("hops %d exceed maxHops %d", ri.Hops, ri.MaxHops), Cause: ErrMaxHopsExceeded}
	}
	return nil
}

func (r *Router) onlineAgents() []string {
	var out []string
	for _, ep := range r.onlineEndpoints() {
		out = append(out, ep.ID)
	}
	return out
}

func (r *Router) onlineEndpoints() []AgentEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentEndpoint, 0, len(r.order))
	for _, id := range r.order {
		if ep, ok := r.table[id]; ok && ep.Status == AgentOnline {
			out = append(out, *ep)
		}
	}
	return out
}

func (r *Router) cacheLookup(key string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, hit := r.cache[key]
	if !hit {
		r.stats.CacheMisses++
		return nil, false
	}
	entry.hits++
	entry.lastHit = time.Now()
	r.stats.CacheHits++
	return append([]string(nil), entry.path...), true
}

func (r *Router) cacheStore(key string, path []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.cfg.CacheSize {
		r.evictLocked()
	}
	r.cache[key] = &cacheEntry{path: append([]string(nil), path...), lastHit: time.Now()}
}

// evictLocked drops the least-recently-hit cache entry.
func (r *Router) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range r.cache {
		if oldestKey == "" || entry.lastHit.Before(oldest) {
			oldestKey = key
			oldest = entry.lastHit
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

func (r *Router) fail() {
	r.mu.Lock()
	r.stats.Failures++
	r.mu.Unlock()
}

// evalCondition compares a resolved field value against a rule value.
func evalCondition(val any, op CondOp, expected any) bool {
	switch op {
	case OpEquals:
		return equalValues(val, expected)
	case OpNotEquals:
		return !equalValues(val, expected)
	case OpContains:
		switch v := val.(type) {
		case string:
			s, ok := expected.(string)
			return ok && strings.Contains(v, s)
		case []string:
			for _, item := range v {
				if equalValues(item, expected) {
					return true
				}
			}
		case []any:
			for _, item := range v {
				if equalValues(item, expected) {
					return true
				}
			}
		}
		return false
	case OpGreaterThan:
		a, okA := toFloat(val)
		b, okB := toFloat(expected)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(val)
		b, okB := toFloat(expected)
		return okA && okB && a < b
	case OpRegex:
		s, okS := val.(string)
		pattern, okP := expected.(string)
		if !okS || !okP {
			return false
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	case OpIn:
		switch list := expected.(type) {
		case []string:
			for _, item := range list {
				if equalValues(val, item) {
					return true
				}
			}
		case []any:
			for _, item := range list {
				if equalValues(val, item) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case Priority:
		return float64(n), true
	default:
		return 0, false
	}
}
