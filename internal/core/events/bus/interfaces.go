package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus.
//
// Key characteristics:
// - Type-based fan-out: handlers subscribe by Event.Type() string.
// - Synchronous delivery: Publish calls handler callbacks in the caller goroutine.
// - Error aggregation: multiple handler errors are joined and returned from Publish.
// - Optional observability: metrics are produced only when observers are registered.
//
// Handlers should be quick or offload heavy work to avoid blocking
// publishers. All methods must be safe for concurrent use.
type EventBus interface {
	// Publish delivers the event synchronously to all active subscribers of
	// event.Type(). If one or more handlers return an error, a joined error
	// is returned.
	Publish(event Event) error
	// PublishAsync publishes in a separate goroutine and returns a channel
	// that receives the joined delivery error (or nil) and is then closed.
	PublishAsync(event Event) <-chan error
	// Subscribe registers a handler for an event type and returns a
	// Subscription handle that can be used to cancel later.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. Safe to call with nil.
	Unsubscribe(Subscription) error

	// AddObserver registers an observer to receive delivery callbacks.
	AddObserver(obs Observer)
	// RemoveObserver unregisters a previously added observer.
	RemoveObserver(obs Observer)
	// Metrics returns a best-effort snapshot of accumulated counters.
	// Counters are collected only while at least one observer is registered.
	Metrics() Metrics
}

// Event is an immutable notification transported by the EventBus.
// Implementations should treat Event values as read-only.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

// EventHandler is a user callback invoked per delivered event. If it
// returns an error, Publish aggregates and returns it.
type EventHandler func(event Event) error

// Subscription represents a registered handler bound to an event type.
type Subscription interface {
	// ID is a unique identifier for this subscription.
	ID() string
	// EventType returns the event type this subscription listens to.
	EventType() string
	// IsActive reports whether this subscription is still registered.
	IsActive() bool
	// Cancel de-registers the handler from the bus. Multiple calls are safe.
	Cancel() error
}

// Observer is notified about publishes and deliveries. Implementations
// can export metrics or logs. Observers should return quickly.
type Observer interface {
	OnPublish(eventType string, event Event)
	OnDelivered(eventType string, handlers int, err error, durationMicros int64)
}

// Metrics is a minimal set of counters, updated only while at least one
// observer is registered.
type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
	SubscribersActive uint64
}
