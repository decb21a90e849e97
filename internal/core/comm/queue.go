package comm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgrid/agentgrid/internal/core/events/bus"
	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

// laneCount matches the number of priority levels.
const laneCount = 5

// FlowControlState is a snapshot of the queue's flow-control window.
type FlowControlState struct {
	WindowSize   int
	InWindow     int
	Backpressure bool
	FlowRate     int // messages per second
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued            uint64
	Dequeued            uint64
	Processed           uint64
	Failed              uint64
	Retried             uint64
	DeadLettered        uint64
	Rejected            uint64
	Depth               int
	InFlight            int
	AvgProcessingMillis float64
}

// DeadLetter retains a message that exhausted its retry budget or was
// explicitly rejected. Dead letters are kept for inspection, never
// re-delivered automatically.
type DeadLetter struct {
	Message    *Message
	Reason     string
	FailedAt   time.Time
	RetryCount int
	MaxRetries int
}

// Batch is a group of dequeued messages handed to the dispatch loop's
// consumers. ExpiresAt bounds how long consumers may hold it.
type Batch struct {
	ID        string
	Messages  []*Message
	CreatedAt time.Time
	ExpiresAt time.Time
}

type inflightEntry struct {
	msg        *Message
	dequeuedAt time.Time
}

// Queue is the priority message queue: five FIFO lanes, a flow-control
// window with backpressure, acknowledgment-driven retries with priority
// escalation, a capped dead-letter queue and a batch dispatch loop.
//
// One mutex guards the lanes, the in-flight list and the flow counters;
// enqueue, dequeue, acknowledge and the dispatch loop are the only
// mutators.
type Queue struct {
	cfg    QueueConfig
	logger log.Log
	events bus.EventBus

	mu       sync.Mutex
	lanes    [laneCount][]*Message // index 0 holds priority 1
	depth    int
	flow     FlowControlState
	inflight map[string]*inflightEntry
	dead     []DeadLetter
	stats    Stats

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewQueue(cfg QueueConfig, logger log.Log, events bus.EventBus) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlowRate <= 0 {
		cfg.FlowRate = 100
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = 1000
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger.With(log.String("component", "queue")),
		events:   events,
		inflight: make(map[string]*inflightEntry),
		flow:     FlowControlState{WindowSize: cfg.WindowSize, FlowRate: cfg.FlowRate},
	}
}

// Enqueue appends the message to the lane matching its priority. It
// refuses (returns false and emits enqueueRejected) while backpressure
// is active or total occupancy has reached MaxSize; refusal is a flow
// signal, not an error.
func (q *Queue) Enqueue(msg *Message) bool {
	if !msg.Priority.Valid() {
		q.reject(msg.ID, fmt.Sprintf("invalid priority %d", msg.Priority))
		return false
	}

	q.mu.Lock()
	if q.flow.Backpressure {
		q.stats.Rejected++
		q.mu.Unlock()
		q.reject(msg.ID, ErrBackpressure.Error())
		return false
	}
	if q.cfg.MaxSize > 0 && q.depth >= q.cfg.MaxSize {
		q.stats.Rejected++
		q.mu.Unlock()
		q.reject(msg.ID, ErrQueueFull.Error())
		return false
	}

	q.pushLocked(msg)
	q.flow.InWindow++
	engaged := false
	if !q.flow.Backpressure && q.flow.InWindow >= q.flow.WindowSize {
		q.flow.Backpressure = true
		engaged = true
	}
	occupancy := q.flow.InWindow
	q.mu.Unlock()

	if engaged {
		q.logger.Warn("backpressure engaged", log.Int("occupancy", occupancy), log.Int("window", q.cfg.WindowSize))
		_ = q.events.Publish(bus.NewEvent(EventBackpressureChanged, "queue", BackpressureEventData{Engaged: true, Occupancy: occupancy, Window: q.cfg.WindowSize}))
	}
	return true
}

// Dequeue pops the head of the highest-priority non-empty lane. Strict
// priority first, FIFO within a priority; this ordering is the queue's
// core invariant.
func (q *Queue) Dequeue() (*Message, bool) {
	q.mu.Lock()
	msg, ok := q.popLocked()
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	released := q.releaseWindowLocked()
	occupancy := q.flow.InWindow
	q.mu.Unlock()

	if released {
		q.logger.Info("backpressure released", log.Int("occupancy", occupancy), log.Int("window", q.cfg.WindowSize))
		_ = q.events.Publish(bus.NewEvent(EventBackpressureChanged, "queue", BackpressureEventData{Engaged: false, Occupancy: occupancy, Window: q.cfg.WindowSize}))
	}
	return msg, true
}

// ProcessBatch dequeues up to n messages, tracks them in flight and
// returns them as a batch stamped with a processing deadline. It returns
// false when the queue is empty.
func (q *Queue) ProcessBatch(n int) (*Batch, bool) {
	if n <= 0 {
		n = q.cfg.BatchSize
	}

	now := time.Now()
	var msgs []*Message
	var released bool
	q.mu.Lock()
	for len(msgs) < n {
		msg, ok := q.popLocked()
		if !ok {
			break
		}
		q.inflight[msg.ID] = &inflightEntry{msg: msg, dequeuedAt: now}
		msgs = append(msgs, msg)
		if q.releaseWindowLocked() {
			released = true
		}
	}
	occupancy := q.flow.InWindow
	q.stats.InFlight = len(q.inflight)
	q.mu.Unlock()

	if released {
		_ = q.events.Publish(bus.NewEvent(EventBackpressureChanged, "queue", BackpressureEventData{Engaged: false, Occupancy: occupancy, Window: q.cfg.WindowSize}))
	}
	if len(msgs) == 0 {
		return nil, false
	}
	return &Batch{
		ID:        uuid.NewString(),
		Messages:  msgs,
		CreatedAt: now,
		ExpiresAt: now.Add(q.cfg.ProcessingTimeout),
	}, true
}

// Start launches the background dispatch loop. The loop repeatedly forms
// batches, publishes batchReady and paces itself at 1000/FlowRate ms per
// iteration. On an internal error it backs off for a second and keeps
// going; only Stop terminates it.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	stopCh, doneCh := q.stopCh, q.doneCh
	q.mu.Unlock()

	go q.dispatchLoop(stopCh, doneCh)
	q.logger.Info("dispatch loop started", log.Int("flow_rate", q.cfg.FlowRate), log.Int("batch_size", q.cfg.BatchSize))
}

func (q *Queue) dispatchLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	pace := time.Second / time.Duration(q.cfg.FlowRate)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := q.dispatchOnce(); err != nil {
			q.logger.Error("dispatch iteration failed", log.Error(err))
			_ = q.events.Publish(bus.NewEvent(EventQueueError, "queue", ErrorEventData{Op: "dispatch", Err: err}))
			select {
			case <-stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case <-stopCh:
			return
		case <-time.After(pace):
		}
	}
}

func (q *Queue) dispatchOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	batch, ok := q.ProcessBatch(q.cfg.BatchSize)
	if !ok {
		return nil
	}
	return q.events.Publish(bus.NewEvent(EventBatchReady, "queue", BatchEventData{Batch: batch}))
}

// Acknowledge resolves the fate of an in-flight message. ack records
// success; nack retries with escalated priority until RetryAttempts is
// exhausted, then dead-letters; reject dead-letters immediately.
func (q *Queue) Acknowledge(messageID, by string, status AckStatus, reason string) error {
	q.mu.Lock()
	entry, ok := q.inflight[messageID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("acknowledging %s: %w", messageID, ErrNotInFlight)
	}
	delete(q.inflight, messageID)
	q.stats.InFlight = len(q.inflight)

	switch status {
	case AckOK:
		q.stats.Processed++
		elapsed := float64(time.Since(entry.dequeuedAt).Milliseconds())
		n := float64(q.stats.Processed)
		q.stats.AvgProcessingMillis = (q.stats.AvgProcessingMillis*(n-1) + elapsed) / n
		q.mu.Unlock()
		return nil

	case AckNack:
		q.stats.Failed++
		msg := entry.msg
		msg.Metadata.RetryCount++
		if msg.Metadata.RetryCount < q.cfg.RetryAttempts {
			msg.Metadata.Timeout += q.cfg.RetryDelay.Milliseconds()
			msg.Priority = msg.Priority.Escalate()
			q.pushLocked(msg)
			q.flow.InWindow++
			q.stats.Retried++
			retries, prio := msg.Metadata.RetryCount, msg.Priority
			q.mu.Unlock()

			q.logger.Info("message re-enqueued for retry",
				log.String("message_id", messageID),
				log.String("by", by),
				log.Int("retry", retries),
				log.String("priority", prio.String()))
			_ = q.events.Publish(bus.NewEvent(EventMessageRetried, "queue", RetryEventData{MessageID: messageID, RetryCount: retries, Priority: prio}))
			return nil
		}
		dl := q.deadLetterLocked(msg, fmt.Sprintf("max retries exceeded: %s", reason))
		q.mu.Unlock()
		q.publishDeadLetter(dl)
		return nil

	case AckReject:
		q.stats.Failed++
		if reason == "" {
			reason = "rejected"
		}
		dl := q.deadLetterLocked(entry.msg, reason)
		q.mu.Unlock()
		q.publishDeadLetter(dl)
		return nil

	default:
		q.mu.Unlock()
		return fmt.Errorf("acknowledging %s: unknown status %q", messageID, status)
	}
}

// Drain empties all lanes without touching counters or flow state.
func (q *Queue) Drain() {
	q.mu.Lock()
	for i := range q.lanes {
		q.lanes[i] = nil
	}
	q.depth = 0
	q.mu.Unlock()
}

// Stop halts the dispatch loop and hard-resets the queue: lanes, the
// in-flight list and flow-control state are cleared. This is not a
// graceful drain.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	doneCh := q.doneCh
	q.mu.Unlock()

	<-doneCh

	q.mu.Lock()
	for i := range q.lanes {
		q.lanes[i] = nil
	}
	q.depth = 0
	q.inflight = make(map[string]*inflightEntry)
	q.flow = FlowControlState{WindowSize: q.cfg.WindowSize, FlowRate: q.cfg.FlowRate}
	q.stats.InFlight = 0
	q.stats.Depth = 0
	q.mu.Unlock()
	q.logger.Info("dispatch loop stopped")
}

// Running reports whether the dispatch loop is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = q.depth
	s.InFlight = len(q.inflight)
	return s
}

// FlowControl returns a snapshot of the flow-control window.
func (q *Queue) FlowControl() FlowControlState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flow
}

// DeadLetters returns a copy of the dead-letter queue.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// ClearDeadLetters discards all retained dead letters.
func (q *Queue) ClearDeadLetters() {
	q.mu.Lock()
	q.dead = nil
	q.mu.Unlock()
}

func (q *Queue) pushLocked(msg *Message) {
	lane := int(msg.Priority) - 1
	q.lanes[lane] = append(q.lanes[lane], msg)
	q.depth++
	q.stats.Enqueued++
}

func (q *Queue) popLocked() (*Message, bool) {
	for lane := laneCount - 1; lane >= 0; lane-- {
		if len(q.lanes[lane]) == 0 {
			continue
		}
		msg := q.lanes[lane][0]
		q.lanes[lane] = q.lanes[lane][1:]
		q.depth--
		q.stats.Dequeued++
		return msg, true
	}
	return nil, false
}

// releaseWindowLocked decrements the window and reports whether
// backpressure disengaged. Release happens once occupancy drops under
// half the window.
func (q *Queue) releaseWindowLocked() bool {
	if q.flow.InWindow > 0 {
		q.flow.InWindow--
	}
	if q.flow.Backpressure && q.flow.InWindow < q.flow.WindowSize/2 {
		q.flow.Backpressure = false
		return true
	}
	return false
}

// deadLetterLocked appends a dead letter, evicting the oldest entry once
// the configured cap is reached.
func (q *Queue) deadLetterLocked(msg *Message, reason string) DeadLetter {
	dl := DeadLetter{
		Message:    msg,
		Reason:     reason,
		FailedAt:   time.Now(),
		RetryCount: msg.Metadata.RetryCount,
		MaxRetries: q.cfg.RetryAttempts,
	}
	if len(q.dead) >= q.cfg.DeadLetterLimit {
		q.dead = q.dead[1:]
	}
	q.dead = append(q.dead, dl)
	q.stats.DeadLettered++
	return dl
}

func (q *Queue) publishDeadLetter(dl DeadLetter) {
	q.logger.Warn("message dead-lettered",
		log.String("message_id", dl.Message.ID),
		log.String("reason", dl.Reason),
		log.Int("retries", dl.RetryCount))
	_ = q.events.Publish(bus.NewEvent(EventMessageDeadLettered, "queue", DeadLetterEventData{DeadLetter: dl}))
}

func (q *Queue) reject(messageID, reason string) {
	q.logger.Warn("enqueue rejected", log.String("message_id", messageID), log.String("reason", reason))
	_ = q.events.Publish(bus.NewEvent(EventEnqueueRejected, "queue", RejectEventData{MessageID: messageID, Reason: reason}))
}
