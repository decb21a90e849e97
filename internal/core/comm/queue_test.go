package comm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/core/events/bus"
	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

func newTestQueue(cfg QueueConfig, b bus.EventBus) *Queue {
	if b == nil {
		b = bus.New()
	}
	return NewQueue(cfg, log.NewNop(), b)
}

func queueMsg(id string, p Priority) *Message {
	msg := validTestMessage(TypeInfo, map[string]string{"k": "v"})
	msg.ID = id
	msg.Priority = p
	return msg
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100}, nil)

	require.True(t, q.Enqueue(queueMsg("low-1", PriorityLow)))
	require.True(t, q.Enqueue(queueMsg("norm-1", PriorityNormal)))
	require.True(t, q.Enqueue(queueMsg("crit-1", PriorityCritical)))
	require.True(t, q.Enqueue(queueMsg("norm-2", PriorityNormal)))
	require.True(t, q.Enqueue(queueMsg("high-1", PriorityHigh)))

	var order []string
	last := PriorityCritical
	for {
		msg, ok := q.Dequeue()
		if !ok {
			break
		}
		assert.LessOrEqual(t, msg.Priority, last, "dequeue priority must never increase")
		last = msg.Priority
		order = append(order, msg.ID)
	}
	assert.Equal(t, []string{"crit-1", "high-1", "norm-1", "norm-2", "low-1"}, order,
		"strict priority across lanes, FIFO within a lane")
}

func TestQueue_Backpressure(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 4}, nil)

	for i := 0; i < 4; i++ {
		require.True(t, q.Enqueue(queueMsg(fmt.Sprintf("m-%d", i), PriorityNormal)))
	}
	fc := q.FlowControl()
	assert.True(t, fc.Backpressure, "window full should engage backpressure")

	assert.False(t, q.Enqueue(queueMsg("overflow", PriorityNormal)),
		"enqueue must refuse while backpressure is active")
	assert.Equal(t, uint64(1), q.Stats().Rejected)

	// Release happens under half the window, not at the first dequeue.
	_, _ = q.Dequeue()
	_, _ = q.Dequeue()
	assert.True(t, q.FlowControl().Backpressure, "occupancy 2 is not under window/2")
	_, _ = q.Dequeue()
	assert.False(t, q.FlowControl().Backpressure, "occupancy 1 should release backpressure")

	assert.True(t, q.Enqueue(queueMsg("after-release", PriorityNormal)))
}

func TestQueue_MaxSizeRefusal(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 2, WindowSize: 100}, nil)

	require.True(t, q.Enqueue(queueMsg("a", PriorityNormal)))
	require.True(t, q.Enqueue(queueMsg("b", PriorityNormal)))
	assert.False(t, q.Enqueue(queueMsg("c", PriorityNormal)), "full queue must refuse")
}

func TestQueue_ProcessBatch(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, BatchSize: 10, ProcessingTimeout: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(queueMsg(fmt.Sprintf("m-%d", i), PriorityNormal)))
	}

	batch, ok := q.ProcessBatch(3)
	require.True(t, ok)
	assert.Len(t, batch.Messages, 3)
	assert.NotEmpty(t, batch.ID)
	assert.True(t, batch.ExpiresAt.After(batch.CreatedAt), "batch should carry a processing deadline")
	assert.Equal(t, 3, q.Stats().InFlight)
	assert.Equal(t, 2, q.Stats().Depth)

	batch, ok = q.ProcessBatch(10)
	require.True(t, ok)
	assert.Len(t, batch.Messages, 2, "batch should shrink to what is queued")

	_, ok = q.ProcessBatch(10)
	assert.False(t, ok, "empty queue yields no batch")
}

func TestQueue_AcknowledgeOK(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, RetryAttempts: 3}, nil)

	require.True(t, q.Enqueue(queueMsg("m-1", PriorityNormal)))
	_, ok := q.ProcessBatch(1)
	require.True(t, ok)

	require.NoError(t, q.Acknowledge("m-1", "worker", AckOK, ""))
	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Zero(t, stats.InFlight)

	err := q.Acknowledge("m-1", "worker", AckOK, "")
	assert.ErrorIs(t, err, ErrNotInFlight, "double ack must fail")
}

func TestQueue_NackRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, RetryAttempts: 3, RetryDelay: time.Second}, nil)

	require.True(t, q.Enqueue(queueMsg("m-1", PriorityNormal)))

	// First two nacks re-enqueue with escalated priority.
	expected := []Priority{PriorityHigh, PriorityUrgent}
	for attempt := 1; attempt <= 2; attempt++ {
		_, ok := q.ProcessBatch(1)
		require.True(t, ok)
		require.NoError(t, q.Acknowledge("m-1", "worker", AckNack, "worker crashed"))

		msg, ok := q.Dequeue()
		require.True(t, ok, "nacked message should be back in the queue")
		assert.Equal(t, attempt, msg.Metadata.RetryCount)
		assert.Equal(t, expected[attempt-1], msg.Priority, "each retry should escalate priority")
		// Put it back in flight for the next attempt.
		require.True(t, q.Enqueue(msg))
	}

	// Third nack exhausts the budget.
	_, ok := q.ProcessBatch(1)
	require.True(t, ok)
	require.NoError(t, q.Acknowledge("m-1", "worker", AckNack, "worker crashed"))

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "m-1", dead[0].Message.ID)
	assert.Equal(t, 3, dead[0].RetryCount, "dead letter should record the exhausted budget")
	assert.Contains(t, dead[0].Reason, "max retries exceeded")

	_, ok = q.Dequeue()
	assert.False(t, ok, "dead-lettered messages are not re-delivered")
}

func TestQueue_RejectDeadLettersImmediately(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, RetryAttempts: 3}, nil)

	require.True(t, q.Enqueue(queueMsg("m-1", PriorityNormal)))
	_, ok := q.ProcessBatch(1)
	require.True(t, ok)

	require.NoError(t, q.Acknowledge("m-1", "worker", AckReject, "malformed payload"))
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "malformed payload", dead[0].Reason)
	assert.Zero(t, dead[0].RetryCount, "reject skips the retry budget")

	q.ClearDeadLetters()
	assert.Empty(t, q.DeadLetters())
}

func TestQueue_DeadLetterCapEvictsOldest(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, RetryAttempts: 3, DeadLetterLimit: 2}, nil)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("m-%d", i)
		require.True(t, q.Enqueue(queueMsg(id, PriorityNormal)))
		_, ok := q.ProcessBatch(1)
		require.True(t, ok)
		require.NoError(t, q.Acknowledge(id, "worker", AckReject, "bad"))
	}

	dead := q.DeadLetters()
	require.Len(t, dead, 2, "cap should bound the dead-letter queue")
	assert.Equal(t, "m-1", dead[0].Message.ID, "oldest entry is evicted first")
	assert.Equal(t, "m-2", dead[1].Message.ID)
	assert.Equal(t, uint64(3), q.Stats().DeadLettered, "counters keep the full total")
}

func TestQueue_DispatchLoopPublishesBatches(t *testing.T) {
	b := bus.New()
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, BatchSize: 10, FlowRate: 1000, ProcessingTimeout: time.Minute}, b)

	got := make(chan *Batch, 1)
	_, err := b.Subscribe(EventBatchReady, func(e bus.Event) error {
		if data, ok := e.Data().(BatchEventData); ok {
			select {
			case got <- data.Batch:
			default:
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.True(t, q.Enqueue(queueMsg("m-1", PriorityHigh)))
	q.Start()
	defer q.Stop()
	assert.True(t, q.Running())

	select {
	case batch := <-got:
		require.Len(t, batch.Messages, 1)
		assert.Equal(t, "m-1", batch.Messages[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop never published a batch")
	}
}

func TestQueue_StopResetsState(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100, BatchSize: 10, FlowRate: 1000}, nil)

	q.Start()
	require.True(t, q.Enqueue(queueMsg("m-1", PriorityLow)))
	q.Stop()

	assert.False(t, q.Running())
	stats := q.Stats()
	assert.Zero(t, stats.Depth, "stop clears the lanes")
	assert.Zero(t, stats.InFlight, "stop clears the in-flight list")
	fc := q.FlowControl()
	assert.Zero(t, fc.InWindow, "stop resets the flow window")
	assert.False(t, fc.Backpressure)

	q.Stop() // stopping twice is a no-op
}

func TestQueue_Drain(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100}, nil)

	require.True(t, q.Enqueue(queueMsg("m-1", PriorityLow)))
	require.True(t, q.Enqueue(queueMsg("m-2", PriorityHigh)))

	q.Drain()
	assert.Zero(t, q.Stats().Depth)
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueue_InvalidPriorityRefused(t *testing.T) {
	q := newTestQueue(QueueConfig{MaxSize: 100, WindowSize: 100}, nil)

	msg := queueMsg("m-1", Priority(7))
	assert.False(t, q.Enqueue(msg), "out-of-range priority must be refused")
	assert.Zero(t, q.Stats().Depth)
}
