package bus

import (
	"errors"
	"testing"
	"time"
)

type testObserver struct {
	publishCount   int
	deliveredCount int
	lastErr        error
}

func (o *testObserver) OnPublish(_ string, _ Event) {
	o.publishCount++
}

func (o *testObserver) OnDelivered(_ string, handlers int, err error, _ int64) {
	o.deliveredCount += handlers
	o.lastErr = err
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	done := make(chan struct{})
	_, err := b.Subscribe("test.event", func(e Event) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = b.Publish(NewEvent("test.event", "tester", 123)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler not called")
	}
}

func TestPublishAggregatesHandlerErrors(t *testing.T) {
	b := New()
	failing := errors.New("fail")
	_, _ = b.Subscribe("x", func(e Event) error { return failing })
	_, _ = b.Subscribe("x", func(e Event) error { return nil })
	if err := b.Publish(NewEvent("x", "src", nil)); !errors.Is(err, failing) {
		t.Fatalf("expected joined handler error, got %v", err)
	}
}

func TestPublishAsyncReturnsErrorChannel(t *testing.T) {
	b := New()
	handlerErr := errors.New("fail")
	_, err := b.Subscribe("x", func(e Event) error { return handlerErr })
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	ch := b.PublishAsync(NewEvent("x", "src", nil))
	if e := <-ch; e == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestSubscriptionCancel(t *testing.T) {
	b := New()
	count := 0
	sub, _ := b.Subscribe("ev", func(e Event) error { count++; return nil })
	_ = b.Publish(NewEvent("ev", "src", nil))
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = b.Publish(NewEvent("ev", "src", nil))
	if count != 1 {
		t.Fatalf("handler called after cancel: %d", count)
	}
	if sub.IsActive() {
		t.Fatal("subscription should be inactive after cancel")
	}
}

func TestObserverMetricsOptional(t *testing.T) {
	b := New()
	// without observer, metrics should remain zero despite activity
	_, _ = b.Subscribe("e", func(e Event) error { return nil })
	_ = b.Publish(NewEvent("e", "s", nil))
	m := b.Metrics()
	if m.Published != 0 && m.DeliveredHandlers != 0 {
		t.Fatalf("metrics should be zero without observers: %+v", m)
	}
	// now add observer and expect metrics to update
	obs := &testObserver{}
	b.AddObserver(obs)
	_ = b.Publish(NewEvent("e", "s", nil))
	m2 := b.Metrics()
	if m2.Published == 0 || m2.DeliveredHandlers == 0 {
		t.Fatalf("metrics should update with observer: %+v", m2)
	}
	if obs.publishCount == 0 || obs.deliveredCount == 0 {
		t.Fatalf("observer not called: %+v", obs)
	}
}
