package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"optionflow/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(Config{QueueSize: 8, VisibilityTimeout: 10 * time.Millisecond})
	defer b.Close()

	var mu sync.Mutex
	got := make(map[string]int)
	for _, name := range []string{"a", "b"} {
		name := name
		if _, err := b.Subscribe("legs_collected", name, func(evt Event) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	id, err := b.Publish("legs_collected", "NIFTY-2026-03-02", models.LegsCollected{RecordCount: 40})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated event id")
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["a"] == 1 && got["b"] == 1
	})
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := New(Config{QueueSize: 64, VisibilityTimeout: 10 * time.Millisecond})
	defer b.Close()

	var mu sync.Mutex
	var seen []int
	if _, err := b.Subscribe("t", "orderly", func(evt Event) error {
		mu.Lock()
		seen = append(seen, evt.Payload.(int))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		if _, err := b.Publish("t", "p", i); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("delivery out of order at %d: %v", i, seen)
		}
	}
}

func TestFailedHandlerIsRedelivered(t *testing.T) {
	b := New(Config{QueueSize: 8, VisibilityTimeout: 5 * time.Millisecond, MaxRedeliveries: 5})
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	if _, err := b.Subscribe("t", "flaky", func(evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := b.Publish("t", "p", "payload"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})

	_, delivered, redelivered, _ := b.Stats()
	if delivered != 1 {
		t.Fatalf("expected 1 delivered, got %d", delivered)
	}
	if redelivered != 2 {
		t.Fatalf("expected 2 redeliveries, got %d", redelivered)
	}
}

func TestPoisonEventDroppedWithAlert(t *testing.T) {
	b := New(Config{QueueSize: 8, VisibilityTimeout: time.Millisecond, MaxRedeliveries: 2})
	defer b.Close()

	var mu sync.Mutex
	var alerts []models.Alert
	b.SetAlertFunc(func(a models.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	if _, err := b.Subscribe("t", "poisoned", func(evt Event) error {
		return errors.New("always fails")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := b.Publish("t", "p", "bad"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if alerts[0].Anomaly != "redelivery_exhausted" || alerts[0].Severity != models.SeverityCritical {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}

// Overflow is drop-oldest: the newest event always lands and the loss is
// surfaced through a critical alert.
func TestQueueOverflowDropsOldestAndAlerts(t *testing.T) {
	b := New(Config{QueueSize: 2, VisibilityTimeout: time.Millisecond})
	defer b.Close()

	var mu sync.Mutex
	var alerts []models.Alert
	b.SetAlertFunc(func(a models.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	release := make(chan struct{})
	var seen []int
	if _, err := b.Subscribe("t", "slow", func(evt Event) error {
		<-release
		mu.Lock()
		seen = append(seen, evt.Payload.(int))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// One event is in flight and two fill the queue. The next publishes
	// must evict the oldest queued events.
	for i := 0; i < 5; i++ {
		if _, err := b.Publish("t", "p", i); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
		// Give the dispatcher a moment to pull the first event.
		if i == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	close(release)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[len(seen)-1] != 4 {
		t.Fatalf("newest event must survive, got %v", seen)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 overflow alerts, got %d", len(alerts))
	}
	for _, a := range alerts {
		if a.Anomaly != "queue_overflow" || a.Severity != models.SeverityCritical {
			t.Fatalf("unexpected alert: %+v", a)
		}
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New(Config{})
	b.Close()

	if _, err := b.Publish("t", "p", 1); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, err := b.Subscribe("t", "late", func(Event) error { return nil }); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed on subscribe, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Config{QueueSize: 8})
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("t", "quitter", func(evt Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := b.Publish("t", "p", 1); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	b.Unsubscribe(sub)

	if _, err := b.Publish("t", "p", 2); err != nil {
		t.Fatalf("publish after unsubscribe failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("unsubscribed handler still invoked, count=%d", count)
	}
}
