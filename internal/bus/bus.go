package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"optionflow/logger"
	"optionflow/models"
)

var (
	// ErrBusClosed is returned by Publish after Close.
	ErrBusClosed = errors.New("event bus closed")

	// ErrQueueOverflow is reported through the alert callback when a
	// subscriber queue overflows and the oldest event is dropped.
	ErrQueueOverflow = errors.New("subscriber queue overflow")
)

// Event is the bus envelope. Payload is one of the per-topic types from the
// models package; subscribers type-switch on it. EventID is the dedup key:
// delivery is at-least-once and consumers must be idempotent.
type Event struct {
	Topic        string
	EventID      string
	PartitionKey string
	Payload      any
	ProducedAt   time.Time
	Attempt      int
}

// Handler processes one event. Returning nil acknowledges it; returning an
// error schedules redelivery after the visibility timeout.
type Handler func(Event) error

// AlertFunc receives data-loss and degraded-mode alerts. Overflow drops are
// never silent.
type AlertFunc func(models.Alert)

// Config tunes delivery behaviour.
type Config struct {
	QueueSize         int
	VisibilityTimeout time.Duration
	MaxRedeliveries   int
}

type subscriber struct {
	id      string
	topic   string
	name    string
	handler Handler
	queue   chan Event
	done    chan struct{}
}

// Subscription identifies an active subscriber for Unsubscribe.
type Subscription struct {
	ID    string
	Topic string
	sub   *subscriber
}

// Bus is an in-process typed publish/subscribe hub. Each subscriber has a
// bounded queue drained by a dedicated goroutine, which preserves per-topic
// order for that subscriber. There is no cross-topic ordering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	cfg     Config
	closed  bool
	wg      sync.WaitGroup
	log     *logger.Log
	onAlert AlertFunc

	published   atomic.Uint64
	delivered   atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
}

// New creates a bus with the given delivery configuration.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Second
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 3
	}
	b := &Bus{
		subs: make(map[string][]*subscriber),
		cfg:  cfg,
		log:  logger.GetLogger(),
	}
	b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"queue_size":         cfg.QueueSize,
		"visibility_timeout": cfg.VisibilityTimeout.String(),
		"max_redeliveries":   cfg.MaxRedeliveries,
	}).Info("event bus initialized")
	return b
}

// SetAlertFunc installs the alert callback. May only be called before the
// first Publish.
func (b *Bus) SetAlertFunc(fn AlertFunc) {
	b.mu.Lock()
	b.onAlert = fn
	b.mu.Unlock()
}

// Publish enqueues the payload for every subscriber of the topic and
// returns the generated event id. When a subscriber queue is full the
// oldest event for that subscriber is dropped and a data-loss alert is
// raised; the new event is always enqueued.
func (b *Bus) Publish(topic, partitionKey string, payload any) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return "", fmt.Errorf("topic %s: %w", topic, ErrBusClosed)
	}

	evt := Event{
		Topic:        topic,
		EventID:      uuid.New().String(),
		PartitionKey: partitionKey,
		Payload:      payload,
		ProducedAt:   time.Now(),
	}
	b.published.Add(1)

	for _, sub := range b.subs[topic] {
		b.enqueue(sub, evt)
	}
	return evt.EventID, nil
}

func (b *Bus) enqueue(sub *subscriber, evt Event) {
	for {
		select {
		case sub.queue <- evt:
			return
		default:
		}
		// Queue full: shed the oldest event and alert, never silently.
		select {
		case old := <-sub.queue:
			b.dropped.Add(1)
			b.log.WithComponent("event_bus").WithFields(logger.Fields{
				"topic":      sub.topic,
				"subscriber": sub.name,
				"event_id":   old.EventID,
			}).Error("subscriber queue overflow, oldest event dropped")
			b.alert(models.Alert{
				ComponentID: "event_bus",
				Severity:    models.SeverityCritical,
				Anomaly:     "queue_overflow",
				Message: fmt.Sprintf("dropped event %s on topic %s for subscriber %s: %v",
					old.EventID, sub.topic, sub.name, ErrQueueOverflow),
				RaisedAt: time.Now(),
			})
		default:
		}
	}
}

func (b *Bus) alert(a models.Alert) {
	if b.onAlert != nil {
		b.onAlert(a)
	}
}

// Subscribe registers a handler for a topic. The handler is invoked
// at-least-once per event, sequentially in publish order for this
// subscriber, and must be idempotent keyed on EventID.
func (b *Bus) Subscribe(topic, name string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("topic %s: %w", topic, ErrBusClosed)
	}

	sub := &subscriber{
		id:      uuid.New().String(),
		topic:   topic,
		name:    name,
		handler: handler,
		queue:   make(chan Event, b.cfg.QueueSize),
		done:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.dispatch(sub)

	b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"topic":      topic,
		"subscriber": name,
	}).Info("subscriber registered")
	return &Subscription{ID: sub.id, Topic: topic, sub: sub}, nil
}

// Unsubscribe removes the subscription and stops its dispatch goroutine.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || s.sub == nil {
		return
	}

	b.mu.Lock()
	subs := b.subs[s.Topic]
	for i, sub := range subs {
		if sub.id == s.ID {
			b.subs[s.Topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(s.sub.done)
}

func (b *Bus) dispatch(sub *subscriber) {
	defer b.wg.Done()

	log := b.log.WithComponent("event_bus").WithFields(logger.Fields{
		"topic":      sub.topic,
		"subscriber": sub.name,
	})

	for {
		select {
		case <-sub.done:
			return
		case evt := <-sub.queue:
			b.deliver(sub, evt, log)
		}
	}
}

// deliver invokes the handler and, on failure, redelivers after the
// visibility timeout up to the configured limit. Exhausted events are
// dropped with an alert so poison payloads cannot wedge the topic.
func (b *Bus) deliver(sub *subscriber, evt Event, log *logger.Entry) {
	for {
		evt.Attempt++
		err := sub.handler(evt)
		if err == nil {
			b.delivered.Add(1)
			return
		}

		if evt.Attempt > b.cfg.MaxRedeliveries {
			b.dropped.Add(1)
			log.WithError(err).WithFields(logger.Fields{
				"event_id": evt.EventID,
				"attempts": evt.Attempt,
			}).Error("event redelivery exhausted, dropping")
			b.alert(models.Alert{
				ComponentID: "event_bus",
				Severity:    models.SeverityCritical,
				Anomaly:     "redelivery_exhausted",
				Message: fmt.Sprintf("event %s on topic %s dropped after %d attempts",
					evt.EventID, sub.topic, evt.Attempt),
				RaisedAt: time.Now(),
			})
			return
		}

		b.redelivered.Add(1)
		log.WithError(err).WithFields(logger.Fields{
			"event_id": evt.EventID,
			"attempt":  evt.Attempt,
		}).Warn("handler failed, scheduling redelivery")

		select {
		case <-sub.done:
			return
		case <-time.After(b.cfg.VisibilityTimeout):
		}
	}
}

// Stats reports counters for health heartbeats.
func (b *Bus) Stats() (published, delivered, redelivered, dropped uint64) {
	return b.published.Load(), b.delivered.Load(), b.redelivered.Load(), b.dropped.Load()
}

// Close stops delivery. Pending queued events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
	b.log.WithComponent("event_bus").Info("event bus closed")
}
