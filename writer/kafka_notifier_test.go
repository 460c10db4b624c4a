package writer

import (
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "optionflow/config"
	"optionflow/internal/bus"
	"optionflow/models"
)

func TestKafkaNotifierRequiresBrokers(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()

	if _, err := NewKafkaNotifier(appconfig.KafkaConfig{Topic: "batches"}, b); err == nil {
		t.Fatalf("expected an error without brokers")
	}
}

// An event can arrive between construction and Start storing the context;
// the notifier must fall back to a usable context instead of passing nil
// into the kafka writer.
func TestKafkaNotifierHandlesEventBeforeStart(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()

	cfg := appconfig.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "batches"}
	kn, err := NewKafkaNotifier(cfg, b)
	if err != nil {
		t.Fatalf("NewKafkaNotifier failed: %v", err)
	}
	kn.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		MaxAttempts:  1,
		WriteTimeout: 100 * time.Millisecond,
	}
	defer kn.writer.Close()

	evt := bus.Event{Payload: models.BatchWritten{BatchID: "b1", PartitionKey: "NIFTY-2026-03-02"}}
	if err := kn.handle(evt); err == nil {
		t.Fatalf("write to an unreachable broker should fail")
	}

	// Payloads of the wrong type are dropped, not retried.
	if err := kn.handle(bus.Event{Payload: "junk"}); err != nil {
		t.Fatalf("unexpected error for a dropped payload: %v", err)
	}
}
