package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "optionflow/config"
	"optionflow/internal/bus"
	"optionflow/logger"
	"optionflow/models"
)

// KafkaNotifier forwards batch_written events to a Kafka topic so
// downstream consumers learn about committed batches without polling the
// sinks.
type KafkaNotifier struct {
	config appconfig.KafkaConfig
	bus    *bus.Bus
	writer *kafka.Writer
	sub    *bus.Subscription
	log    *logger.Log

	mu      sync.RWMutex
	running bool
	ctx     context.Context
}

func NewKafkaNotifier(cfg appconfig.KafkaConfig, b *bus.Bus) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kn := &KafkaNotifier{
		config: cfg,
		bus:    b,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger(),
	}
	kn.log.WithComponent("kafka_notifier").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka notifier initialized")
	return kn, nil
}

func (kn *KafkaNotifier) Start(ctx context.Context) error {
	kn.mu.Lock()
	if kn.running {
		kn.mu.Unlock()
		return fmt.Errorf("kafka notifier already running")
	}
	kn.running = true
	kn.ctx = ctx
	kn.mu.Unlock()

	sub, err := kn.bus.Subscribe(models.TopicBatchWritten, "kafka_notifier", kn.handle)
	if err != nil {
		return err
	}
	kn.sub = sub

	kn.log.WithComponent("kafka_notifier").Debug("kafka notifier started")
	return nil
}

func (kn *KafkaNotifier) handle(evt bus.Event) error {
	written, ok := evt.Payload.(models.BatchWritten)
	if !ok {
		kn.log.WithComponent("kafka_notifier").WithFields(logger.Fields{
			"event_id": evt.EventID,
		}).Warn("unexpected payload type, dropping")
		return nil
	}

	data, err := json.Marshal(written)
	if err != nil {
		kn.log.WithComponent("kafka_notifier").WithError(err).Warn("failed to marshal notification")
		return nil
	}

	kn.mu.RLock()
	ctx := kn.ctx
	kn.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	msg := kafka.Message{
		Key:   []byte(written.PartitionKey),
		Value: data,
	}
	if err := kn.writer.WriteMessages(ctx, msg); err != nil {
		kn.log.WithComponent("kafka_notifier").WithError(err).Warn("failed to write notification")
		return err
	}

	kn.log.WithComponent("kafka_notifier").WithFields(logger.Fields{
		"batch_id": written.BatchID,
		"records":  written.RecordsWritten,
	}).Debug("notification written to kafka")
	return nil
}

func (kn *KafkaNotifier) Stop() {
	kn.mu.Lock()
	kn.running = false
	kn.mu.Unlock()

	if kn.sub != nil {
		kn.bus.Unsubscribe(kn.sub)
	}
	kn.writer.Close()
	kn.log.WithComponent("kafka_notifier").Debug("kafka notifier stopped")
}
