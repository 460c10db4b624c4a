package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optionflow/collector"
	"optionflow/config"
	"optionflow/internal/bus"
	"optionflow/internal/channel"
	"optionflow/internal/coordination"
	"optionflow/internal/health"
	"optionflow/internal/spool"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Optionflow.Name,
		"version":     cfg.Optionflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting optionflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch(cfg.Sinks.S3.Region, "OptionFlow", cfg.Logging.DashboardName)
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer)
	defer channels.Close()
	channels.StartMetricsReporting(ctx)

	// Coordination and delivery backbone
	locks := coordination.NewLockManager(cfg.Coordination.LockTTL)
	cursors := coordination.NewCursorStore()
	eventBus := bus.New(bus.Config{
		QueueSize:         cfg.Bus.QueueSize,
		VisibilityTimeout: cfg.Bus.VisibilityTimeout,
		MaxRedeliveries:   cfg.Bus.MaxRedeliveries,
	})

	monitor := health.NewMonitor(health.Config{
		PollInterval:       cfg.Health.PollInterval,
		HeartbeatInterval:  cfg.Health.HeartbeatInterval,
		MissThreshold:      cfg.Health.MissThreshold,
		AnomalyK:           cfg.Health.AnomalyK,
		AnomalySustain:     cfg.Health.AnomalySustain,
		BaselineWindow:     cfg.Health.BaselineWindow,
		MaxRestartAttempts: cfg.Health.MaxRestartAttempts,
	})
	monitor.SetAlertFunc(publishAlert(eventBus, log))
	eventBus.SetAlertFunc(func(a models.Alert) {
		log.WithComponent("event_bus").WithFields(logger.Fields{
			"anomaly":  a.Anomaly,
			"severity": a.Severity,
		}).Error(a.Message)
	})

	recordLog := spool.NewRecordLog(cfg.Collector.SourceID)

	deadLetter, err := writer.NewDeadLetterStore(cfg.Sinks.DeadLetterDir)
	if err != nil {
		log.WithError(err).Error("failed to create dead letter store")
		os.Exit(1)
	}

	sinks := buildSinks(cfg, log)
	consolidated := writer.NewConsolidatedWriter(cfg, recordLog, locks, cursors, eventBus, monitor, deadLetter, sinks...)

	var kafkaNotifier *writer.KafkaNotifier
	if cfg.Sinks.Kafka.Enabled {
		kafkaNotifier, err = writer.NewKafkaNotifier(cfg.Sinks.Kafka, eventBus)
		if err != nil {
			log.WithError(err).Error("failed to create kafka notifier")
			os.Exit(1)
		}
	}

	source := collector.NewSimulatedSource(cfg.Collector.StrikeOffsets, cfg.Collector.ExpiryBuckets, time.Now().UnixNano())
	chainCollector := collector.NewCollector(cfg, channels, source)
	appender := collector.NewAppender(channels, recordLog, eventBus, monitor)

	wirePolicies(monitor, locks, cfg)

	appenderRunner := newRestartable("spool_appender", appender.Start, appender.Stop)
	writerRunner := newRestartable("consolidated_writer", consolidated.Start, consolidated.Stop)
	collectorRunner := newRestartable("collector", chainCollector.Start, chainCollector.Stop)

	monitor.Register("spool_appender", appenderRunner.restartAction())
	monitor.Register("consolidated_writer", writerRunner.restartAction())
	if cfg.Collector.Enabled {
		monitor.Register("collector", collectorRunner.restartAction())
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"component": name}).
					Warn("component failed to start")
			}
		}()
	}

	start("health_monitor", monitor.Start)
	start("spool_appender", appenderRunner.launch)
	start("consolidated_writer", writerRunner.launch)
	if kafkaNotifier != nil {
		start("kafka_notifier", kafkaNotifier.Start)
	}
	if cfg.Collector.Enabled {
		start("collector", collectorRunner.launch)
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if cfg.Collector.Enabled {
		log.Info("stopping collector")
		collectorRunner.shutdown()
	}

	log.Info("stopping appender")
	appenderRunner.shutdown()

	log.Info("stopping consolidated writer")
	writerRunner.shutdown()

	if kafkaNotifier != nil {
		log.Info("stopping kafka notifier")
		kafkaNotifier.Stop()
	}

	log.Info("stopping health monitor")
	monitor.Stop()

	eventBus.Close()
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"sink": sink.Name()}).Warn("sink close failed")
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("optionflow stopped")
}

func buildSinks(cfg *config.Config, log *logger.Log) []writer.Sink {
	var sinks []writer.Sink

	if cfg.Sinks.CSV.Enabled {
		csvSink, err := writer.NewCSVSink(cfg.Sinks.CSV.Directory)
		if err != nil {
			log.WithError(err).Error("failed to create csv sink")
			os.Exit(1)
		}
		sinks = append(sinks, csvSink)
	}
	if cfg.Sinks.Influx.Enabled {
		sinks = append(sinks, writer.NewInfluxSink(cfg.Sinks.Influx))
	}
	if cfg.Sinks.S3.Enabled {
		s3Sink, err := writer.NewS3Sink(cfg.Sinks.S3)
		if err != nil {
			log.WithError(err).Error("failed to create s3 sink")
			os.Exit(1)
		}
		sinks = append(sinks, s3Sink)
	}

	if len(sinks) == 0 {
		log.WithComponent("main").Warn("no sinks enabled; batches will only reach the event bus")
	}
	return sinks
}

// restartable wraps a component with its own cancellable context so the
// health monitor can restart it without tearing down the whole process.
type restartable struct {
	name  string
	start func(context.Context) error
	stop  func()

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newRestartable(name string, start func(context.Context) error, stop func()) *restartable {
	return &restartable{name: name, start: start, stop: stop}
}

func (r *restartable) launch(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	return r.start(ctx)
}

func (r *restartable) restartAction() health.ActionFunc {
	return func(ctx context.Context, _ health.Anomaly) error {
		r.shutdown()
		return r.launch(ctx)
	}
}

func (r *restartable) shutdown() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		r.stop()
	}
}

// wirePolicies connects the monitor's anomaly table to concrete recovery
// actions on the coordination layer, and registers checks for conditions
// the components cannot see from the inside.
func wirePolicies(monitor *health.Monitor, locks *coordination.LockManager, cfg *config.Config) {
	monitor.SetPolicy("stuck_lock", func(ctx context.Context, a health.Anomaly) error {
		locks.ForceExpire(a.Detail)
		return nil
	})
	monitor.SetPolicy("stale_cursor", func(ctx context.Context, a health.Anomaly) error {
		// The writer already reconciled; nothing to force from here.
		return nil
	})
	monitor.SetPolicy("cursor_conflict", func(ctx context.Context, a health.Anomaly) error {
		return nil
	})

	monitor.AddCheck(func() []health.Anomaly {
		var anomalies []health.Anomaly
		for _, resource := range locks.StuckLocks(cfg.Health.StuckLockAfter) {
			anomalies = append(anomalies, health.Anomaly{
				ComponentID: "lock_manager",
				Type:        "stuck_lock",
				Detail:      resource,
			})
		}
		return anomalies
	})
}

func publishAlert(b *bus.Bus, log *logger.Log) health.AlertFunc {
	return func(a models.Alert) {
		if _, err := b.Publish(models.TopicAlerts, a.ComponentID, a); err != nil {
			log.WithComponent("health_monitor").WithError(err).Warn("failed to publish alert")
		}
	}
}
