package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionflow/internal/bus"
	"optionflow/internal/channel"
	"optionflow/internal/health"
	"optionflow/internal/spool"
	"optionflow/logger"
	"optionflow/models"
)

const appenderComponentID = "spool_appender"

// Appender drains the raw leg channel into the append-only record log and
// announces new high water marks on the event bus. It is the single writer
// of the spool, so append order defines the cursor sequence.
type Appender struct {
	channels *channel.Channels
	spool    *spool.RecordLog
	bus      *bus.Bus
	monitor  *health.Monitor
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewAppender(ch *channel.Channels, log *spool.RecordLog, b *bus.Bus, monitor *health.Monitor) *Appender {
	return &Appender{
		channels: ch,
		spool:    log,
		bus:      b,
		monitor:  monitor,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (a *Appender) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("appender already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run()

	a.log.WithComponent(appenderComponentID).Info("appender started")
	return nil
}

func (a *Appender) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent(appenderComponentID).Info("stopping appender")
	a.wg.Wait()
	a.log.WithComponent(appenderComponentID).Info("appender stopped")
}

func (a *Appender) run() {
	defer a.wg.Done()

	log := a.log.WithComponent(appenderComponentID)

	for {
		select {
		case <-a.ctx.Done():
			// Drain whatever the pollers managed to send before shutdown.
			for {
				select {
				case legs := <-a.channels.RawLegs:
					a.append(log, legs)
				default:
					log.Info("appender stopped due to context cancellation")
					return
				}
			}
		case legs, ok := <-a.channels.RawLegs:
			if !ok {
				log.Info("raw channel closed, appender stopping")
				return
			}
			a.append(log, legs)
		}
	}
}

func (a *Appender) append(log *logger.Entry, legs []models.LegRecord) {
	if len(legs) == 0 {
		return
	}

	highs := a.spool.Append(legs)

	counts := make(map[string]int, len(highs))
	for _, leg := range legs {
		counts[leg.PartitionKey()]++
	}

	for partition, high := range highs {
		evt := models.LegsCollected{
			Source:       a.spool.SourceID(),
			PartitionKey: partition,
			RecordCount:  counts[partition],
			HighWater:    high,
			CollectedAt:  time.Now().UTC(),
		}
		if _, err := a.bus.Publish(models.TopicLegsCollected, partition, evt); err != nil {
			log.WithError(err).WithFields(logger.Fields{"partition": partition}).
				Warn("failed to publish legs_collected event")
		}
	}

	logger.RecordChannelMessage("raw_legs", len(legs))
	logger.LogDataFlowEntry(log, "raw_channel", "record_log", len(legs), "option_legs")

	a.monitor.Heartbeat(appenderComponentID, map[string]float64{
		"legs_appended": float64(len(legs)),
		"partitions":    float64(len(highs)),
	})
}
