package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "optionflow/config"
	"optionflow/internal/channel"
	"optionflow/logger"
)

// Collector polls the option chain source once per interval per index and
// pushes the raw legs onto the pipeline channel. Poll ticks are aligned to
// the interval boundary so records across indices share timestamp buckets.
type Collector struct {
	config   *appconfig.Config
	channels *channel.Channels
	source   Source
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewCollector(cfg *appconfig.Config, ch *channel.Channels, source Source) *Collector {
	log := logger.GetLogger()

	rps := cfg.Collector.RateLimit
	if rps <= 0 {
		rps = float64(len(cfg.Collector.Indices))
		if rps <= 0 {
			rps = 1
		}
	}

	c := &Collector{
		config:   cfg,
		channels: ch,
		source:   source,
		limiter:  rate.NewLimiter(rate.Limit(rps), len(cfg.Collector.Indices)+1),
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("collector").WithFields(logger.Fields{
		"source":     source.Name(),
		"indices":    len(cfg.Collector.Indices),
		"interval":   cfg.Collector.Interval,
		"rate_limit": rps,
	}).Info("collector initialized")

	return c
}

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("collector").WithFields(logger.Fields{"operation": "start"})

	if !c.config.Collector.Enabled {
		log.Warn("collector is disabled")
		return fmt.Errorf("collector is disabled")
	}

	log.WithFields(logger.Fields{
		"indices":  len(c.config.Collector.Indices),
		"interval": c.config.Collector.Interval,
	}).Info("starting collector")

	for _, index := range c.config.Collector.Indices {
		c.wg.Add(1)
		go c.pollWorker(index)
	}

	log.Info("collector started successfully")
	return nil
}

func (c *Collector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("collector").Info("stopping collector")
	c.wg.Wait()
	c.log.WithComponent("collector").Info("collector stopped")
}

func (c *Collector) pollWorker(index appconfig.IndexConfig) {
	defer c.wg.Done()

	log := c.log.WithComponent("collector").WithFields(logger.Fields{
		"index":  index.Name,
		"worker": "chain_poller",
	})

	log.Info("starting poll worker")

	interval := c.config.Collector.Interval

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			c.poll(index)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": interval.Milliseconds(),
				}).Warn("poll took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

func (c *Collector) poll(index appconfig.IndexConfig) {
	log := c.log.WithComponent("collector").WithFields(logger.Fields{
		"index":     index.Name,
		"operation": "poll",
	})

	if err := c.limiter.Wait(c.ctx); err != nil {
		return
	}

	start := time.Now()
	legs, err := c.source.Fetch(c.ctx, index, start.UTC())
	if err != nil {
		if c.ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch option chain")
		}
		return
	}
	logger.LogPerformanceEntry(log, "collector", "chain_fetch", time.Since(start), logger.Fields{
		"index": index.Name,
	})

	if len(legs) == 0 {
		log.Debug("source returned no legs")
		return
	}

	select {
	case c.channels.RawLegs <- legs:
		c.channels.IncrementRawLegsSent(int64(len(legs)))
		logger.IncrementPollCycle(len(legs))
		log.WithFields(logger.Fields{"legs": len(legs)}).Debug("legs sent to raw channel")
	case <-c.ctx.Done():
	default:
		c.channels.IncrementRawLegsDropped(int64(len(legs)))
		log.Warn("raw channel is full, dropping poll")
	}
}
