package channel

import (
	"context"
	"sync"
	"time"

	"optionflow/logger"
	"optionflow/models"
)

// Stats counts traffic through the pipeline channels.
type Stats struct {
	RawLegsSent    int64
	RawLegsDropped int64
	PollCycles     int64
}

// Channels carries raw leg records from the collector poll workers to the
// spool appender. Buffered so a slow appender applies backpressure without
// stalling unrelated poll workers.
type Channels struct {
	RawLegs chan []models.LegRecord

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

// NewChannels allocates the pipeline channels with the given buffer size.
func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		RawLegs: make(chan []models.LegRecord, rawBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Info("channels initialized")

	return c
}

// StartMetricsReporting logs channel statistics every 30 seconds until the
// context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_legs_sent":    stats.RawLegsSent,
		"raw_legs_dropped": stats.RawLegsDropped,
		"poll_cycles":      stats.PollCycles,
		"raw_channel_len":  len(c.RawLegs),
		"raw_channel_cap":  cap(c.RawLegs),
	}).Info("channel statistics")
}

// Close closes all channels.
func (c *Channels) Close() {
	close(c.RawLegs)
	c.log.WithComponent("channels").Info("all channels closed")
}

func (c *Channels) IncrementRawLegsSent(n int64) {
	c.statsMutex.Lock()
	c.stats.RawLegsSent += n
	c.stats.PollCycles++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawLegsDropped(n int64) {
	c.statsMutex.Lock()
	c.stats.RawLegsDropped += n
	c.statsMutex.Unlock()
}

// GetStats returns a copy of the current counters.
func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
