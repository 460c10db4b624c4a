package channel

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"optionflow/logger"
	"optionflow/models"
)

func TestLogChannelStatsIncludesCounters(t *testing.T) {
	log := logger.GetLogger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stdout)

	c := NewChannels(4)
	c.IncrementRawLegsSent(30)
	c.IncrementRawLegsDropped(2)
	buf.Reset()
	c.logChannelStats()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	if got, ok := entry["raw_legs_sent"].(float64); !ok || got != 30 {
		t.Errorf("raw_legs_sent = %v, want 30", entry["raw_legs_sent"])
	}
	if got, ok := entry["raw_legs_dropped"].(float64); !ok || got != 2 {
		t.Errorf("raw_legs_dropped = %v, want 2", entry["raw_legs_dropped"])
	}
	if got, ok := entry["raw_channel_cap"].(float64); !ok || got != 4 {
		t.Errorf("raw_channel_cap = %v, want 4", entry["raw_channel_cap"])
	}
}

func TestGetStatsReturnsCopy(t *testing.T) {
	c := NewChannels(1)
	c.IncrementRawLegsSent(10)
	c.IncrementRawLegsSent(5)
	c.IncrementRawLegsDropped(1)

	stats := c.GetStats()
	if stats.RawLegsSent != 15 {
		t.Errorf("RawLegsSent = %d, want 15", stats.RawLegsSent)
	}
	if stats.PollCycles != 2 {
		t.Errorf("PollCycles = %d, want 2", stats.PollCycles)
	}
	if stats.RawLegsDropped != 1 {
		t.Errorf("RawLegsDropped = %d, want 1", stats.RawLegsDropped)
	}

	// Mutating the copy must not touch the live counters.
	stats.RawLegsSent = 0
	if c.GetStats().RawLegsSent != 15 {
		t.Errorf("GetStats returned a reference, not a copy")
	}
}

func TestCloseClosesRawChannel(t *testing.T) {
	c := NewChannels(1)
	c.RawLegs <- []models.LegRecord{{Index: "NIFTY"}}
	c.Close()

	if batch, ok := <-c.RawLegs; !ok || len(batch) != 1 {
		t.Fatalf("expected buffered batch before close, got ok=%v len=%d", ok, len(batch))
	}
	if _, ok := <-c.RawLegs; ok {
		t.Fatalf("channel should be closed")
	}
}
