package spool

import (
	"testing"
	"time"

	"optionflow/models"
)

func leg(index string, offset int, side models.Side, ts time.Time) models.LegRecord {
	return models.LegRecord{
		InstrumentID: index + ":this_week:+0:" + string(side),
		Index:        index,
		ExpiryBucket: "this_week",
		StrikeOffset: offset,
		Side:         side,
		Timestamp:    ts,
		Price:        101.5,
		OI:           1000,
		Volume:       50,
	}
}

func TestAppendReturnsHighWaterPerPartition(t *testing.T) {
	l := NewRecordLog("nse-options")
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	highs := l.Append([]models.LegRecord{
		leg("NIFTY", 0, models.SideCall, ts),
		leg("NIFTY", 0, models.SidePut, ts),
		leg("BANKNIFTY", 1, models.SideCall, ts),
	})

	if highs["NIFTY-2026-03-02"] != 2 {
		t.Fatalf("expected NIFTY high water 2, got %d", highs["NIFTY-2026-03-02"])
	}
	if highs["BANKNIFTY-2026-03-02"] != 1 {
		t.Fatalf("expected BANKNIFTY high water 1, got %d", highs["BANKNIFTY-2026-03-02"])
	}
	if got := l.HighWater("NIFTY-2026-03-02"); got != 2 {
		t.Fatalf("HighWater disagrees: %d", got)
	}
}

func TestReadAfterNeverRescansCommitted(t *testing.T) {
	l := NewRecordLog("nse-options")
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	var legs []models.LegRecord
	for i := 0; i < 5; i++ {
		legs = append(legs, leg("NIFTY", i-2, models.SideCall, ts.Add(time.Duration(i)*time.Second)))
	}
	l.Append(legs)

	part := "NIFTY-2026-03-02"
	first, pos := l.ReadAfter(part, 0, 3)
	if len(first) != 3 || pos != 3 {
		t.Fatalf("expected 3 records to position 3, got %d to %d", len(first), pos)
	}

	second, pos := l.ReadAfter(part, pos, 0)
	if len(second) != 2 || pos != 5 {
		t.Fatalf("expected the remaining 2 records, got %d to %d", len(second), pos)
	}
	if second[0].StrikeOffset != first[2].StrikeOffset+1 {
		t.Fatalf("reads overlap: %+v then %+v", first[2], second[0])
	}

	rest, pos := l.ReadAfter(part, pos, 0)
	if len(rest) != 0 || pos != 5 {
		t.Fatalf("expected empty read at high water, got %d to %d", len(rest), pos)
	}
}

func TestChecksumIsPrefixStable(t *testing.T) {
	l := NewRecordLog("nse-options")
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	part := "NIFTY-2026-03-02"

	l.Append([]models.LegRecord{
		leg("NIFTY", 0, models.SideCall, ts),
		leg("NIFTY", 0, models.SidePut, ts),
	})
	before := l.ChecksumThrough(part, 2)

	// Appending past the prefix must not change the prefix checksum.
	l.Append([]models.LegRecord{leg("NIFTY", 1, models.SideCall, ts.Add(time.Minute))})
	if after := l.ChecksumThrough(part, 2); after != before {
		t.Fatalf("prefix checksum changed on append: %s vs %s", before, after)
	}

	if full := l.ChecksumThrough(part, 3); full == before {
		t.Fatal("checksum over a longer prefix should differ")
	}
}

func TestResetChangesChecksum(t *testing.T) {
	l := NewRecordLog("nse-options")
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	part := "NIFTY-2026-03-02"

	l.Append([]models.LegRecord{leg("NIFTY", 0, models.SideCall, ts)})
	before := l.ChecksumThrough(part, 1)

	l.Reset(part)
	l.Append([]models.LegRecord{leg("NIFTY", 2, models.SidePut, ts.Add(time.Hour))})

	if after := l.ChecksumThrough(part, 1); after == before {
		t.Fatal("rotation must change the prefix checksum")
	}
}

func TestPartitionsSorted(t *testing.T) {
	l := NewRecordLog("nse-options")
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	l.Append([]models.LegRecord{
		leg("SENSEX", 0, models.SideCall, ts),
		leg("BANKNIFTY", 0, models.SideCall, ts),
		leg("NIFTY", 0, models.SideCall, ts),
	})

	parts := l.Partitions()
	want := []string{"BANKNIFTY-2026-03-02", "NIFTY-2026-03-02", "SENSEX-2026-03-02"}
	if len(parts) != len(want) {
		t.Fatalf("expected %d partitions, got %v", len(want), parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("partitions not sorted: %v", parts)
		}
	}
}
