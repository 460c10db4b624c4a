package writer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"optionflow/models"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func sampleBatch(id string) *models.Batch {
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	row := models.MergedRow{
		Index:        "NIFTY",
		ExpiryBucket: "this_week",
		StrikeOffset: 0,
		Timestamp:    ts,
		CEPrice:      f64(120.5),
		CEOI:         i64(10000),
		CEVolume:     i64(400),
		PEPrice:      f64(80.25),
		PEOI:         i64(8000),
		PEVolume:     i64(600),
	}
	row.ComputeDerived()

	partial := models.MergedRow{
		Index:        "NIFTY",
		ExpiryBucket: "this_week",
		StrikeOffset: 2,
		Timestamp:    ts,
		CEPrice:      f64(15.0),
		CEOI:         i64(2000),
		CEVolume:     i64(100),
		Partial:      true,
	}

	return &models.Batch{
		BatchID:      id,
		PartitionKey: "NIFTY-2026-03-02",
		Rows:         []models.MergedRow{row, partial},
		RecordCount:  2,
		FencingToken: 7,
		CreatedAt:    ts,
	}
}

func TestCSVSinkWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}

	if err := sink.Write(context.Background(), sampleBatch("batch-1")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "NIFTY-2026-03-02.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "index,expiry_bucket,strike_offset,timestamp") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "120.5") || !strings.Contains(lines[1], "false") {
		t.Fatalf("complete row malformed: %s", lines[1])
	}
	// The partial row has empty PE columns.
	if !strings.Contains(lines[2], ",,,") || !strings.Contains(lines[2], "true") {
		t.Fatalf("partial row malformed: %s", lines[2])
	}
}

// Replaying a batch ID must not duplicate rows, even across sink restarts.
func TestCSVSinkIdempotentPerBatch(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}

	batch := sampleBatch("batch-1")
	for i := 0; i < 3; i++ {
		if err := sink.Write(context.Background(), batch); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	// A fresh sink over the same directory reloads the manifest.
	reopened, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := reopened.Write(context.Background(), batch); err != nil {
		t.Fatalf("replay on reopened sink failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "NIFTY-2026-03-02.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("replays duplicated rows: %d lines", len(lines))
	}

	// A new batch ID still appends.
	if err := reopened.Write(context.Background(), sampleBatch("batch-2")); err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "NIFTY-2026-03-02.csv"))
	lines = strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines after second batch, got %d", len(lines))
	}
}

func TestCSVSinkSplitsPartitions(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}

	nifty := sampleBatch("batch-1")
	bank := sampleBatch("batch-2")
	bank.PartitionKey = "BANKNIFTY-2026-03-02"
	for i := range bank.Rows {
		bank.Rows[i].Index = "BANKNIFTY"
	}

	if err := sink.Write(context.Background(), nifty); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := sink.Write(context.Background(), bank); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for _, name := range []string{"NIFTY-2026-03-02.csv", "BANKNIFTY-2026-03-02.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected partition file %s: %v", name, err)
		}
	}
}
