package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"optionflow/logger"
	"optionflow/models"
)

// DeadLetterEntry is one JSON line in the dead letter store. Exactly one
// of Legs or Batch is set depending on what was quarantined.
type DeadLetterEntry struct {
	Kind       string             `json:"kind"`
	Reason     string             `json:"reason"`
	Sink       string             `json:"sink,omitempty"`
	Legs       []models.LegRecord `json:"legs,omitempty"`
	Batch      *models.Batch      `json:"batch,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

const (
	deadLetterKindLegs  = "legs"
	deadLetterKindBatch = "batch"
)

// DeadLetterStore quarantines records that failed validation and batches
// that exhausted sink retries. Entries are JSON lines so they can be
// inspected and replayed with standard tooling.
type DeadLetterStore struct {
	dir     string
	mu      sync.Mutex
	entries int64
	log     *logger.Log
}

func NewDeadLetterStore(dir string) (*DeadLetterStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
	}
	return &DeadLetterStore{dir: dir, log: logger.GetLogger()}, nil
}

// RecordLegs quarantines raw records that failed structural validation.
func (d *DeadLetterStore) RecordLegs(reason string, legs []models.LegRecord) error {
	if len(legs) == 0 {
		return nil
	}
	entry := DeadLetterEntry{
		Kind:       deadLetterKindLegs,
		Reason:     reason,
		Legs:       legs,
		RecordedAt: time.Now().UTC(),
	}
	return d.append(entry)
}

// RecordBatch quarantines a batch a sink could not accept after retries.
func (d *DeadLetterStore) RecordBatch(sink, reason string, batch *models.Batch) error {
	entry := DeadLetterEntry{
		Kind:       deadLetterKindBatch,
		Reason:     reason,
		Sink:       sink,
		Batch:      batch,
		RecordedAt: time.Now().UTC(),
	}
	return d.append(entry)
}

// Entries reports how many entries were quarantined since startup.
func (d *DeadLetterStore) Entries() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries
}

// Read loads every quarantined entry from a day file, oldest first.
func (d *DeadLetterStore) Read(day time.Time) ([]DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.path(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry DeadLetterEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("corrupt dead letter line: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (d *DeadLetterStore) path(day time.Time) string {
	return filepath.Join(d.dir, day.UTC().Format("2006-01-02")+".jsonl")
}

func (d *DeadLetterStore) append(entry DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path(entry.RecordedAt), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dead letter file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write dead letter entry: %w", err)
	}

	d.entries++
	rows := len(entry.Legs)
	if entry.Batch != nil {
		rows = entry.Batch.RecordCount
	}
	logger.IncrementDeadLetter(rows)
	d.log.WithComponent("dead_letter").WithFields(logger.Fields{
		"kind":   entry.Kind,
		"reason": entry.Reason,
		"sink":   entry.Sink,
	}).Warn("entry quarantined")
	return nil
}
