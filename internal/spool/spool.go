package spool

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"optionflow/logger"
	"optionflow/models"
)

// RecordLog is the append-only staging area between the collector and the
// consolidated writer. Records are partitioned by (index, trading date) and
// numbered with 1-based sequence positions; the cursor store tracks how far
// each consumer has read. Entries are kept for the trading day and never
// rewritten, so a prefix checksum detects truncation or rotation of the
// underlying source.
type RecordLog struct {
	mu         sync.RWMutex
	sourceID   string
	partitions map[string][]models.LegRecord
	log        *logger.Log
}

// NewRecordLog creates an empty log for the named source.
func NewRecordLog(sourceID string) *RecordLog {
	l := &RecordLog{
		sourceID:   sourceID,
		partitions: make(map[string][]models.LegRecord),
		log:        logger.GetLogger(),
	}
	l.log.WithComponent("spool").WithFields(logger.Fields{
		"source": sourceID,
	}).Info("record spool initialized")
	return l
}

// SourceID returns the source identifier used as the cursor source key.
func (l *RecordLog) SourceID() string { return l.sourceID }

// Append adds records to their partitions and returns the high-water
// sequence per touched partition.
func (l *RecordLog) Append(records []models.LegRecord) map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	touched := make(map[string]uint64)
	for _, r := range records {
		key := r.PartitionKey()
		l.partitions[key] = append(l.partitions[key], r)
		touched[key] = uint64(len(l.partitions[key]))
	}
	return touched
}

// ReadAfter returns records with sequence greater than position, up to
// limit (0 means no limit), together with the sequence of the last record
// returned. Committed data is never rescanned.
func (l *RecordLog) ReadAfter(partition string, position uint64, limit int) ([]models.LegRecord, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.partitions[partition]
	if position >= uint64(len(recs)) {
		return nil, position
	}

	from := int(position)
	to := len(recs)
	if limit > 0 && to-from > limit {
		to = from + limit
	}

	out := make([]models.LegRecord, to-from)
	copy(out, recs[from:to])
	return out, uint64(to)
}

// ChecksumThrough computes an FNV-64a checksum over the partition prefix up
// to the given position. The cursor stores this value on commit; a later
// mismatch means the source was truncated or rotated underneath the cursor.
func (l *RecordLog) ChecksumThrough(partition string, position uint64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.partitions[partition]
	if position > uint64(len(recs)) {
		position = uint64(len(recs))
	}

	h := fnv.New64a()
	for _, r := range recs[:position] {
		fmt.Fprintf(h, "%s|%d|%.4f|%d|%d\n", r.DedupKey(), r.StrikeOffset, r.Price, r.OI, r.Volume)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// HighWater returns the last sequence appended to a partition.
func (l *RecordLog) HighWater(partition string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.partitions[partition]))
}

// Partitions lists known partition keys in sorted order.
func (l *RecordLog) Partitions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.partitions))
	for k := range l.partitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset drops a partition's contents, simulating source rotation. Consumers
// detect the resulting checksum mismatch and reconcile their cursors.
func (l *RecordLog) Reset(partition string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.partitions, partition)
	l.log.WithComponent("spool").WithFields(logger.Fields{
		"partition": partition,
	}).Warn("partition reset")
}
