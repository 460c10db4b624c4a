package coordination

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"optionflow/logger"
)

// Cursor records how far a consumer has read one (source, partition)
// stream. Position is source-defined, here the spool sequence number of
// the last consumed record. Checksum covers the last consumed chunk and
// detects source truncation or rotation.
type Cursor struct {
	SourceID    string    `json:"source_id"`
	PartitionID string    `json:"partition_id"`
	Position    uint64    `json:"position"`
	Checksum    string    `json:"checksum"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func cursorKey(source, partition string) string {
	return source + "|" + partition
}

// CursorStore tracks incremental read positions with optimistic
// concurrency. Cursors are created lazily at position zero and never
// deleted; the full set doubles as an audit trail of consumed partitions.
type CursorStore struct {
	mu       sync.RWMutex
	cursors  map[string]Cursor
	commits  map[string]uint64
	rollback map[string]uint64
	log      *logger.Log
}

// NewCursorStore creates an empty store.
func NewCursorStore() *CursorStore {
	s := &CursorStore{
		cursors:  make(map[string]Cursor),
		commits:  make(map[string]uint64),
		rollback: make(map[string]uint64),
		log:      logger.GetLogger(),
	}
	s.log.WithComponent("cursor_store").Info("cursor store initialized")
	return s
}

// Get returns the cursor for (source, partition), creating a zero-position
// cursor on first access.
func (s *CursorStore) Get(source, partition string) Cursor {
	key := cursorKey(source, partition)

	s.mu.RLock()
	cur, ok := s.cursors[key]
	s.mu.RUnlock()
	if ok {
		return cur
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok = s.cursors[key]; ok {
		return cur
	}
	cur = Cursor{SourceID: source, PartitionID: partition, UpdatedAt: time.Now()}
	s.cursors[key] = cur
	return cur
}

// Commit advances the cursor using an expected-previous-position check.
// A mismatch means a concurrent writer already advanced the cursor and the
// commit fails with ErrCursorConflict, never silently overwriting.
// Positions are monotonically non-decreasing.
func (s *CursorStore) Commit(source, partition string, newPosition uint64, checksum string, expectedPrev uint64) error {
	key := cursorKey(source, partition)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[key]
	if !ok {
		cur = Cursor{SourceID: source, PartitionID: partition}
	}

	if cur.Position != expectedPrev {
		return fmt.Errorf("partition %s expected position %d, have %d: %w",
			partition, expectedPrev, cur.Position, ErrCursorConflict)
	}
	if newPosition < cur.Position {
		return fmt.Errorf("partition %s position %d would regress from %d: %w",
			partition, newPosition, cur.Position, ErrCursorConflict)
	}

	cur.Position = newPosition
	cur.Checksum = checksum
	cur.UpdatedAt = time.Now()
	s.cursors[key] = cur
	s.commits[key]++

	s.log.WithComponent("cursor_store").WithFields(logger.Fields{
		"source":    source,
		"partition": partition,
		"position":  newPosition,
	}).Debug("cursor committed")
	return nil
}

// Verify compares the stored checksum against the checksum recomputed over
// the same chunk by the source. A mismatch returns ErrCursorCorrupt and the
// caller is expected to Reconcile.
func (s *CursorStore) Verify(source, partition, sourceChecksum string) error {
	cur := s.Get(source, partition)
	if cur.Position == 0 || cur.Checksum == "" {
		return nil
	}
	if cur.Checksum != sourceChecksum {
		return fmt.Errorf("partition %s checksum %q does not match source %q: %w",
			partition, cur.Checksum, sourceChecksum, ErrCursorCorrupt)
	}
	return nil
}

// Reconcile rolls the cursor back to the safe checkpoint (the start of the
// partition) so the consumer replays forward. Idempotent consumers make the
// replay safe; the rollback count feeds the health monitor.
func (s *CursorStore) Reconcile(source, partition string) Cursor {
	key := cursorKey(source, partition)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cursors[key]
	cur.SourceID = source
	cur.PartitionID = partition
	cur.Position = 0
	cur.Checksum = ""
	cur.UpdatedAt = time.Now()
	s.cursors[key] = cur
	s.rollback[key]++

	s.log.WithComponent("cursor_store").WithFields(logger.Fields{
		"source":    source,
		"partition": partition,
		"rollbacks": s.rollback[key],
	}).Warn("cursor reconciled to partition start")
	return cur
}

// Rollbacks reports how many times a partition entered reconcile mode.
func (s *CursorStore) Rollbacks(source, partition string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rollback[cursorKey(source, partition)]
}

// All returns every cursor sorted by key, for health snapshots and audit.
func (s *CursorStore) All() []Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.cursors))
	for k := range s.cursors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Cursor, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.cursors[k])
	}
	return out
}
