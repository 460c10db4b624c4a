package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appconfig "optionflow/config"
	"optionflow/internal/bus"
	"optionflow/internal/coordination"
	"optionflow/internal/health"
	"optionflow/internal/spool"
	"optionflow/models"
)

// fakeSink collects batches in memory. failures counts down before writes
// start succeeding; onWrite runs before each attempt.
type fakeSink struct {
	name     string
	mu       sync.Mutex
	batches  []*models.Batch
	failures int
	failErr  error
	onWrite  func()
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Write(ctx context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onWrite != nil {
		s.onWrite()
	}
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		if s.failErr != nil {
			return s.failErr
		}
		return ErrSinkWriteFailed
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) committed() []*models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Batch(nil), s.batches...)
}

type writerHarness struct {
	writer     *ConsolidatedWriter
	spool      *spool.RecordLog
	locks      *coordination.LockManager
	cursors    *coordination.CursorStore
	bus        *bus.Bus
	deadLetter *DeadLetterStore
}

func newWriterHarness(t *testing.T, sinks ...Sink) *writerHarness {
	t.Helper()

	cfg := &appconfig.Config{}
	cfg.Processor.TimestampBucket = time.Minute
	cfg.Processor.MergeWaitWindow = time.Hour
	cfg.Processor.DedupWindow = 10 * time.Minute
	cfg.Writer.MaxWorkers = 1
	cfg.Writer.Batch.Size = 100
	cfg.Writer.Retry = appconfig.RetryConfig{
		MaxAttempts:       2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	cfg.Writer.Batch.MaxWait = time.Hour
	cfg.Writer.CursorConflictLimit = 3
	cfg.Coordination.LockTTL = 30 * time.Second
	cfg.Coordination.AcquireTimeout = 100 * time.Millisecond

	locks := coordination.NewLockManager(cfg.Coordination.LockTTL)
	cursors := coordination.NewCursorStore()
	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)
	monitor := health.NewMonitor(health.Config{})
	log := spool.NewRecordLog("nse-sim")
	deadLetter, err := NewDeadLetterStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDeadLetterStore failed: %v", err)
	}

	w := NewConsolidatedWriter(cfg, log, locks, cursors, b, monitor, deadLetter, sinks...)
	w.ctx = context.Background()

	return &writerHarness{
		writer:     w,
		spool:      log,
		locks:      locks,
		cursors:    cursors,
		bus:        b,
		deadLetter: deadLetter,
	}
}

func pairLegs(ts time.Time) []models.LegRecord {
	return []models.LegRecord{
		{
			InstrumentID: "NIFTY:this_week:+0:CE",
			Index:        "NIFTY",
			ExpiryBucket: "this_week",
			Side:         models.SideCall,
			Timestamp:    ts,
			Price:        120.5,
			OI:           10000,
			Volume:       400,
		},
		{
			InstrumentID: "NIFTY:this_week:+0:PE",
			Index:        "NIFTY",
			ExpiryBucket: "this_week",
			Side:         models.SidePut,
			Timestamp:    ts.Add(5 * time.Second),
			Price:        80.25,
			OI:           8000,
			Volume:       600,
		},
	}
}

func TestProcessPartitionCommitsMergedBatch(t *testing.T) {
	sink := &fakeSink{name: "mem"}
	h := newWriterHarness(t, sink)

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))
	partition := "NIFTY-2026-03-02"

	h.writer.processPartition(partition)

	batches := sink.committed()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	batch := batches[0]
	if batch.RecordCount != 1 || batch.Rows[0].Partial {
		t.Fatalf("expected a single complete row, got %+v", batch.Rows)
	}
	if batch.Rows[0].CEPrice == nil || batch.Rows[0].PEPrice == nil {
		t.Fatalf("merged row missing a side: %+v", batch.Rows[0])
	}
	if batch.FencingToken == 0 {
		t.Fatalf("batch carries no fencing token")
	}

	cur := h.cursors.Get(h.spool.SourceID(), partition)
	if cur.Position != 2 {
		t.Fatalf("cursor position = %d, want 2", cur.Position)
	}
	if h.locks.ActiveLocks() != 0 {
		t.Fatalf("partition lock not released")
	}
}

func TestProcessPartitionSkipsCycleWhenLocked(t *testing.T) {
	sink := &fakeSink{name: "mem"}
	h := newWriterHarness(t, sink)

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))
	partition := "NIFTY-2026-03-02"

	if _, err := h.locks.Acquire("partition:"+partition, "other-writer"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	h.writer.processPartition(partition)

	if len(sink.committed()) != 0 {
		t.Fatalf("cycle should have been skipped while the partition was locked")
	}
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 0 {
		t.Fatalf("cursor moved without a lock: %d", cur.Position)
	}
}

// A sink that exhausts its retries quarantines its copy of the batch without
// blocking the healthy sinks, and the cursor still advances.
func TestFailingSinkQuarantinesWithoutBlockingOthers(t *testing.T) {
	good := &fakeSink{name: "good"}
	bad := &fakeSink{name: "bad", failures: -1, failErr: ErrSinkUnreachable}
	h := newWriterHarness(t, bad, good)

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))
	partition := "NIFTY-2026-03-02"

	h.writer.processPartition(partition)

	if len(good.committed()) != 1 {
		t.Fatalf("healthy sink should have committed the batch")
	}
	if got := h.deadLetter.Entries(); got != 1 {
		t.Fatalf("expected 1 quarantined batch, got %d", got)
	}
	entries, err := h.deadLetter.Read(time.Now().UTC())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if entries[0].Sink != "bad" || entries[0].Batch == nil {
		t.Fatalf("unexpected dead letter entry: %+v", entries[0])
	}
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 2 {
		t.Fatalf("cursor position = %d, want 2", cur.Position)
	}
}

// Transient failures within the retry budget commit without quarantining.
func TestTransientSinkFailureRetriesAndCommits(t *testing.T) {
	flaky := &fakeSink{name: "flaky", failures: 1, failErr: ErrSinkWriteFailed}
	h := newWriterHarness(t, flaky)

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))

	h.writer.processPartition("NIFTY-2026-03-02")

	if len(flaky.committed()) != 1 {
		t.Fatalf("retry should have committed the batch")
	}
	if got := h.deadLetter.Entries(); got != 0 {
		t.Fatalf("transient failure must not quarantine, got %d entries", got)
	}
}

// A writer whose fencing token is superseded mid-flush abandons the batch
// and leaves the cursor untouched so the surviving writer replays.
func TestSupersededTokenAbandonsBatch(t *testing.T) {
	first := &fakeSink{name: "first"}
	second := &fakeSink{name: "second"}
	h := newWriterHarness(t, first, second)

	partition := "NIFTY-2026-03-02"
	resource := "partition:" + partition

	// After the first sink commits, another writer takes over the partition.
	first.onWrite = func() {
		first.onWrite = nil
		h.locks.ForceExpire(resource)
		if _, err := h.locks.Acquire(resource, "surviving-writer"); err != nil {
			t.Errorf("takeover acquire failed: %v", err)
		}
	}

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))

	h.writer.processPartition(partition)

	if len(first.committed()) != 1 {
		t.Fatalf("first sink should have committed before the takeover")
	}
	if len(second.committed()) != 0 {
		t.Fatalf("second sink must not see a fenced batch")
	}
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 0 {
		t.Fatalf("fenced cycle must not advance the cursor, got %d", cur.Position)
	}
}

// A required sink that exhausts its retries holds the cursor instead of
// quarantining: the batch is parked and replayed to it once it recovers,
// while sinks that already took the batch are not rewritten.
func TestRequiredSinkFailureHoldsCursor(t *testing.T) {
	req := &fakeSink{name: "req", failures: -1, failErr: ErrSinkUnreachable}
	opt := &fakeSink{name: "opt"}
	h := newWriterHarness(t, opt, req)
	h.writer.required = map[string]bool{"req": true}

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))
	partition := "NIFTY-2026-03-02"

	h.writer.processPartition(partition)

	if len(opt.committed()) != 1 {
		t.Fatalf("optional sink should have committed the batch")
	}
	if got := h.deadLetter.Entries(); got != 0 {
		t.Fatalf("required sink failure must not quarantine, got %d entries", got)
	}
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 0 {
		t.Fatalf("cursor must hold while a required sink is down, got %d", cur.Position)
	}
	if h.locks.ActiveLocks() != 0 {
		t.Fatalf("partition lock not released")
	}

	// The sink recovers; the next cycle replays the held batch before
	// reading new records, then releases the cursor.
	req.failures = 0
	h.writer.processPartition(partition)

	reqBatches := req.committed()
	if len(reqBatches) != 1 {
		t.Fatalf("recovered sink should have taken the held batch")
	}
	if reqBatches[0].BatchID != opt.committed()[0].BatchID {
		t.Fatalf("replayed batch lost its identity")
	}
	if len(opt.committed()) != 1 {
		t.Fatalf("sink that already committed must not be rewritten")
	}
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 2 {
		t.Fatalf("cursor position = %d, want 2", cur.Position)
	}
}

// Records consumed into the merger but still inside the wait window advance
// the cursor without producing a batch; the pending leg flushes later.
func TestLoneLegAdvancesCursorWithoutBatch(t *testing.T) {
	sink := &fakeSink{name: "mem"}
	h := newWriterHarness(t, sink)

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts)[:1])
	partition := "NIFTY-2026-03-02"

	h.writer.processPartition(partition)

	if len(sink.committed()) != 0 {
		t.Fatalf("lone leg inside the wait window must not flush")
	}
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 1 {
		t.Fatalf("cursor position = %d, want 1", cur.Position)
	}

	// Shutdown voids the wait window: the pending leg flushes as a partial.
	h.writer.Stop()
	batches := sink.committed()
	if len(batches) != 1 || batches[0].RecordCount != 1 {
		t.Fatalf("expected 1 drained batch, got %+v", batches)
	}
	if !batches[0].Rows[0].Partial {
		t.Fatalf("drained lone leg should be partial")
	}
}

func TestInvalidRecordsAreQuarantinedNotWritten(t *testing.T) {
	sink := &fakeSink{name: "mem"}
	h := newWriterHarness(t, sink)

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	legs := pairLegs(ts)
	legs = append(legs, models.LegRecord{
		// Missing instrument_id fails validation.
		Index:        "NIFTY",
		ExpiryBucket: "this_week",
		Side:         models.SideCall,
		Timestamp:    ts,
		Price:        10,
	})
	h.spool.Append(legs)
	partition := "NIFTY-2026-03-02"

	h.writer.processPartition(partition)

	if len(sink.committed()) != 1 {
		t.Fatalf("valid pair should still commit")
	}
	entries, err := h.deadLetter.Read(time.Now().UTC())
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "legs" || entries[0].Reason != "validation_failed" {
		t.Fatalf("unexpected dead letter entries: %+v", entries)
	}
	// Invalid record still occupies a spool position; the cursor passes it.
	if cur := h.cursors.Get(h.spool.SourceID(), partition); cur.Position != 3 {
		t.Fatalf("cursor position = %d, want 3", cur.Position)
	}
}

func TestBatchWrittenEventIsPublished(t *testing.T) {
	sink := &fakeSink{name: "mem"}
	h := newWriterHarness(t, sink)

	var mu sync.Mutex
	var events []models.BatchWritten
	if _, err := h.bus.Subscribe(models.TopicBatchWritten, "test", func(evt bus.Event) error {
		written, ok := evt.Payload.(models.BatchWritten)
		if !ok {
			return errors.New("unexpected payload type")
		}
		mu.Lock()
		events = append(events, written)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	h.spool.Append(pairLegs(ts))
	h.writer.processPartition("NIFTY-2026-03-02")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch_written event never delivered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	evt := events[0]
	mu.Unlock()
	if evt.PartitionKey != "NIFTY-2026-03-02" || evt.RecordsWritten != 1 || evt.FencingToken == 0 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
