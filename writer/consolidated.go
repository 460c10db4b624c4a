package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "optionflow/config"
	"optionflow/internal/bus"
	"optionflow/internal/coordination"
	"optionflow/internal/health"
	"optionflow/internal/spool"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/processor"
)

const writerComponentID = "consolidated_writer"

// pendingFlush is a batch a required sink rejected after retries. The
// cursor holds at prevPos until every required sink accepts the batch;
// sinks that already committed it are skipped on replay.
type pendingFlush struct {
	batch   *models.Batch
	prevPos uint64
	newPos  uint64
	done    map[string]bool
}

// ConsolidatedWriter drains the record log partition by partition, merges
// call and put legs into consolidated rows and commits the result to every
// configured sink under a fenced partition lock. Exactly one writer cycle
// runs per partition at a time; a second worker hitting the same partition
// times out on the lock and skips the cycle.
type ConsolidatedWriter struct {
	config     *appconfig.Config
	spool      *spool.RecordLog
	locks      *coordination.LockManager
	cursors    *coordination.CursorStore
	bus        *bus.Bus
	monitor    *health.Monitor
	sinks      []Sink
	required   map[string]bool
	deadLetter *DeadLetterStore
	deduper    *processor.Deduper

	holderID string
	policy   coordination.RetryPolicy

	mu        sync.Mutex
	running   bool
	mergers   map[string]*processor.Merger
	conflicts map[string]int
	pending   map[string]*pendingFlush

	work        chan string
	sub         *bus.Subscription
	ctx         context.Context
	wg          *sync.WaitGroup
	flushTicker *time.Ticker
	log         *logger.Log
}

func NewConsolidatedWriter(
	cfg *appconfig.Config,
	log *spool.RecordLog,
	locks *coordination.LockManager,
	cursors *coordination.CursorStore,
	b *bus.Bus,
	monitor *health.Monitor,
	deadLetter *DeadLetterStore,
	sinks ...Sink,
) *ConsolidatedWriter {
	required := make(map[string]bool, len(cfg.Sinks.RequiredSinks))
	for _, name := range cfg.Sinks.RequiredSinks {
		required[name] = true
	}

	w := &ConsolidatedWriter{
		config:     cfg,
		spool:      log,
		locks:      locks,
		cursors:    cursors,
		bus:        b,
		monitor:    monitor,
		sinks:      sinks,
		required:   required,
		deadLetter: deadLetter,
		deduper:    processor.NewDeduper(cfg.Processor.DedupWindow),
		holderID:   fmt.Sprintf("%s-%s", writerComponentID, uuid.New().String()[:8]),
		policy: coordination.RetryPolicy{
			MaxAttempts:       cfg.Writer.Retry.MaxAttempts,
			BaseDelay:         cfg.Writer.Retry.BaseDelay,
			MaxDelay:          cfg.Writer.Retry.MaxDelay,
			BackoffMultiplier: cfg.Writer.Retry.BackoffMultiplier,
		},
		mergers:   make(map[string]*processor.Merger),
		conflicts: make(map[string]int),
		pending:   make(map[string]*pendingFlush),
		work:      make(chan string, 64),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
	if w.policy.MaxAttempts <= 0 {
		w.policy = coordination.DefaultRetryPolicy
	}
	return w
}

// HolderID exposes the lock holder identity, mostly for tests.
func (w *ConsolidatedWriter) HolderID() string { return w.holderID }

func (w *ConsolidatedWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("consolidated writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	log := w.log.WithComponent(writerComponentID).WithFields(logger.Fields{"operation": "start"})
	log.Info("starting consolidated writer")

	sub, err := w.bus.Subscribe(models.TopicLegsCollected, writerComponentID, w.onLegsCollected)
	if err != nil {
		return err
	}
	w.sub = sub

	numWorkers := w.config.Writer.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	// Batch.MaxWait bounds how long merged rows sit unflushed when no
	// legs_collected events arrive; the sweep also retries held batches.
	maxWait := w.config.Writer.Batch.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	w.flushTicker = time.NewTicker(maxWait)
	w.wg.Add(1)
	go w.safetyNetWorker()

	log.WithFields(logger.Fields{"workers": numWorkers}).Info("consolidated writer started")
	return nil
}

func (w *ConsolidatedWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	if w.sub != nil {
		w.bus.Unsubscribe(w.sub)
	}

	log := w.log.WithComponent(writerComponentID)
	log.Info("stopping consolidated writer")
	w.wg.Wait()

	// Wait windows are void on shutdown: flush every pending leg as a
	// partial row so nothing is dropped.
	w.drainPending()
	log.Info("consolidated writer stopped")
}

// onLegsCollected nudges a worker for the event's partition. The channel is
// best-effort: a full queue just coalesces into the next safety net sweep.
func (w *ConsolidatedWriter) onLegsCollected(evt bus.Event) error {
	if evt.PartitionKey == "" {
		return nil
	}
	select {
	case w.work <- evt.PartitionKey:
	default:
	}
	return nil
}

func (w *ConsolidatedWriter) worker(workerID int) {
	defer w.wg.Done()

	log := w.log.WithComponent(writerComponentID).WithFields(logger.Fields{"worker_id": workerID})
	log.Debug("writer worker started")

	for {
		select {
		case <-w.ctx.Done():
			log.Debug("writer worker stopped due to context cancellation")
			return
		case partition := <-w.work:
			w.processPartition(partition)
		}
	}
}

// safetyNetWorker sweeps every known partition on a timer so expired
// wait-window rows flush even when no new legs arrive.
func (w *ConsolidatedWriter) safetyNetWorker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			for _, partition := range w.spool.Partitions() {
				select {
				case w.work <- partition:
				default:
				}
			}
		}
	}
}

func (w *ConsolidatedWriter) mergerFor(partition string) *processor.Merger {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.mergers[partition]
	if !ok {
		m = processor.NewMerger(processor.MergeConfig{
			TimestampBucket: w.config.Processor.TimestampBucket,
			WaitWindow:      w.config.Processor.MergeWaitWindow,
		})
		w.mergers[partition] = m
	}
	return m
}

// processPartition runs one full write cycle for a partition: lock, verify
// cursor, read, merge, flush sinks, advance cursor, release.
func (w *ConsolidatedWriter) processPartition(partition string) {
	start := time.Now()
	resource := "partition:" + partition
	source := w.spool.SourceID()

	log := w.log.WithComponent(writerComponentID).WithFields(logger.Fields{
		"partition": partition,
		"holder":    w.holderID,
	})

	token, err := w.locks.AcquireWait(w.ctx, resource, w.holderID, w.config.Coordination.AcquireTimeout, w.policy)
	if err != nil {
		if errors.Is(err, coordination.ErrLockTimeout) {
			log.Debug("partition lock busy, skipping cycle")
		} else if !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("failed to acquire partition lock")
		}
		return
	}

	released := false
	defer func() {
		if !released {
			if err := w.locks.Release(resource, w.holderID, token); err != nil {
				log.WithError(err).Debug("lock release failed")
			}
		}
	}()

	// Renew the lease in the background while this cycle runs. Losing the
	// lease cancels the cycle before the cursor commit.
	cycleCtx, cancelCycle := context.WithCancel(w.ctx)
	defer cancelCycle()
	renewDone := make(chan struct{})
	go w.renewLoop(cycleCtx, resource, token, cancelCycle, renewDone)
	defer func() { cancelCycle(); <-renewDone }()

	// A batch held back by a failing required sink replays before any new
	// records are read; the cursor stays put until it clears.
	if !w.retryPending(cycleCtx, log, partition, token, source) {
		return
	}

	cur := w.cursors.Get(source, partition)
	if err := w.cursors.Verify(source, partition, w.spool.ChecksumThrough(partition, cur.Position)); err != nil {
		log.WithError(err).Warn("cursor checksum mismatch, reconciling from the beginning")
		w.monitor.ReportAnomaly(health.Anomaly{
			ComponentID: writerComponentID,
			Type:        "stale_cursor",
			Detail:      fmt.Sprintf("partition %s position %d", partition, cur.Position),
		})
		cur = w.cursors.Reconcile(source, partition)
	}

	records, newPos := w.spool.ReadAfter(partition, cur.Position, w.config.Writer.Batch.Size)

	valid := records[:0:0]
	var invalid []models.LegRecord
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			invalid = append(invalid, rec)
			continue
		}
		valid = append(valid, rec)
	}
	if len(invalid) > 0 {
		log.WithFields(logger.Fields{"rejected": len(invalid)}).Warn("records failed validation")
		if err := w.deadLetter.RecordLegs("validation_failed", invalid); err != nil {
			log.WithError(err).Error("failed to quarantine invalid records")
		}
	}

	unique, duplicates := w.deduper.Filter(valid)
	if duplicates > 0 {
		log.WithFields(logger.Fields{"duplicates": duplicates}).Debug("dropped replayed records")
	}

	merger := w.mergerFor(partition)
	rows := merger.Add(unique)
	rows = append(rows, merger.FlushExpired()...)

	if len(rows) == 0 {
		// Nothing flushable this cycle. Still advance the cursor past what
		// was consumed into the merger's pending set.
		if newPos > cur.Position {
			w.commitCursor(log, source, partition, cur.Position, newPos)
		}
		return
	}

	batch := w.buildBatch(partition, token, rows)
	done := make(map[string]bool, len(w.sinks))
	result := w.flushBatch(cycleCtx, log, batch, done)
	if result == nil {
		// Fencing rejected the batch or the cycle was cancelled. Leave the
		// cursor untouched so the surviving writer replays the records.
		return
	}
	if hasRequiredFailure(result) {
		// A required sink is down: hold the cursor and park the batch so
		// the next cycle replays it to the sinks that have not taken it.
		w.mu.Lock()
		w.pending[partition] = &pendingFlush{
			batch:   batch,
			prevPos: cur.Position,
			newPos:  newPos,
			done:    done,
		}
		w.mu.Unlock()
		log.WithFields(logger.Fields{"batch_id": batch.BatchID}).
			Warn("required sink rejected batch, holding cursor for replay")
		return
	}

	if newPos > cur.Position {
		if !w.commitCursor(log, source, partition, cur.Position, newPos) {
			return
		}
	}

	released = true
	if err := w.locks.Release(resource, w.holderID, token); err != nil {
		log.WithError(err).Debug("lock release failed")
	}

	elapsed := time.Since(start)
	result.ProcessingTime = elapsed
	logger.IncrementBatchCommitted(result.RecordsWritten)

	if _, err := w.bus.Publish(models.TopicBatchWritten, partition, models.BatchWritten{
		BatchID:        batch.BatchID,
		PartitionKey:   partition,
		RecordsWritten: result.RecordsWritten,
		PartialRows:    result.PartialRows,
		FencingToken:   token,
		ProcessingMs:   elapsed.Milliseconds(),
		WrittenAt:      time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("failed to publish batch_written event")
	}

	complete, partial := merger.Counts()
	w.monitor.Heartbeat(writerComponentID, map[string]float64{
		"batch_rows":    float64(result.RecordsWritten),
		"partial_rows":  float64(result.PartialRows),
		"processing_ms": float64(elapsed.Milliseconds()),
		"merged_total":  float64(complete + partial),
	})

	log.WithFields(logger.Fields{
		"batch_id":      batch.BatchID,
		"rows":          result.RecordsWritten,
		"partial_rows":  result.PartialRows,
		"sink_errors":   len(result.Errors),
		"processing_ms": elapsed.Milliseconds(),
	}).Info("batch committed")
}

func (w *ConsolidatedWriter) renewLoop(ctx context.Context, resource string, token uint64, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	interval := w.locks.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.locks.Renew(resource, w.holderID, token); err != nil {
				w.log.WithComponent(writerComponentID).WithError(err).WithFields(logger.Fields{
					"resource": resource,
				}).Error("lease lost mid-cycle, aborting")
				cancel()
				return
			}
		}
	}
}

func (w *ConsolidatedWriter) buildBatch(partition string, token uint64, rows []models.MergedRow) *models.Batch {
	batch := &models.Batch{
		BatchID:      uuid.New().String(),
		PartitionKey: partition,
		Rows:         rows,
		RecordCount:  len(rows),
		FencingToken: token,
		CreatedAt:    time.Now().UTC(),
	}
	if data, err := json.Marshal(batch.Rows); err == nil {
		batch.ByteSize = int64(len(data))
	}
	return batch
}

// retryPending replays a held batch to the required sinks that have not
// taken it yet. Returns false while the batch is still held so the caller
// skips reading past the stuck cursor; true when the partition is clear.
func (w *ConsolidatedWriter) retryPending(ctx context.Context, log *logger.Entry, partition string, token uint64, source string) bool {
	w.mu.Lock()
	pf, ok := w.pending[partition]
	w.mu.Unlock()
	if !ok {
		return true
	}

	// The batch carries the token it flushes under; the original one died
	// with the previous lock.
	pf.batch.FencingToken = token
	result := w.flushBatch(ctx, log, pf.batch, pf.done)
	if result == nil || hasRequiredFailure(result) {
		log.WithFields(logger.Fields{"batch_id": pf.batch.BatchID}).
			Warn("held batch still rejected by a required sink")
		return false
	}

	if pf.newPos > pf.prevPos {
		if !w.commitCursor(log, source, partition, pf.prevPos, pf.newPos) {
			return false
		}
	}
	w.mu.Lock()
	delete(w.pending, partition)
	w.mu.Unlock()

	logger.IncrementBatchCommitted(result.RecordsWritten)
	if _, err := w.bus.Publish(models.TopicBatchWritten, partition, models.BatchWritten{
		BatchID:        pf.batch.BatchID,
		PartitionKey:   partition,
		RecordsWritten: result.RecordsWritten,
		PartialRows:    result.PartialRows,
		FencingToken:   token,
		WrittenAt:      time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("failed to publish batch_written event")
	}
	log.WithFields(logger.Fields{"batch_id": pf.batch.BatchID}).
		Info("held batch cleared, cursor released")
	return true
}

func hasRequiredFailure(result *models.BatchResult) bool {
	for _, se := range result.Errors {
		if se.Status == models.SinkStatusPendingRetry {
			return true
		}
	}
	return false
}

// flushBatch writes the batch to every sink not already marked in done. A
// failing optional sink never blocks the others: after retries its batch
// goes to the dead letter store for manual replay. A failing required sink
// is reported as pending-retry so the caller can hold the cursor. A stale
// fencing token abandons the whole batch.
func (w *ConsolidatedWriter) flushBatch(ctx context.Context, log *logger.Entry, batch *models.Batch, done map[string]bool) *models.BatchResult {
	partial := 0
	for i := range batch.Rows {
		if batch.Rows[i].Partial {
			partial++
		}
	}

	result := &models.BatchResult{
		BatchID:        batch.BatchID,
		PartitionKey:   batch.PartitionKey,
		RecordsWritten: batch.RecordCount,
		PartialRows:    partial,
	}

	resource := "partition:" + batch.PartitionKey
	for _, sink := range w.sinks {
		if done[sink.Name()] {
			continue
		}
		if err := w.locks.ValidateToken(resource, batch.FencingToken); err != nil {
			log.WithError(err).WithFields(logger.Fields{"sink": sink.Name()}).
				Warn("fencing token superseded, abandoning batch")
			return nil
		}
		if err := w.writeWithRetry(ctx, sink, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrSinkUnreachable) {
				w.monitor.ReportAnomaly(health.Anomaly{
					ComponentID: writerComponentID,
					Type:        "sink_unreachable",
					Detail:      sink.Name(),
				})
			}
			if w.required[sink.Name()] {
				log.WithError(err).WithFields(logger.Fields{"sink": sink.Name()}).
					Error("required sink rejected batch after retries")
				result.Errors = append(result.Errors, models.SinkError{
					Sink:   sink.Name(),
					Status: models.SinkStatusPendingRetry,
					Err:    err,
					Detail: err.Error(),
				})
				continue
			}
			log.WithError(err).WithFields(logger.Fields{"sink": sink.Name()}).
				Error("sink rejected batch after retries, quarantining")
			if dlErr := w.deadLetter.RecordBatch(sink.Name(), err.Error(), batch); dlErr != nil {
				log.WithError(dlErr).Error("failed to quarantine batch")
			}
			result.Errors = append(result.Errors, models.SinkError{
				Sink:   sink.Name(),
				Status: models.SinkStatusDeadLetter,
				Err:    err,
				Detail: err.Error(),
			})
			continue
		}
		if done != nil {
			done[sink.Name()] = true
		}
		logger.IncrementSinkWrite(sink.Name(), int(batch.ByteSize))
	}

	return result
}

func (w *ConsolidatedWriter) writeWithRetry(ctx context.Context, sink Sink, batch *models.Batch) error {
	var lastErr error
	for attempt := 0; attempt < w.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(coordination.Backoff(w.policy, attempt)):
			}
		}
		if lastErr = sink.Write(ctx, batch); lastErr == nil {
			return nil
		}
		w.log.WithComponent(writerComponentID).WithError(lastErr).WithFields(logger.Fields{
			"sink":    sink.Name(),
			"attempt": attempt + 1,
		}).Warn("sink write failed, will retry")
	}
	return lastErr
}

func (w *ConsolidatedWriter) commitCursor(log *logger.Entry, source, partition string, prev, newPos uint64) bool {
	checksum := w.spool.ChecksumThrough(partition, newPos)
	if err := w.cursors.Commit(source, partition, newPos, checksum, prev); err != nil {
		w.mu.Lock()
		w.conflicts[partition]++
		count := w.conflicts[partition]
		w.mu.Unlock()

		log.WithError(err).WithFields(logger.Fields{"conflicts": count}).
			Warn("cursor commit rejected")
		if count >= w.config.Writer.CursorConflictLimit {
			w.monitor.ReportAnomaly(health.Anomaly{
				ComponentID: writerComponentID,
				Type:        "cursor_conflict",
				Detail:      fmt.Sprintf("partition %s rejected %d times", partition, count),
			})
		}
		return false
	}

	w.mu.Lock()
	w.conflicts[partition] = 0
	w.mu.Unlock()
	return true
}

// drainPending flushes every merger's pending legs as partial rows and
// writes them through the sinks one last time. Called only after the
// workers have stopped.
func (w *ConsolidatedWriter) drainPending() {
	w.mu.Lock()
	mergers := w.mergers
	w.mergers = make(map[string]*processor.Merger)
	held := w.pending
	w.pending = make(map[string]*pendingFlush)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Batches still waiting on a required sink cannot clear now; quarantine
	// them so the operator can replay once the sink is back.
	for partition, pf := range held {
		log := w.log.WithComponent(writerComponentID).WithFields(logger.Fields{
			"partition": partition,
			"batch_id":  pf.batch.BatchID,
		})
		if err := w.deadLetter.RecordBatch("shutdown", "required sink unavailable at shutdown", pf.batch); err != nil {
			log.WithError(err).Error("failed to quarantine held batch")
			continue
		}
		log.Warn("held batch quarantined at shutdown")
	}

	for partition, merger := range mergers {
		rows := merger.FlushAll()
		if len(rows) == 0 {
			continue
		}
		log := w.log.WithComponent(writerComponentID).WithFields(logger.Fields{
			"partition": partition,
			"rows":      len(rows),
		})

		resource := "partition:" + partition
		token, err := w.locks.Acquire(resource, w.holderID)
		if err != nil {
			log.WithError(err).Warn("could not lock partition for final drain, quarantining rows")
			batch := w.buildBatch(partition, 0, rows)
			if dlErr := w.deadLetter.RecordBatch("drain", "lock unavailable at shutdown", batch); dlErr != nil {
				log.WithError(dlErr).Error("failed to quarantine drained rows")
			}
			continue
		}

		batch := w.buildBatch(partition, token, rows)
		if result := w.flushBatch(ctx, log, batch, nil); result != nil {
			log.Info("pending rows drained")
		}
		if err := w.locks.Release(resource, w.holderID, token); err != nil {
			log.WithError(err).Debug("lock release failed")
		}
	}
}
