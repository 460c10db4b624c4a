package processor

import (
	"sync"
	"time"

	"optionflow/logger"
	"optionflow/models"
)

// MergeConfig tunes pairing behaviour. TimestampBucket absorbs source
// clock skew before key comparison; WaitWindow bounds how long a lone leg
// waits for its opposite side before flushing as a partial row.
type MergeConfig struct {
	TimestampBucket time.Duration
	WaitWindow      time.Duration
	DedupWindow     time.Duration
}

// Deduper drops re-observed records (same instrument and timestamp, e.g.
// a source replay) before merging. Seen keys are evicted after the dedup
// window so memory stays bounded during a trading day.
type Deduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewDeduper creates a deduper with the given retention window.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Deduper{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Filter returns the records not seen before, plus the duplicate count.
func (d *Deduper) Filter(records []models.LegRecord) ([]models.LegRecord, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-d.window)
	for key, seenAt := range d.seen {
		if seenAt.Before(cutoff) {
			delete(d.seen, key)
		}
	}

	unique := make([]models.LegRecord, 0, len(records))
	duplicates := 0
	for _, r := range records {
		key := r.DedupKey()
		if _, ok := d.seen[key]; ok {
			duplicates++
			continue
		}
		d.seen[key] = now
		unique = append(unique, r)
	}
	return unique, duplicates
}

type pendingLeg struct {
	leg       models.LegRecord
	firstSeen time.Time
}

// Merger pairs CE and PE legs sharing a merge key into MergedRows. A leg
// whose opposite side does not arrive within the wait window is flushed as
// a partial row; legs are never dropped. The conservation law holds:
// deduplicated input count == 2*complete rows + partial rows.
type Merger struct {
	mu      sync.Mutex
	cfg     MergeConfig
	pending map[string]pendingLeg
	log     *logger.Log
	now     func() time.Time

	completeRows int64
	partialRows  int64
}

// NewMerger creates a merger with the given configuration.
func NewMerger(cfg MergeConfig) *Merger {
	if cfg.TimestampBucket <= 0 {
		cfg.TimestampBucket = time.Minute
	}
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = 5 * time.Second
	}
	return &Merger{
		cfg:     cfg,
		pending: make(map[string]pendingLeg),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// Add feeds deduplicated legs into the merger and returns the rows
// completed by this call. Unmatched legs stay pending until their opposite
// side arrives or the wait window elapses.
func (m *Merger) Add(records []models.LegRecord) []models.MergedRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.MergedRow
	for _, r := range records {
		key := r.MergeKey(m.cfg.TimestampBucket)
		other, ok := m.pending[key]
		if !ok {
			m.pending[key] = pendingLeg{leg: r, firstSeen: m.now()}
			continue
		}
		if other.leg.Side == r.Side {
			// Same side re-observed within the bucket (e.g. two polls in one
			// minute). Keep the newer leg; the older one becomes a partial.
			rows = append(rows, m.buildRow(other.leg, nil))
			m.pending[key] = pendingLeg{leg: r, firstSeen: m.now()}
			continue
		}
		delete(m.pending, key)
		rows = append(rows, m.buildRow(other.leg, &r))
	}
	return rows
}

// FlushExpired converts pending legs older than the wait window into
// partial rows.
func (m *Merger) FlushExpired() []models.MergedRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.WaitWindow)
	var rows []models.MergedRow
	for key, p := range m.pending {
		if p.firstSeen.Before(cutoff) {
			delete(m.pending, key)
			rows = append(rows, m.buildRow(p.leg, nil))
		}
	}
	return rows
}

// FlushAll drains every pending leg as partial rows, used on shutdown so
// nothing is silently discarded.
func (m *Merger) FlushAll() []models.MergedRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]models.MergedRow, 0, len(m.pending))
	for key, p := range m.pending {
		delete(m.pending, key)
		rows = append(rows, m.buildRow(p.leg, nil))
	}
	return rows
}

// PendingCount reports legs waiting for their opposite side.
func (m *Merger) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Counts reports complete and partial row totals since creation.
func (m *Merger) Counts() (complete, partial int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeRows, m.partialRows
}

// buildRow assembles a MergedRow from one or two legs. first and second
// may arrive in either CE/PE order; second == nil produces a partial row.
func (m *Merger) buildRow(first models.LegRecord, second *models.LegRecord) models.MergedRow {
	row := models.MergedRow{
		Index:        first.Index,
		ExpiryBucket: first.ExpiryBucket,
		StrikeOffset: first.StrikeOffset,
		Timestamp:    first.Timestamp.Truncate(m.cfg.TimestampBucket),
	}

	apply := func(leg models.LegRecord) {
		price, oi, volume := leg.Price, leg.OI, leg.Volume
		switch leg.Side {
		case models.SideCall:
			row.CEPrice, row.CEOI, row.CEVolume = &price, &oi, &volume
		case models.SidePut:
			row.PEPrice, row.PEOI, row.PEVolume = &price, &oi, &volume
		}
	}

	apply(first)
	if second != nil {
		apply(*second)
		row.ComputeDerived()
		m.completeRows++
	} else {
		row.Partial = true
		m.partialRows++
	}
	return row
}
