package models

import (
	"fmt"
	"time"
)

// Side identifies the option leg type.
type Side string

const (
	SideCall Side = "CE"
	SidePut  Side = "PE"
)

// LegRecord represents a single option leg observed by the collector.
// Collector output is untrusted: records may arrive duplicated or out of
// order and must pass Validate before entering a batch.
type LegRecord struct {
	InstrumentID string    `json:"instrument_id"`
	Index        string    `json:"index"`
	ExpiryBucket string    `json:"expiry_bucket"`
	StrikeOffset int       `json:"strike_offset"`
	Side         Side      `json:"side"`
	Timestamp    time.Time `json:"timestamp"`
	Price        float64   `json:"price"`
	OI           int64     `json:"oi"`
	Volume       int64     `json:"volume"`
}

// DedupKey identifies a leg observation; re-observing the same key is a
// source replay and must be dropped before merging.
func (r LegRecord) DedupKey() string {
	return fmt.Sprintf("%s|%d", r.InstrumentID, r.Timestamp.UnixNano())
}

// PartitionKey is the lock/cursor granularity: index plus trading date.
func (r LegRecord) PartitionKey() string {
	return fmt.Sprintf("%s-%s", r.Index, r.Timestamp.Format("2006-01-02"))
}

// MergeKey groups CE and PE legs that belong to the same merged row. The
// timestamp is bucketed to the given granularity so source clock skew does
// not split pairs.
func (r LegRecord) MergeKey(bucket time.Duration) string {
	ts := r.Timestamp.Truncate(bucket)
	return fmt.Sprintf("%s|%s|%d|%d", r.Index, r.ExpiryBucket, r.StrikeOffset, ts.UnixNano())
}

// Validate reports structural problems that route a record to the
// dead-letter log instead of blocking the batch.
func (r LegRecord) Validate() error {
	if r.InstrumentID == "" {
		return fmt.Errorf("leg record missing instrument_id")
	}
	if r.Index == "" {
		return fmt.Errorf("leg record %s missing index", r.InstrumentID)
	}
	if r.ExpiryBucket == "" {
		return fmt.Errorf("leg record %s missing expiry_bucket", r.InstrumentID)
	}
	if r.Side != SideCall && r.Side != SidePut {
		return fmt.Errorf("leg record %s has invalid side %q", r.InstrumentID, r.Side)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("leg record %s missing timestamp", r.InstrumentID)
	}
	if r.Price < 0 {
		return fmt.Errorf("leg record %s has negative price", r.InstrumentID)
	}
	return nil
}

// MergedRow is a CE+PE pair sharing (index, expiry_bucket, strike_offset,
// timestamp bucket). Partial is set when only one side was observed before
// the merge wait window elapsed; the missing side's fields stay nil.
type MergedRow struct {
	Index        string    `json:"index"`
	ExpiryBucket string    `json:"expiry_bucket"`
	StrikeOffset int       `json:"strike_offset"`
	Timestamp    time.Time `json:"timestamp"`

	CEPrice  *float64 `json:"ce_price"`
	CEOI     *int64   `json:"ce_oi"`
	CEVolume *int64   `json:"ce_volume"`

	PEPrice  *float64 `json:"pe_price"`
	PEOI     *int64   `json:"pe_oi"`
	PEVolume *int64   `json:"pe_volume"`

	Partial bool `json:"partial"`

	// Derived fields, populated only on complete rows.
	TotalPremium *float64 `json:"total_premium,omitempty"`
	TotalVolume  *int64   `json:"total_volume,omitempty"`
	TotalOI      *int64   `json:"total_oi,omitempty"`
	PutCallRatio *float64 `json:"put_call_ratio,omitempty"`
}

// PartitionKey mirrors LegRecord.PartitionKey for the merged form.
func (m MergedRow) PartitionKey() string {
	return fmt.Sprintf("%s-%s", m.Index, m.Timestamp.Format("2006-01-02"))
}

// ComputeDerived fills the computed columns when both sides are present.
func (m *MergedRow) ComputeDerived() {
	if m.CEPrice != nil && m.PEPrice != nil {
		total := *m.CEPrice + *m.PEPrice
		m.TotalPremium = &total
	}
	if m.CEVolume != nil && m.PEVolume != nil {
		total := *m.CEVolume + *m.PEVolume
		m.TotalVolume = &total
	}
	if m.CEOI != nil && m.PEOI != nil {
		total := *m.CEOI + *m.PEOI
		m.TotalOI = &total
	}
	if m.CEOI != nil && m.PEOI != nil && *m.CEOI > 0 {
		ratio := float64(*m.PEOI) / float64(*m.CEOI)
		m.PutCallRatio = &ratio
	}
}

// Batch is an immutable unit of sink commit. FencingToken is the lock token
// held while the batch was assembled; sinks reject the batch when a newer
// token has since been issued for the partition.
type Batch struct {
	BatchID      string      `json:"batch_id"`
	PartitionKey string      `json:"partition_key"`
	Rows         []MergedRow `json:"rows"`
	RecordCount  int         `json:"record_count"`
	ByteSize     int64       `json:"byte_size"`
	FencingToken uint64      `json:"fencing_token"`
	CreatedAt    time.Time   `json:"created_at"`
}

// SinkStatus describes the disposition of a batch at one sink.
type SinkStatus string

const (
	SinkStatusCommitted    SinkStatus = "committed"
	SinkStatusPendingRetry SinkStatus = "pending-retry"
	SinkStatusDeadLetter   SinkStatus = "dead-letter"
)

// SinkError records a per-sink failure without blocking other sinks.
type SinkError struct {
	Sink   string     `json:"sink"`
	Status SinkStatus `json:"status"`
	Err    error      `json:"-"`
	Detail string     `json:"detail,omitempty"`
}

// BatchResult summarises one flush cycle.
type BatchResult struct {
	BatchID        string        `json:"batch_id"`
	PartitionKey   string        `json:"partition_key"`
	RecordsWritten int           `json:"records_written"`
	PartialRows    int           `json:"partial_rows"`
	ProcessingTime time.Duration `json:"processing_time"`
	Errors         []SinkError   `json:"errors,omitempty"`
}
