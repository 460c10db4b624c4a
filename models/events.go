package models

import "time"

// Bus topics. Each topic carries exactly one payload type so subscribers
// can type-switch safely instead of decoding untyped maps.
const (
	TopicLegsCollected = "legs_collected"
	TopicBatchWritten  = "batch_written"
	TopicAlerts        = "alerts"
)

// LegsCollected is published by the collector after appending a poll cycle
// to the record spool. HighWater is the spool sequence of the last appended
// record; the consolidated writer reads from its cursor up to this point.
type LegsCollected struct {
	Source       string    `json:"source"`
	PartitionKey string    `json:"partition_key"`
	RecordCount  int       `json:"record_count"`
	HighWater    uint64    `json:"high_water"`
	CollectedAt  time.Time `json:"collected_at"`
}

// BatchWritten is published after a batch commits to all required sinks and
// the cursor advances. Downstream analytics consume this instead of polling
// the sinks.
type BatchWritten struct {
	BatchID        string    `json:"batch_id"`
	PartitionKey   string    `json:"partition_key"`
	RecordsWritten int       `json:"records_written"`
	PartialRows    int       `json:"partial_rows"`
	FencingToken   uint64    `json:"fencing_token"`
	ProcessingMs   int64     `json:"processing_ms"`
	WrittenAt      time.Time `json:"written_at"`
}

// AlertSeverity grades monitor alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised by the health monitor and by any component detecting a
// data-loss-risk condition (queue overflow, retry exhaustion). Alerts are
// never silent: they always reach the alerts topic and the log.
type Alert struct {
	ComponentID string        `json:"component_id"`
	Severity    AlertSeverity `json:"severity"`
	Anomaly     string        `json:"anomaly"`
	Action      string        `json:"action,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	Message     string        `json:"message"`
	RaisedAt    time.Time     `json:"raised_at"`
}
