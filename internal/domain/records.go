package domain

import "time"

// FailedRecord is a raw API record that could not be turned into a trade.
type FailedRecord struct {
	ID         int64
	Currency   string
	Instrument string // best effort, empty when the raw record had none
	RawData    string
	Error      string
	Timestamp  time.Time
}

// AuditEventType names the kind of operational event written to the audit trail.
type AuditEventType string

const (
	AuditBackfillStart    AuditEventType = "backfill_start"
	AuditBackfillComplete AuditEventType = "backfill_complete"
	AuditBackfillError    AuditEventType = "backfill_error"
	AuditBackfillResume   AuditEventType = "backfill_resume"
	AuditSyncStart        AuditEventType = "sync_start"
	AuditSyncComplete     AuditEventType = "sync_complete"
	AuditSyncError        AuditEventType = "sync_error"
	AuditDVOLDownload     AuditEventType = "dvol_download"
	AuditValidationRun    AuditEventType = "validation_run"
	AuditReconcileRun     AuditEventType = "reconcile_run"
	AuditFileWritten      AuditEventType = "file_written"
	AuditCheckpointSave   AuditEventType = "checkpoint_save"
	AuditDLQFailure       AuditEventType = "dlq_failure"
)

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	ID        int64
	Type      AuditEventType
	Currency  string
	RunID     string
	Timestamp time.Time
	Details   map[string]interface{}
}

// ManifestEntry describes one stored file.
type ManifestEntry struct {
	Hash           string          `json:"hash"`
	SizeBytes      int64           `json:"sizeBytes"`
	RowCount       int64           `json:"rowCount"`
	TimestampRange *TimestampRange `json:"timestampRange,omitempty"`
}

// TimestampRange is the inclusive span of timestamps found in a file.
type TimestampRange struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

// StoreStats summarizes the partitions stored for one currency.
type StoreStats struct {
	Currency   string
	FileCount  int
	TotalRows  int64
	TotalBytes int64
	FirstDay   string // YYYY-MM-DD, empty when there are no files
	LastDay    string
}
