package models

// OperationStateRecord is the durable record persisted by the Operation
// State Store (spec.md §4.C) for crash recovery of long-running jobs. It
// is not a source of truth during a run — the in-memory Unified
// Operation Tracker is — only a way to notice, on startup, that a job
// was interrupted.
type OperationStateRecord struct {
	BaseModel

	// Key is the caller-chosen state-store key, conventionally
	// "<Type>_<OperationId>" per spec.md §6.
	Key string `gorm:"uniqueIndex;not null" json:"key"`

	// Type mirrors the Operation's tagged type (LogProcessing,
	// CacheClearing, ...).
	Type string `gorm:"index;not null" json:"type"`

	// Status mirrors the Operation's status at last save.
	Status string `gorm:"not null" json:"status"`

	Message string `json:"message"`

	// DataBlob is an opaque JSON payload, type-specific to Type.
	DataBlob string `gorm:"type:text" json:"data_blob"`
}

// TableName overrides the default pluralized table name.
func (OperationStateRecord) TableName() string {
	return "operation_states"
}
