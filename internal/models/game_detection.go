package models

import "strings"

// StringSlice is a comma-free, newline-joined string list persisted as a
// single text column. GORM serializer tag handles the JSON round-trip so
// the column stays portable across sqlite/postgres/mysql.
type StringSlice []string

// CachedGameDetection is the durable, datasource-aggregated result of a
// Game Cache Detection scan (spec.md §3/§4.I), keyed by GameAppId. Rows
// whose depot id has not yet resolved to an owning app carry
// GameAppId = depot id and a GameName prefixed "Unknown Game (Depot N)".
type CachedGameDetection struct {
	// GameAppId is the primary key: a Steam app id, or (for unresolved
	// rows) the raw depot id.
	GameAppId int64 `gorm:"primarykey" json:"game_app_id"`

	GameName        string      `gorm:"not null" json:"game_name"`
	CacheFilesFound int64       `json:"cache_files_found"`
	TotalSizeBytes  int64       `json:"total_size_bytes"`
	DepotIds        StringSlice `gorm:"serializer:json" json:"depot_ids"`
	SampleUrls      StringSlice `gorm:"serializer:json" json:"sample_urls"`
	CacheFilePaths  StringSlice `gorm:"serializer:json" json:"cache_file_paths"`
	Datasources     StringSlice `gorm:"serializer:json" json:"datasources"`

	LastDetectedUtc Time `json:"last_detected_utc"`
	CreatedAtUtc    Time `json:"created_at_utc"`
}

// TableName overrides the default pluralized table name.
func (CachedGameDetection) TableName() string {
	return "cached_game_detections"
}

// IsUnknown reports whether this row has not yet been resolved to a real
// app name (spec.md §4.I post-scan unknown resolution).
func (c *CachedGameDetection) IsUnknown() bool {
	return strings.HasPrefix(c.GameName, "Unknown Game (Depot ")
}

// CachedServiceDetection is the analogous per-service aggregate, keyed by
// lower-cased ServiceName.
type CachedServiceDetection struct {
	ServiceName     string      `gorm:"primarykey" json:"service_name"`
	CacheFilesFound int64       `json:"cache_files_found"`
	TotalSizeBytes  int64       `json:"total_size_bytes"`
	Datasources     StringSlice `gorm:"serializer:json" json:"datasources"`
	LastDetectedUtc Time        `json:"last_detected_utc"`
	CreatedAtUtc    Time        `json:"created_at_utc"`
}

// TableName overrides the default pluralized table name.
func (CachedServiceDetection) TableName() string {
	return "cached_service_detections"
}

// CachedCorruptionDetection is the durable, datasource-aggregated result
// of a Corruption Detection scan (spec.md §3/§4.H).
type CachedCorruptionDetection struct {
	ServiceName         string `gorm:"primarykey" json:"service_name"`
	CorruptedChunkCount int64  `json:"corrupted_chunk_count"`
	LastDetectedUtc     Time   `json:"last_detected_utc"`
	CreatedAtUtc        Time   `json:"created_at_utc"`
}

// TableName overrides the default pluralized table name.
func (CachedCorruptionDetection) TableName() string {
	return "cached_corruption_detections"
}
