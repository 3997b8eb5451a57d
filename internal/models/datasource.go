package models

// Datasource describes one named lancache instance this server operates on
// (spec.md §3). It is not a GORM-backed entity: the registry holds the
// configured set in memory, re-derived from config.DatasourceConfig at
// startup, with CacheWritable/LogsWritable refreshed by periodic reprobe.
type Datasource struct {
	Name          string
	CachePath     string
	LogPath       string
	Enabled       bool
	CacheWritable bool
	LogsWritable  bool
	Default       bool
}
