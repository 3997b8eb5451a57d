package models

// SteamDepotMapping is a persistent depot→app mapping (spec.md §3/§4.L).
// The relationship between depots and apps is many-to-many; rows with
// IsOwner=true designate the canonical app for a depot and are the only
// rows the backfill and detection-merge passes trust for resolution.
type SteamDepotMapping struct {
	BaseModel

	DepotId int64  `gorm:"index:idx_depot_app,unique;not null" json:"depot_id"`
	AppId   int64  `gorm:"index:idx_depot_app,unique;not null" json:"app_id"`
	AppName string `json:"app_name,omitempty"`
	IsOwner bool   `gorm:"index;not null" json:"is_owner"`

	// Source records how the mapping was discovered (e.g. "steam-api",
	// "manual", "prefill-daemon").
	Source string `json:"source"`

	DiscoveredAt Time `json:"discovered_at"`
}

// TableName overrides the default pluralized table name.
func (SteamDepotMapping) TableName() string {
	return "steam_depot_mappings"
}

// Download is a row populated by log ingestion (spec.md §3). Game-name
// fields are nullable until the Depot Mapping Backfill attaches a
// mapping.
type Download struct {
	BaseModel

	Service string `gorm:"index;not null" json:"service"`

	DepotId     *int64  `gorm:"index" json:"depot_id,omitempty"`
	GameAppId   *int64  `gorm:"index" json:"game_app_id,omitempty"`
	GameName    *string `json:"game_name,omitempty"`
	GameImageUrl *string `json:"game_image_url,omitempty"`

	StartTimeUtc Time `gorm:"index;not null" json:"start_time_utc"`
}

// TableName overrides the default pluralized table name.
func (Download) TableName() string {
	return "downloads"
}

// NeedsDepotResolution reports whether this row is a backfill candidate:
// a Steam download with a depot id but no resolved game app id yet.
func (d *Download) NeedsDepotResolution() bool {
	return d.Service == "steam" && d.DepotId != nil && d.GameAppId == nil
}
