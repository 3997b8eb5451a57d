package models

import "github.com/google/uuid"

// PrefillSessionStatus is the lifecycle status of a PrefillSession row
// (spec.md §3).
type PrefillSessionStatus string

const (
	PrefillSessionActive     PrefillSessionStatus = "Active"
	PrefillSessionTerminated PrefillSessionStatus = "Terminated"
	PrefillSessionOrphaned   PrefillSessionStatus = "Orphaned"
	PrefillSessionCleaned    PrefillSessionStatus = "Cleaned"
)

// PrefillSession is the durable mirror of an in-memory prefill session
// (spec.md §4.M). SessionId is a uuid, per spec.md §3, not a ULID — it
// identifies an ephemeral container lifecycle, not a long-lived entity.
type PrefillSession struct {
	SessionId uuid.UUID `gorm:"primarykey;type:varchar(36)" json:"session_id"`

	CreatedBySessionId string `json:"created_by_session_id"`

	ContainerId   *string `json:"container_id,omitempty"`
	ContainerName *string `json:"container_name,omitempty"`

	Status PrefillSessionStatus `gorm:"index;not null" json:"status"`

	SteamUsername   *string `json:"steam_username,omitempty"`
	IsAuthenticated bool    `json:"is_authenticated"`
	IsPrefilling    bool    `json:"is_prefilling"`

	CreatedAtUtc Time  `gorm:"not null" json:"created_at_utc"`
	ExpiresAtUtc Time  `gorm:"index;not null" json:"expires_at_utc"`
	EndedAtUtc   *Time `json:"ended_at_utc,omitempty"`

	TerminationReason *string `json:"termination_reason,omitempty"`
	TerminatedBy      *string `json:"terminated_by,omitempty"`
}

// TableName overrides the default pluralized table name.
func (PrefillSession) TableName() string {
	return "prefill_sessions"
}

// IsExpired reports whether this session has passed its ExpiresAtUtc.
func (p *PrefillSession) IsExpired(now Time) bool {
	return now.After(p.ExpiresAtUtc)
}

// PrefillHistoryStatus is the status of a single app's prefill attempt.
type PrefillHistoryStatus string

const (
	PrefillHistoryInProgress PrefillHistoryStatus = "InProgress"
	PrefillHistoryCompleted  PrefillHistoryStatus = "Completed"
	PrefillHistoryCached     PrefillHistoryStatus = "Cached"
	PrefillHistorySkipped    PrefillHistoryStatus = "Skipped"
	PrefillHistoryFailed     PrefillHistoryStatus = "Failed"
	PrefillHistoryCancelled  PrefillHistoryStatus = "Cancelled"
)

// PrefillHistoryEntry records one app's prefill attempt within a session
// (spec.md §3). At most one InProgress row may exist per
// (SessionId, AppId); a new InProgress supersedes a stale one by marking
// it Cancelled with reason "Superseded by a newer prefill run".
type PrefillHistoryEntry struct {
	BaseModel

	SessionId uuid.UUID `gorm:"index:idx_session_app;type:varchar(36);not null" json:"session_id"`
	AppId     int64     `gorm:"index:idx_session_app;not null" json:"app_id"`
	AppName   *string   `json:"app_name,omitempty"`

	StartedAtUtc   Time  `gorm:"not null" json:"started_at_utc"`
	CompletedAtUtc *Time `json:"completed_at_utc,omitempty"`

	Status PrefillHistoryStatus `gorm:"index;not null" json:"status"`

	BytesDownloaded int64 `json:"bytes_downloaded"`
	TotalBytes      int64 `json:"total_bytes"`

	ErrorMessage *string `json:"error_message,omitempty"`
}

// TableName overrides the default pluralized table name.
func (PrefillHistoryEntry) TableName() string {
	return "prefill_history_entries"
}

// SupersededReason is the standard reason attached when a new InProgress
// entry replaces a stale one for the same (SessionId, AppId).
const SupersededReason = "Superseded by a newer prefill run"

// BannedSteamUser enforces prefill ban policy (spec.md §3/§4.M). Username
// is stored lower-cased; uniqueness is only meaningful while active —
// historical lifted/expired bans may repeat a username.
type BannedSteamUser struct {
	BaseModel

	Username string `gorm:"index;not null" json:"username"`

	Reason *string `json:"reason,omitempty"`

	BannedAtUtc  Time  `gorm:"not null" json:"banned_at_utc"`
	ExpiresAtUtc *Time `json:"expires_at_utc,omitempty"`

	IsLifted    bool  `json:"is_lifted"`
	LiftedAtUtc *Time `json:"lifted_at_utc,omitempty"`
}

// TableName overrides the default pluralized table name.
func (BannedSteamUser) TableName() string {
	return "banned_steam_users"
}

// IsActive reports whether this ban currently blocks the user: not
// lifted, and (if set) not yet expired.
func (b *BannedSteamUser) IsActive(now Time) bool {
	if b.IsLifted {
		return false
	}
	if b.ExpiresAtUtc != nil && now.After(*b.ExpiresAtUtc) {
		return false
	}
	return true
}

// CachedDepotManifest records a depot+manifest pair already present on
// disk, so a future prefill run can tell the daemon which apps to skip
// (spec.md §4.M: "optionally includes the current set of cached-depot
// manifests so the daemon may skip up-to-date apps" and "record the
// depot+manifest triples in the cached-depots table for future skip
// detection"). Cache-wide, not scoped to a session.
type CachedDepotManifest struct {
	BaseModel

	AppId      int64  `gorm:"index;not null" json:"app_id"`
	DepotId    int64  `gorm:"uniqueIndex:idx_depot_manifest;not null" json:"depot_id"`
	ManifestId string `gorm:"uniqueIndex:idx_depot_manifest;not null" json:"manifest_id"`
	TotalBytes int64  `json:"total_bytes"`

	CachedAtUtc Time `gorm:"not null" json:"cached_at_utc"`
}

// TableName overrides the default pluralized table name.
func (CachedDepotManifest) TableName() string {
	return "cached_depot_manifests"
}
