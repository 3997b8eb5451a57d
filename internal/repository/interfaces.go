// Package repository defines data access interfaces for lancache-opsd
// entities. All database access goes through these interfaces, enabling
// easy testing and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lancache-ops/lancache-opsd/internal/models"
)

// OperationStateRepository defines operations for the durable operation
// state store (spec.md §4.C). The store is a crash-recovery aid, not a
// source of truth during a run — callers key records with their own
// "<Type>_<OperationId>" convention.
type OperationStateRepository interface {
	// Save creates or replaces the record for the given key.
	Save(ctx context.Context, record *models.OperationStateRecord) error
	// Get retrieves a record by key. Returns nil, nil if not found.
	Get(ctx context.Context, key string) (*models.OperationStateRecord, error)
	// Delete removes a record by key.
	Delete(ctx context.Context, key string) error
	// GetAll retrieves every record, used at startup to detect operations
	// that were interrupted by a crash or restart.
	GetAll(ctx context.Context) ([]*models.OperationStateRecord, error)
	// GetByType retrieves records of a given operation type.
	GetByType(ctx context.Context, opType string) ([]*models.OperationStateRecord, error)
}

// GameDetectionRepository defines operations for the aggregated, durable
// game cache detection results (spec.md §4.I).
type GameDetectionRepository interface {
	// Upsert replaces the row for GameAppId, merging detection results
	// across datasources into a single aggregate row.
	Upsert(ctx context.Context, detection *models.CachedGameDetection) error
	// GetByAppID retrieves a single detection row.
	GetByAppID(ctx context.Context, appID int64) (*models.CachedGameDetection, error)
	// GetAll retrieves every cached game detection row.
	GetAll(ctx context.Context) ([]*models.CachedGameDetection, error)
	// GetUnknown retrieves rows not yet resolved to a real app name.
	GetUnknown(ctx context.Context) ([]*models.CachedGameDetection, error)
	// Delete removes a detection row by app id.
	Delete(ctx context.Context, appID int64) error
	// DeleteAll clears every cached game detection row, used before a
	// full rescan repopulates the table.
	DeleteAll(ctx context.Context) error
}

// ServiceDetectionRepository defines operations for the aggregated,
// durable per-service cache detection results (spec.md §4.I).
type ServiceDetectionRepository interface {
	Upsert(ctx context.Context, detection *models.CachedServiceDetection) error
	GetByName(ctx context.Context, serviceName string) (*models.CachedServiceDetection, error)
	GetAll(ctx context.Context) ([]*models.CachedServiceDetection, error)
	Delete(ctx context.Context, serviceName string) error
	DeleteAll(ctx context.Context) error
}

// CorruptionDetectionRepository defines operations for the aggregated,
// durable corruption detection results (spec.md §4.H).
type CorruptionDetectionRepository interface {
	Upsert(ctx context.Context, detection *models.CachedCorruptionDetection) error
	GetByName(ctx context.Context, serviceName string) (*models.CachedCorruptionDetection, error)
	GetAll(ctx context.Context) ([]*models.CachedCorruptionDetection, error)
	Delete(ctx context.Context, serviceName string) error
	DeleteAll(ctx context.Context) error
}

// DepotMappingRepository defines operations for persistent depot→app
// mappings (spec.md §4.L).
type DepotMappingRepository interface {
	// Create inserts a new mapping. Returns models.ErrDepotMappingExists
	// style conflicts as a plain error from the unique index.
	Create(ctx context.Context, mapping *models.SteamDepotMapping) error
	// Upsert inserts or updates the (DepotId, AppId) row.
	Upsert(ctx context.Context, mapping *models.SteamDepotMapping) error
	// GetByDepotID retrieves every mapping for a depot (many-to-many).
	GetByDepotID(ctx context.Context, depotID int64) ([]*models.SteamDepotMapping, error)
	// GetOwningApp retrieves the single IsOwner=true mapping for a depot,
	// the only row the backfill and detection-merge passes trust for
	// resolution. Returns nil, nil if no owning mapping is known.
	GetOwningApp(ctx context.Context, depotID int64) (*models.SteamDepotMapping, error)
	// GetAll retrieves every known mapping.
	GetAll(ctx context.Context) ([]*models.SteamDepotMapping, error)
	// Delete removes a mapping by its primary key.
	Delete(ctx context.Context, id models.ULID) error
}

// DownloadRepository defines operations for log-ingested download rows
// (spec.md §3/§4.L).
type DownloadRepository interface {
	// Create inserts a new download row.
	Create(ctx context.Context, download *models.Download) error
	// CreateBatch inserts multiple download rows.
	CreateBatch(ctx context.Context, downloads []*models.Download) error
	// GetByID retrieves a download by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.Download, error)
	// GetNeedingDepotResolution retrieves Steam downloads with a depot id
	// but no resolved game app id yet, up to limit rows, oldest first.
	GetNeedingDepotResolution(ctx context.Context, limit int) ([]*models.Download, error)
	// ResolveGameInfo attaches resolved game identity to a download row
	// after a successful depot mapping backfill.
	ResolveGameInfo(ctx context.Context, id models.ULID, gameAppID int64, gameName string, gameImageURL *string) error
	// ResolveBatch attaches resolved game identity to many download rows
	// in a single transaction (spec.md §4.L: "commits in one
	// transaction").
	ResolveBatch(ctx context.Context, resolutions []DownloadResolution) error
	// GetRecent retrieves the most recent downloads, newest first.
	GetRecent(ctx context.Context, limit int) ([]*models.Download, error)
	// CountUnresolved returns the number of Steam downloads still
	// awaiting depot resolution.
	CountUnresolved(ctx context.Context) (int64, error)
}

// DownloadResolution is one row's worth of resolved game identity, used
// by DownloadRepository.ResolveBatch.
type DownloadResolution struct {
	ID           models.ULID
	GameAppID    int64
	GameName     string
	GameImageURL *string
}

// PrefillSessionRepository defines operations for durable prefill session
// mirrors (spec.md §4.M).
type PrefillSessionRepository interface {
	Create(ctx context.Context, session *models.PrefillSession) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*models.PrefillSession, error)
	// GetActive retrieves every session not yet in a terminal status
	// (Terminated, Cleaned), used at startup for orphan reconciliation.
	GetActive(ctx context.Context) ([]*models.PrefillSession, error)
	// GetExpired retrieves active sessions whose ExpiresAtUtc has passed.
	GetExpired(ctx context.Context, now time.Time) ([]*models.PrefillSession, error)
	Update(ctx context.Context, session *models.PrefillSession) error
	// UpdateStatus transitions a session's status and, for terminal
	// transitions, records EndedAtUtc/TerminationReason/TerminatedBy.
	UpdateStatus(ctx context.Context, sessionID uuid.UUID, status models.PrefillSessionStatus, endedAt *time.Time, reason, terminatedBy *string) error
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

// PrefillHistoryRepository defines operations for per-app prefill attempt
// history (spec.md §3/§4.M).
type PrefillHistoryRepository interface {
	Create(ctx context.Context, entry *models.PrefillHistoryEntry) error
	GetByID(ctx context.Context, id models.ULID) (*models.PrefillHistoryEntry, error)
	GetBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.PrefillHistoryEntry, error)
	// GetInProgress retrieves the InProgress entry for (sessionID, appID),
	// if any — at most one may exist per the spec's single-flight rule.
	GetInProgress(ctx context.Context, sessionID uuid.UUID, appID int64) (*models.PrefillHistoryEntry, error)
	// SupersedeInProgress marks any InProgress entry for (sessionID,
	// appID) as Cancelled with models.SupersededReason, in a single
	// statement, before a new attempt is inserted.
	SupersedeInProgress(ctx context.Context, sessionID uuid.UUID, appID int64) error
	Update(ctx context.Context, entry *models.PrefillHistoryEntry) error
	// GetRecent retrieves the most recent history entries across all
	// sessions, newest first, for the history UI.
	GetRecent(ctx context.Context, limit int) ([]*models.PrefillHistoryEntry, error)
}

// BannedSteamUserRepository defines operations for prefill ban policy
// enforcement (spec.md §3/§4.M).
type BannedSteamUserRepository interface {
	Create(ctx context.Context, ban *models.BannedSteamUser) error
	// GetActiveByUsername retrieves the active ban for a username, if
	// any (not lifted, not expired). Username is matched lower-cased.
	GetActiveByUsername(ctx context.Context, username string) (*models.BannedSteamUser, error)
	GetAll(ctx context.Context) ([]*models.BannedSteamUser, error)
	// Lift marks a ban as lifted, recording LiftedAtUtc.
	Lift(ctx context.Context, id models.ULID) error
	Delete(ctx context.Context, id models.ULID) error
}

// CachedDepotManifestRepository defines operations for the skip-detection
// cache of already-downloaded depot+manifest pairs (spec.md §4.M).
type CachedDepotManifestRepository interface {
	// Upsert records that (DepotId, ManifestId) is present on disk,
	// replacing any prior TotalBytes/CachedAtUtc for the same pair.
	Upsert(ctx context.Context, entry *models.CachedDepotManifest) error
	// GetAll retrieves every cached depot+manifest pair, for inclusion
	// in a prefill run's skip-detection hint set.
	GetAll(ctx context.Context) ([]*models.CachedDepotManifest, error)
	// GetByAppID retrieves the cached manifests for one app.
	GetByAppID(ctx context.Context, appID int64) ([]*models.CachedDepotManifest, error)
}
