package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"gorm.io/gorm"
)

// prefillSessionRepo implements PrefillSessionRepository using GORM.
type prefillSessionRepo struct {
	db *gorm.DB
}

// NewPrefillSessionRepository creates a new PrefillSessionRepository.
func NewPrefillSessionRepository(db *gorm.DB) PrefillSessionRepository {
	return &prefillSessionRepo{db: db}
}

func (r *prefillSessionRepo) Create(ctx context.Context, session *models.PrefillSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating prefill session: %w", err)
	}
	return nil
}

func (r *prefillSessionRepo) GetByID(ctx context.Context, sessionID uuid.UUID) (*models.PrefillSession, error) {
	var session models.PrefillSession
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting prefill session: %w", err)
	}
	return &session, nil
}

func (r *prefillSessionRepo) GetActive(ctx context.Context) ([]*models.PrefillSession, error) {
	var sessions []*models.PrefillSession
	err := r.db.WithContext(ctx).
		Where("status IN (?, ?)", models.PrefillSessionActive, models.PrefillSessionOrphaned).
		Order("created_at_utc ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("getting active prefill sessions: %w", err)
	}
	return sessions, nil
}

func (r *prefillSessionRepo) GetExpired(ctx context.Context, now time.Time) ([]*models.PrefillSession, error) {
	var sessions []*models.PrefillSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at_utc <= ?", models.PrefillSessionActive, now).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("getting expired prefill sessions: %w", err)
	}
	return sessions, nil
}

func (r *prefillSessionRepo) Update(ctx context.Context, session *models.PrefillSession) error {
	if err := r.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("updating prefill session: %w", err)
	}
	return nil
}

// UpdateStatus transitions a session's status and, for terminal
// transitions, records the reconciliation fields in one statement.
func (r *prefillSessionRepo) UpdateStatus(ctx context.Context, sessionID uuid.UUID, status models.PrefillSessionStatus, endedAt *time.Time, reason, terminatedBy *string) error {
	updates := map[string]any{"status": status}
	if endedAt != nil {
		updates["ended_at_utc"] = *endedAt
	}
	if reason != nil {
		updates["termination_reason"] = *reason
	}
	if terminatedBy != nil {
		updates["terminated_by"] = *terminatedBy
	}
	result := r.db.WithContext(ctx).Model(&models.PrefillSession{}).
		Where("session_id = ?", sessionID).
		UpdateColumns(updates)
	if result.Error != nil {
		return fmt.Errorf("updating prefill session status: %w", result.Error)
	}
	return nil
}

func (r *prefillSessionRepo) Delete(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&models.PrefillSession{}).Error; err != nil {
		return fmt.Errorf("deleting prefill session: %w", err)
	}
	return nil
}

var _ PrefillSessionRepository = (*prefillSessionRepo)(nil)

// prefillHistoryRepo implements PrefillHistoryRepository using GORM.
type prefillHistoryRepo struct {
	db *gorm.DB
}

// NewPrefillHistoryRepository creates a new PrefillHistoryRepository.
func NewPrefillHistoryRepository(db *gorm.DB) PrefillHistoryRepository {
	return &prefillHistoryRepo{db: db}
}

func (r *prefillHistoryRepo) Create(ctx context.Context, entry *models.PrefillHistoryEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating prefill history entry: %w", err)
	}
	return nil
}

func (r *prefillHistoryRepo) GetByID(ctx context.Context, id models.ULID) (*models.PrefillHistoryEntry, error) {
	var entry models.PrefillHistoryEntry
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting prefill history entry: %w", err)
	}
	return &entry, nil
}

func (r *prefillHistoryRepo) GetBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.PrefillHistoryEntry, error) {
	var entries []*models.PrefillHistoryEntry
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("started_at_utc ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("getting prefill history by session: %w", err)
	}
	return entries, nil
}

func (r *prefillHistoryRepo) GetInProgress(ctx context.Context, sessionID uuid.UUID, appID int64) (*models.PrefillHistoryEntry, error) {
	var entry models.PrefillHistoryEntry
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND app_id = ? AND status = ?", sessionID, appID, models.PrefillHistoryInProgress).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting in-progress prefill history entry: %w", err)
	}
	return &entry, nil
}

// SupersedeInProgress marks any InProgress entry for (sessionID, appID) as
// Cancelled with models.SupersededReason before a new attempt starts,
// enforcing the at-most-one-InProgress-per-app invariant.
func (r *prefillHistoryRepo) SupersedeInProgress(ctx context.Context, sessionID uuid.UUID, appID int64) error {
	now := models.Now()
	reason := models.SupersededReason
	result := r.db.WithContext(ctx).Model(&models.PrefillHistoryEntry{}).
		Where("session_id = ? AND app_id = ? AND status = ?", sessionID, appID, models.PrefillHistoryInProgress).
		UpdateColumns(map[string]any{
			"status":           models.PrefillHistoryCancelled,
			"completed_at_utc": now,
			"error_message":    reason,
		})
	if result.Error != nil {
		return fmt.Errorf("superseding in-progress prefill history entry: %w", result.Error)
	}
	return nil
}

func (r *prefillHistoryRepo) Update(ctx context.Context, entry *models.PrefillHistoryEntry) error {
	if err := r.db.WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("updating prefill history entry: %w", err)
	}
	return nil
}

func (r *prefillHistoryRepo) GetRecent(ctx context.Context, limit int) ([]*models.PrefillHistoryEntry, error) {
	var entries []*models.PrefillHistoryEntry
	if err := r.db.WithContext(ctx).Order("started_at_utc DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting recent prefill history: %w", err)
	}
	return entries, nil
}

var _ PrefillHistoryRepository = (*prefillHistoryRepo)(nil)

// bannedSteamUserRepo implements BannedSteamUserRepository using GORM.
type bannedSteamUserRepo struct {
	db *gorm.DB
}

// NewBannedSteamUserRepository creates a new BannedSteamUserRepository.
func NewBannedSteamUserRepository(db *gorm.DB) BannedSteamUserRepository {
	return &bannedSteamUserRepo{db: db}
}

func (r *bannedSteamUserRepo) Create(ctx context.Context, ban *models.BannedSteamUser) error {
	if err := r.db.WithContext(ctx).Create(ban).Error; err != nil {
		return fmt.Errorf("creating steam ban: %w", err)
	}
	return nil
}

// GetActiveByUsername retrieves the most recent non-lifted, non-expired
// ban for a username. Username is matched lower-cased by the caller.
func (r *bannedSteamUserRepo) GetActiveByUsername(ctx context.Context, username string) (*models.BannedSteamUser, error) {
	var ban models.BannedSteamUser
	now := time.Now()
	err := r.db.WithContext(ctx).
		Where("username = ? AND is_lifted = ? AND (expires_at_utc IS NULL OR expires_at_utc > ?)", username, false, now).
		Order("banned_at_utc DESC").
		First(&ban).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active steam ban: %w", err)
	}
	return &ban, nil
}

func (r *bannedSteamUserRepo) GetAll(ctx context.Context) ([]*models.BannedSteamUser, error) {
	var bans []*models.BannedSteamUser
	if err := r.db.WithContext(ctx).Order("banned_at_utc DESC").Find(&bans).Error; err != nil {
		return nil, fmt.Errorf("getting all steam bans: %w", err)
	}
	return bans, nil
}

func (r *bannedSteamUserRepo) Lift(ctx context.Context, id models.ULID) error {
	now := models.Now()
	result := r.db.WithContext(ctx).Model(&models.BannedSteamUser{}).Where("id = ?", id).
		UpdateColumns(map[string]any{"is_lifted": true, "lifted_at_utc": now})
	if result.Error != nil {
		return fmt.Errorf("lifting steam ban: %w", result.Error)
	}
	return nil
}

func (r *bannedSteamUserRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.BannedSteamUser{}).Error; err != nil {
		return fmt.Errorf("deleting steam ban: %w", err)
	}
	return nil
}

var _ BannedSteamUserRepository = (*bannedSteamUserRepo)(nil)
