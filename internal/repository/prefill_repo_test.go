package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefillSessionRepo_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPrefillSessionRepository(db)
	ctx := context.Background()

	sessionID := uuid.New()
	session := &models.PrefillSession{
		SessionId:    sessionID,
		Status:       models.PrefillSessionActive,
		CreatedAtUtc: models.Now(),
		ExpiresAtUtc: models.Time(time.Now().Add(2 * time.Hour)),
	}
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.GetByID(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.PrefillSessionActive, got.Status)
}

func TestPrefillSessionRepo_GetExpired(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPrefillSessionRepository(db)
	ctx := context.Background()

	expired := &models.PrefillSession{
		SessionId:    uuid.New(),
		Status:       models.PrefillSessionActive,
		CreatedAtUtc: models.Now(),
		ExpiresAtUtc: models.Time(time.Now().Add(-1 * time.Hour)),
	}
	active := &models.PrefillSession{
		SessionId:    uuid.New(),
		Status:       models.PrefillSessionActive,
		CreatedAtUtc: models.Now(),
		ExpiresAtUtc: models.Time(time.Now().Add(1 * time.Hour)),
	}
	require.NoError(t, repo.Create(ctx, expired))
	require.NoError(t, repo.Create(ctx, active))

	results, err := repo.GetExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, expired.SessionId, results[0].SessionId)
}

func TestPrefillSessionRepo_UpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPrefillSessionRepository(db)
	ctx := context.Background()

	sessionID := uuid.New()
	require.NoError(t, repo.Create(ctx, &models.PrefillSession{
		SessionId:    sessionID,
		Status:       models.PrefillSessionActive,
		CreatedAtUtc: models.Now(),
		ExpiresAtUtc: models.Time(time.Now().Add(time.Hour)),
	}))

	now := time.Now()
	reason := "idle timeout"
	terminatedBy := "supervisor"
	require.NoError(t, repo.UpdateStatus(ctx, sessionID, models.PrefillSessionTerminated, &now, &reason, &terminatedBy))

	got, err := repo.GetByID(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PrefillSessionTerminated, got.Status)
	require.NotNil(t, got.TerminationReason)
	assert.Equal(t, "idle timeout", *got.TerminationReason)
}

func TestPrefillHistoryRepo_SupersedeInProgress(t *testing.T) {
	db := setupTestDB(t)
	repo := NewPrefillHistoryRepository(db)
	ctx := context.Background()

	sessionID := uuid.New()
	first := &models.PrefillHistoryEntry{
		SessionId:    sessionID,
		AppId:        440,
		StartedAtUtc: models.Now(),
		Status:       models.PrefillHistoryInProgress,
	}
	require.NoError(t, repo.Create(ctx, first))

	require.NoError(t, repo.SupersedeInProgress(ctx, sessionID, 440))

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PrefillHistoryCancelled, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, models.SupersededReason, *got.ErrorMessage)

	inProgress, err := repo.GetInProgress(ctx, sessionID, 440)
	require.NoError(t, err)
	assert.Nil(t, inProgress)
}

func TestBannedSteamUserRepo_ActiveBanLifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBannedSteamUserRepository(db)
	ctx := context.Background()

	ban := &models.BannedSteamUser{Username: "baduser", BannedAtUtc: models.Now()}
	require.NoError(t, repo.Create(ctx, ban))

	got, err := repo.GetActiveByUsername(ctx, "baduser")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, repo.Lift(ctx, ban.ID))

	got, err = repo.GetActiveByUsername(ctx, "baduser")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBannedSteamUserRepo_ExpiredBanNotActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBannedSteamUserRepository(db)
	ctx := context.Background()

	past := models.Time(time.Now().Add(-time.Hour))
	ban := &models.BannedSteamUser{Username: "temp-ban", BannedAtUtc: models.Now(), ExpiresAtUtc: &past}
	require.NoError(t, repo.Create(ctx, ban))

	got, err := repo.GetActiveByUsername(ctx, "temp-ban")
	require.NoError(t, err)
	assert.Nil(t, got)
}
