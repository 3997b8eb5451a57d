package repository

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// setupTestDB opens an in-memory SQLite database and migrates every
// entity touched by the repository test files in this package.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.OperationStateRecord{},
		&models.CachedGameDetection{},
		&models.CachedServiceDetection{},
		&models.CachedCorruptionDetection{},
		&models.SteamDepotMapping{},
		&models.Download{},
		&models.PrefillSession{},
		&models.PrefillHistoryEntry{},
		&models.BannedSteamUser{},
	)
	require.NoError(t, err)

	return db
}
