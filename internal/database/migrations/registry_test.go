package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db
}

func TestAllMigrations_ReturnsExpectedCount(t *testing.T) {
	migrations := AllMigrations()
	assert.Len(t, migrations, 1)
}

func TestAllMigrations_VersionsAreUnique(t *testing.T) {
	migrations := AllMigrations()
	versions := make(map[string]bool)
	for _, m := range migrations {
		assert.False(t, versions[m.Version], "duplicate migration version: %s", m.Version)
		versions[m.Version] = true
	}
}

func TestMigrator_Up_CreatesAllTables(t *testing.T) {
	db := setupTestDB(t)
	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	ctx := context.Background()
	require.NoError(t, migrator.Up(ctx))

	tables := []string{
		"operation_states",
		"cached_game_detections",
		"cached_service_detections",
		"cached_corruption_detections",
		"steam_depot_mappings",
		"downloads",
		"prefill_sessions",
		"prefill_history_entries",
		"banned_steam_users",
		"schema_migrations",
	}
	for _, table := range tables {
		assert.True(t, db.Migrator().HasTable(table), "expected table %s to exist", table)
	}
}

func TestMigrator_Up_IsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	ctx := context.Background()
	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, migrator.Up(ctx))

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Applied)
}

func TestMigrator_Down_DropsTables(t *testing.T) {
	db := setupTestDB(t)
	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	ctx := context.Background()
	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, migrator.Down(ctx))

	assert.False(t, db.Migrator().HasTable("downloads"))
	assert.False(t, db.Migrator().HasTable("prefill_sessions"))
}
