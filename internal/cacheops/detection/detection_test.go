package detection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/config"
	"github.com/lancache-ops/lancache-opsd/internal/datasource"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/paths"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// writeFakeDetector installs a shell script standing in for the
// game-cache-detector helper: it writes a well-formed result snapshot to
// its third argument, sleeps briefly, then exits 0.
func writeFakeDetector(t *testing.T, binDir, sleep, resultJSON string) {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
sleep %s
cat > "$3" <<EOF
%s
EOF
exit 0
`, sleep, resultJSON)
	path := filepath.Join(binDir, "game-cache-detector")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CachedGameDetection{}, &models.CachedServiceDetection{}, &models.SteamDepotMapping{}))
	return db
}

func testDeps(t *testing.T, binSleep, resultJSON string) cacheops.Deps {
	t.Helper()
	binDir := t.TempDir()
	writeFakeDetector(t, binDir, binSleep, resultJSON)

	cfg := &config.Config{
		Ops: config.OpsConfig{OperationsDir: t.TempDir()},
		NativeWorker: config.NativeWorkerConfig{
			BinaryDir: binDir,
			Binaries:  config.NativeWorkerBinaries{GameCacheDetector: "game-cache-detector"},
		},
		Datasources: []config.DatasourceConfig{
			{Name: "main", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
		},
	}
	registry := datasource.New(cfg, nil, nil)
	return cacheops.Deps{
		Tracker:    uot.New(nil, nil),
		Supervisor: nativeworker.New(5 * time.Millisecond),
		Registry:   registry,
		Bus:        eventbus.New(nil),
		Paths:      paths.NewResolver(cfg),
	}
}

const sampleResult = `{"percent_complete": 100, "message": "done", "games": [{"game_app_id": 440, "game_name": "Team Fortress 2", "cache_files_found": 10, "total_size_bytes": 1000, "depot_ids": ["441"], "sample_urls": ["http://x/1"], "cache_file_paths": ["/a"]}], "services": [{"service_name": "steam", "cache_files_found": 10, "total_size_bytes": 1000}]}`

func TestStartScan_FullScanPersists(t *testing.T) {
	deps := testDeps(t, "0", sampleResult)
	db := setupTestDB(t)
	gameRepo := repository.NewGameDetectionRepository(db)
	serviceRepo := repository.NewServiceDetectionRepository(db)
	depotRepo := repository.NewDepotMappingRepository(db)

	svc := New(deps, gameRepo, serviceRepo, depotRepo, cacheops.NewRecentlyRemovedSet())
	id, err := svc.StartScan(context.Background(), ModeFull, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	op := deps.Tracker.GetOperation(id)
	require.NotNil(t, op)
	assert.Equal(t, uot.StatusCompleted, op.Status)

	game, err := gameRepo.GetByAppID(context.Background(), 440)
	require.NoError(t, err)
	require.NotNil(t, game)
	assert.Equal(t, "Team Fortress 2", game.GameName)
	assert.Equal(t, []string{"main"}, []string(game.Datasources))

	svc2, err := serviceRepo.GetByName(context.Background(), "steam")
	require.NoError(t, err)
	require.NotNil(t, svc2)
}

func TestStartScan_FullScanDeletesPriorRows(t *testing.T) {
	deps := testDeps(t, "0", sampleResult)
	db := setupTestDB(t)
	gameRepo := repository.NewGameDetectionRepository(db)
	serviceRepo := repository.NewServiceDetectionRepository(db)
	depotRepo := repository.NewDepotMappingRepository(db)

	require.NoError(t, gameRepo.Upsert(context.Background(), &models.CachedGameDetection{GameAppId: 999, GameName: "Stale"}))

	svc := New(deps, gameRepo, serviceRepo, depotRepo, cacheops.NewRecentlyRemovedSet())
	id, err := svc.StartScan(context.Background(), ModeFull, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	stale, err := gameRepo.GetByAppID(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, stale)
}

func TestStartScan_SkipsRecentlyRemovedService(t *testing.T) {
	deps := testDeps(t, "0", sampleResult)
	db := setupTestDB(t)
	gameRepo := repository.NewGameDetectionRepository(db)
	serviceRepo := repository.NewServiceDetectionRepository(db)
	depotRepo := repository.NewDepotMappingRepository(db)

	removed := cacheops.NewRecentlyRemovedSet()
	removed.Mark("steam")

	svc := New(deps, gameRepo, serviceRepo, depotRepo, removed)
	id, err := svc.StartScan(context.Background(), ModeFull, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	svc2, err := serviceRepo.GetByName(context.Background(), "steam")
	require.NoError(t, err)
	assert.Nil(t, svc2)
}

func TestResolveUnknowns_MergesIntoExistingBatchEntry(t *testing.T) {
	games := map[int64]*models.CachedGameDetection{
		441: {GameAppId: 441, GameName: "Unknown Game (Depot 441)", CacheFilesFound: 5, DepotIds: models.StringSlice{"441"}},
		440: {GameAppId: 440, GameName: "Team Fortress 2", CacheFilesFound: 10, DepotIds: models.StringSlice{"441"}},
	}
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	gameRepo := repository.NewGameDetectionRepository(db)
	require.NoError(t, depotRepo.Upsert(context.Background(), &models.SteamDepotMapping{
		DepotId: 441, AppId: 440, AppName: "Team Fortress 2", IsOwner: true,
	}))

	svc := &Service{depotRepo: depotRepo, gameRepo: gameRepo}
	failed := svc.resolveUnknowns(context.Background(), games)

	assert.Empty(t, failed)
	assert.Len(t, games, 1)
	merged := games[440]
	require.NotNil(t, merged)
	assert.Equal(t, int64(15), merged.CacheFilesFound)
}

func TestResolveUnknowns_RenamesInPlaceWhenNoCollision(t *testing.T) {
	games := map[int64]*models.CachedGameDetection{
		441: {GameAppId: 441, GameName: "Unknown Game (Depot 441)", CacheFilesFound: 5},
	}
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	gameRepo := repository.NewGameDetectionRepository(db)
	require.NoError(t, depotRepo.Upsert(context.Background(), &models.SteamDepotMapping{
		DepotId: 441, AppId: 500, AppName: "Some Game", IsOwner: true,
	}))

	svc := &Service{depotRepo: depotRepo, gameRepo: gameRepo}
	failed := svc.resolveUnknowns(context.Background(), games)

	assert.Empty(t, failed)
	renamed, ok := games[500]
	require.True(t, ok)
	assert.Equal(t, "Some Game", renamed.GameName)
	assert.Equal(t, int64(500), renamed.GameAppId)
}

func TestResolveUnknowns_RecordsUnresolvedDepot(t *testing.T) {
	games := map[int64]*models.CachedGameDetection{
		441: {GameAppId: 441, GameName: "Unknown Game (Depot 441)"},
	}
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	gameRepo := repository.NewGameDetectionRepository(db)

	svc := &Service{depotRepo: depotRepo, gameRepo: gameRepo}
	failed := svc.resolveUnknowns(context.Background(), games)

	assert.Equal(t, []int64{441}, failed)
}
