package corruption

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

// writeFakeCorruptionManager installs a shell script standing in for the
// corruption-manager helper: it writes a well-formed summary-mode progress
// snapshot to its fourth argument, sleeps briefly, then exits with the code
// named by the CORRUPTION_EXIT_CODE env var (0 if unset).
func writeFakeCorruptionManager(t *testing.T, binDir string, sleep string, corruptedJSON string) {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
sleep %s
cat > "$4" <<EOF
{"percent_complete": 100, "message": "done", "corrupted_chunks": %s}
EOF
exit "${CORRUPTION_EXIT_CODE:-0}"
`, sleep, corruptedJSON)
	path := filepath.Join(binDir, "corruption-manager")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CachedCorruptionDetection{}))
	return db
}

func testDeps(t *testing.T, binSleep, corruptedJSON string) (cacheops.Deps, *datasource.Registry) {
	t.Helper()
	binDir := t.TempDir()
	writeFakeCorruptionManager(t, binDir, binSleep, corruptedJSON)

	opsDir := t.TempDir()
	cacheDir := t.TempDir()
	logDir := t.TempDir()

	cfg := &config.Config{
		Ops: config.OpsConfig{OperationsDir: opsDir},
		NativeWorker: config.NativeWorkerConfig{
			BinaryDir: binDir,
			Binaries:  config.NativeWorkerBinaries{CorruptionManager: "corruption-manager"},
		},
		Datasources: []config.DatasourceConfig{
			{Name: "main", Enabled: true, CachePath: cacheDir, LogPath: logDir},
		},
	}

	registry := datasource.New(cfg, nil, nil)
	deps := cacheops.Deps{
		Tracker:    uot.New(nil, nil),
		Supervisor: nativeworker.New(5 * time.Millisecond),
		Registry:   registry,
		Bus:        eventbus.New(nil),
		Paths:      paths.NewResolver(cfg),
	}
	return deps, registry
}

func TestStartScan_SucceedsAndPersists(t *testing.T) {
	deps, _ := testDeps(t, "0", `{"steam": 3}`)
	db := setupTestDB(t)
	repo := repository.NewCorruptionDetectionRepository(db)
	removed := cacheops.NewRecentlyRemovedSet()

	svc := New(deps, repo, removed, "UTC", 2)
	id, err := svc.StartScan(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	op := deps.Tracker.GetOperation(id)
	require.NotNil(t, op)
	assert.Equal(t, uot.StatusCompleted, op.Status)

	got, err := repo.GetByName(context.Background(), "steam")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.CorruptedChunkCount)
}

func TestStartScan_SkipsRecentlyRemovedService(t *testing.T) {
	deps, _ := testDeps(t, "0", `{"steam": 3, "origin": 1}`)
	db := setupTestDB(t)
	repo := repository.NewCorruptionDetectionRepository(db)
	removed := cacheops.NewRecentlyRemovedSet()
	removed.Mark("steam")

	svc := New(deps, repo, removed, "UTC", 2)
	id, err := svc.StartScan(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	_, err = repo.GetByName(context.Background(), "steam")
	assert.Error(t, err, "recently removed service should not be persisted")

	got, err := repo.GetByName(context.Background(), "origin")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestStartScan_OverwritesPriorResults(t *testing.T) {
	deps, _ := testDeps(t, "0", `{"steam": 3}`)
	db := setupTestDB(t)
	repo := repository.NewCorruptionDetectionRepository(db)
	require.NoError(t, repo.Upsert(context.Background(), &models.CachedCorruptionDetection{
		ServiceName:         "stale",
		CorruptedChunkCount: 99,
	}))

	svc := New(deps, repo, cacheops.NewRecentlyRemovedSet(), "UTC", 2)
	id, err := svc.StartScan(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	_, err = repo.GetByName(context.Background(), "stale")
	assert.Error(t, err, "scan should delete-all before inserting the fresh result set")
}

func TestStartScan_Cancellation(t *testing.T) {
	deps, _ := testDeps(t, "2", `{"steam": 1}`) // worker sleeps 2s so we can cancel mid-flight
	db := setupTestDB(t)
	repo := repository.NewCorruptionDetectionRepository(db)

	svc := New(deps, repo, cacheops.NewRecentlyRemovedSet(), "UTC", 2)
	id, err := svc.StartScan(context.Background(), "")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, deps.Tracker.Cancel(id))

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	op := deps.Tracker.GetOperation(id)
	require.NotNil(t, op)
	assert.Equal(t, uot.StatusCancelled, op.Status)

	_, err = repo.GetByName(context.Background(), "steam")
	assert.Error(t, err, "cancelled scan should not persist partial results")
}

func TestStartScan_WorkerFailurePropagates(t *testing.T) {
	deps, _ := testDeps(t, "0", `{"steam": 1}`)
	db := setupTestDB(t)
	repo := repository.NewCorruptionDetectionRepository(db)

	t.Setenv("CORRUPTION_EXIT_CODE", "1")
	svc := New(deps, repo, cacheops.NewRecentlyRemovedSet(), "UTC", 2)
	id, err := svc.StartScan(context.Background(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op := deps.Tracker.GetOperation(id)
		return op != nil && op.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	op := deps.Tracker.GetOperation(id)
	require.NotNil(t, op)
	assert.Equal(t, uot.StatusFailed, op.Status)
}
