package depotmapping

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Download{}, &models.SteamDepotMapping{}))
	return db
}

func testDeps(t *testing.T) cacheops.Deps {
	t.Helper()
	return cacheops.Deps{
		Tracker: uot.New(nil, nil),
		Bus:     eventbus.New(nil),
	}
}

func int64Ptr(v int64) *int64 { return &v }

type fakeMetadataLookup struct {
	name     string
	imageURL string
	ok       bool
	calls    int
}

func (f *fakeMetadataLookup) LookupApp(ctx context.Context, appID int64) (string, string, bool) {
	f.calls++
	return f.name, f.imageURL, f.ok
}

func TestResolveBatch_OwnerMappingResolvesAndNotifies(t *testing.T) {
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	downloadRepo := repository.NewDownloadRepository(db)
	deps := testDeps(t)

	ctx := context.Background()
	require.NoError(t, depotRepo.Upsert(ctx, &models.SteamDepotMapping{DepotId: 228990, AppId: 49520, AppName: "Left 4 Dead 2", IsOwner: true, Source: "steam-api"}))

	dl := &models.Download{Service: "steam", DepotId: int64Ptr(228990), StartTimeUtc: time.Now()}
	require.NoError(t, downloadRepo.Create(ctx, dl))

	sub := deps.Bus.Subscribe()
	svc := New(deps, depotRepo, downloadRepo, nil)

	n, err := svc.resolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := downloadRepo.GetByID(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.GameAppId)
	assert.Equal(t, int64(49520), *got.GameAppId)
	require.NotNil(t, got.GameName)
	assert.Equal(t, "Left 4 Dead 2", *got.GameName)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, EventDownloadsRefresh, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected DownloadsRefresh event")
	}
}

func TestResolveBatch_NoOwnerMappingLeavesRowUnresolved(t *testing.T) {
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	downloadRepo := repository.NewDownloadRepository(db)
	deps := testDeps(t)

	ctx := context.Background()
	dl := &models.Download{Service: "steam", DepotId: int64Ptr(441), StartTimeUtc: time.Now()}
	require.NoError(t, downloadRepo.Create(ctx, dl))

	svc := New(deps, depotRepo, downloadRepo, nil)
	n, err := svc.resolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := downloadRepo.GetByID(ctx, dl.ID)
	require.NoError(t, err)
	assert.Nil(t, got.GameAppId)
}

func TestResolveBatch_StaleRowsExcludedByAge(t *testing.T) {
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	downloadRepo := repository.NewDownloadRepository(db)
	deps := testDeps(t)

	ctx := context.Background()
	require.NoError(t, depotRepo.Upsert(ctx, &models.SteamDepotMapping{DepotId: 228990, AppId: 49520, IsOwner: true, Source: "steam-api"}))

	dl := &models.Download{Service: "steam", DepotId: int64Ptr(228990), StartTimeUtc: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, downloadRepo.Create(ctx, dl))

	svc := New(deps, depotRepo, downloadRepo, nil)
	n, err := svc.resolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rows older than the 24h window should not be resolved")
}

func TestResolveBatch_FallsBackToSynthesizedNameWhenNoAppName(t *testing.T) {
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	downloadRepo := repository.NewDownloadRepository(db)
	deps := testDeps(t)

	ctx := context.Background()
	require.NoError(t, depotRepo.Upsert(ctx, &models.SteamDepotMapping{DepotId: 228991, AppId: 49521, IsOwner: true, Source: "steam-api"}))

	dl := &models.Download{Service: "steam", DepotId: int64Ptr(228991), StartTimeUtc: time.Now()}
	require.NoError(t, downloadRepo.Create(ctx, dl))

	svc := New(deps, depotRepo, downloadRepo, nil)
	n, err := svc.resolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := downloadRepo.GetByID(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.GameName)
	assert.Equal(t, "Steam App 49521", *got.GameName)
}

func TestResolveBatch_PrefersMetadataLookupOverAppName(t *testing.T) {
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	downloadRepo := repository.NewDownloadRepository(db)
	deps := testDeps(t)

	ctx := context.Background()
	require.NoError(t, depotRepo.Upsert(ctx, &models.SteamDepotMapping{DepotId: 228990, AppId: 49520, AppName: "Stale Name", IsOwner: true, Source: "steam-api"}))

	dl := &models.Download{Service: "steam", DepotId: int64Ptr(228990), StartTimeUtc: time.Now()}
	require.NoError(t, downloadRepo.Create(ctx, dl))

	metadata := &fakeMetadataLookup{name: "Left 4 Dead 2", imageURL: "https://example.com/img.jpg", ok: true}
	svc := New(deps, depotRepo, downloadRepo, metadata)

	n, err := svc.resolveBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, metadata.calls)

	got, err := downloadRepo.GetByID(ctx, dl.ID)
	require.NoError(t, err)
	require.NotNil(t, got.GameName)
	assert.Equal(t, "Left 4 Dead 2", *got.GameName)
	require.NotNil(t, got.GameImageUrl)
	assert.Equal(t, "https://example.com/img.jpg", *got.GameImageUrl)
}

func TestScheduleNext_SlowsDownAfterConsecutiveEmptyRuns(t *testing.T) {
	deps := testDeps(t)
	svc := New(deps, nil, nil, nil)

	for i := 0; i < emptyRunsBeforeSlow-1; i++ {
		svc.scheduleNext(false)
	}
	assert.WithinDuration(t, time.Now().Add(fastInterval), svc.nextRunAt, 2*time.Second)

	svc.scheduleNext(false)
	assert.WithinDuration(t, time.Now().Add(slowInterval), svc.nextRunAt, 2*time.Second)

	svc.scheduleNext(true)
	assert.WithinDuration(t, time.Now().Add(fastInterval), svc.nextRunAt, 2*time.Second)
	assert.Equal(t, 0, svc.consecutiveEmpty)
}

func TestRunOnce_SingleFlightSkipsOverlappingRun(t *testing.T) {
	db := setupTestDB(t)
	depotRepo := repository.NewDepotMappingRepository(db)
	downloadRepo := repository.NewDownloadRepository(db)
	deps := testDeps(t)

	svc := New(deps, depotRepo, downloadRepo, nil)

	ctx := context.Background()
	id, err := deps.Tracker.Register(uot.TypeDepotBackfill, "Resolve pending depot mappings", backfillEntityKey, uot.NewCancelHandle(func() {}), nil)
	require.NoError(t, err)
	defer deps.Tracker.Complete(id, true, nil)

	svc.runOnce(ctx) // should be a no-op: entity key already registered
	assert.Equal(t, 0, svc.consecutiveEmpty, "skipped run must not perturb the adaptive-interval counter")
}
