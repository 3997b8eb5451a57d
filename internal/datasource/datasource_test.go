package datasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancache-ops/lancache-opsd/internal/config"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
)

func testConfig(t *testing.T, datasources []config.DatasourceConfig) *config.Config {
	t.Helper()
	return &config.Config{
		Ops: config.OpsConfig{
			DatasourceReprobeInterval: 20 * time.Millisecond,
		},
		Datasources: datasources,
	}
}

func TestNew_ProbesWritabilityAtConstruction(t *testing.T) {
	cacheDir := t.TempDir()
	logDir := t.TempDir()

	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "main", Enabled: true, Default: true, CachePath: cacheDir, LogPath: logDir},
	})

	reg := New(cfg, nil, nil)
	ds, ok := reg.GetDatasource("main")
	require.True(t, ok)
	assert.True(t, ds.CacheWritable)
	assert.True(t, ds.LogsWritable)
}

func TestNew_MissingDirectoryIsNotWritable(t *testing.T) {
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "gone", Enabled: true, CachePath: filepath.Join(t.TempDir(), "nope"), LogPath: filepath.Join(t.TempDir(), "nope")},
	})

	reg := New(cfg, nil, nil)
	ds, ok := reg.GetDatasource("gone")
	require.True(t, ok)
	assert.False(t, ds.CacheWritable)
	assert.False(t, ds.LogsWritable)
}

func TestGetDatasources_PreservesConfigurationOrder(t *testing.T) {
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "b", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
		{Name: "a", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
	})

	reg := New(cfg, nil, nil)
	all := reg.GetDatasources()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Name)
	assert.Equal(t, "a", all[1].Name)
}

func TestGetEnabledDatasources_FiltersDisabled(t *testing.T) {
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "on", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
		{Name: "off", Enabled: false, CachePath: t.TempDir(), LogPath: t.TempDir()},
	})

	reg := New(cfg, nil, nil)
	enabled := reg.GetEnabledDatasources()
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name)
}

func TestGetDefaultDatasource_ReturnsMarkedDefault(t *testing.T) {
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "a", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
		{Name: "b", Enabled: true, Default: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
	})

	reg := New(cfg, nil, nil)
	def, ok := reg.GetDefaultDatasource()
	require.True(t, ok)
	assert.Equal(t, "b", def.Name)
}

func TestGetDefaultDatasource_FallsBackToFirstEnabled(t *testing.T) {
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "a", Enabled: false, CachePath: t.TempDir(), LogPath: t.TempDir()},
		{Name: "b", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
	})

	reg := New(cfg, nil, nil)
	def, ok := reg.GetDefaultDatasource()
	require.True(t, ok)
	assert.Equal(t, "b", def.Name)
}

func TestGetDefaultDatasource_NoneConfigured(t *testing.T) {
	reg := New(testConfig(t, nil), nil, nil)
	_, ok := reg.GetDefaultDatasource()
	assert.False(t, ok)
}

func TestReprobe_PublishesEventOnWritabilityTransition(t *testing.T) {
	cacheDir := t.TempDir()
	roDir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(roDir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(roDir, 0o755) })

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permission bits")
	}

	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "main", Enabled: true, CachePath: roDir, LogPath: cacheDir},
	})

	bus := eventbus.New(nil)
	sub := bus.Subscribe()
	defer sub.Close()

	reg := New(cfg, bus, nil)
	ds, _ := reg.GetDatasource("main")
	require.False(t, ds.CacheWritable)

	require.NoError(t, os.Chmod(roDir, 0o755))
	reg.ReprobeNow(context.Background())

	select {
	case ev := <-sub.Events:
		assert.Equal(t, EventDirectoryPermissionsChanged, ev.Name)
		payload, ok := ev.Payload.(PermissionsChangedEvent)
		require.True(t, ok)
		assert.Equal(t, "main", payload.Name)
		assert.True(t, payload.CacheWritable)
		assert.False(t, payload.WasCacheWritable)
	case <-time.After(time.Second):
		t.Fatal("expected a DirectoryPermissionsChanged event")
	}

	ds, _ = reg.GetDatasource("main")
	assert.True(t, ds.CacheWritable)
}

func TestReprobe_NoEventWhenNothingChanged(t *testing.T) {
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "main", Enabled: true, CachePath: t.TempDir(), LogPath: t.TempDir()},
	})

	bus := eventbus.New(nil)
	sub := bus.Subscribe()
	defer sub.Close()

	reg := New(cfg, bus, nil)
	reg.ReprobeNow(context.Background())

	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected event published: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartStop_RunsReprobeLoopUntilCancelled(t *testing.T) {
	cacheDir := t.TempDir()
	cfg := testConfig(t, []config.DatasourceConfig{
		{Name: "main", Enabled: true, CachePath: cacheDir, LogPath: cacheDir},
	})

	reg := New(cfg, nil, nil)
	reg.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	reg.Stop()
}
