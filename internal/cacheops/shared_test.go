package cacheops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lancache-ops/lancache-opsd/internal/models"
)

func TestCountBucketDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "0a"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "ff"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "not-a-bucket"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ab"), nil, 0o644)) // file, not dir

	assert.Equal(t, 2, CountBucketDirs(root))
}

func TestCountBucketDirs_MissingPathIsZero(t *testing.T) {
	assert.Equal(t, 0, CountBucketDirs(filepath.Join(t.TempDir(), "nope")))
}

func TestSelectTargets_NamedTarget(t *testing.T) {
	all := []models.Datasource{
		{Name: "a", Enabled: true, CacheWritable: true},
		{Name: "b", Enabled: true, CacheWritable: false},
	}

	targets, skipped, err := SelectTargets(all, "a", false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "a", targets[0].Name)
	assert.Empty(t, skipped)
}

func TestSelectTargets_NamedTargetReadOnly(t *testing.T) {
	all := []models.Datasource{{Name: "a", Enabled: true, CacheWritable: false}}

	_, _, err := SelectTargets(all, "a", false)
	assert.ErrorIs(t, err, ErrNoWritableTarget)
}

func TestSelectTargets_NamedTargetUnknown(t *testing.T) {
	all := []models.Datasource{{Name: "a", Enabled: true, CacheWritable: true}}

	_, _, err := SelectTargets(all, "missing", false)
	assert.Error(t, err)
}

func TestSelectTargets_AllSkipsReadOnly(t *testing.T) {
	all := []models.Datasource{
		{Name: "a", Enabled: true, CacheWritable: true},
		{Name: "b", Enabled: true, CacheWritable: false},
	}

	targets, skipped, err := SelectTargets(all, "", false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "a", targets[0].Name)
	assert.Equal(t, []string{"b"}, skipped)
}

func TestSelectTargets_AllReadOnlyFails(t *testing.T) {
	all := []models.Datasource{
		{Name: "a", Enabled: true, CacheWritable: false},
		{Name: "b", Enabled: true, CacheWritable: false},
	}

	_, skipped, err := SelectTargets(all, "", false)
	assert.ErrorIs(t, err, ErrNoWritableTarget)
	assert.Len(t, skipped, 2)
}

func TestSelectTargets_NoEnabledDatasources(t *testing.T) {
	_, _, err := SelectTargets(nil, "", false)
	assert.Error(t, err)
}

func TestSelectTargets_RequiresLogWritableForServiceRemoval(t *testing.T) {
	all := []models.Datasource{
		{Name: "a", Enabled: true, CacheWritable: true, LogsWritable: false},
	}

	_, skipped, err := SelectTargets(all, "", true)
	assert.ErrorIs(t, err, ErrNoWritableTarget)
	assert.Equal(t, []string{"a"}, skipped)
}

func TestProgressShare_EvenWeights(t *testing.T) {
	bounds := ProgressShare(30, 70, []int{1, 1})
	require.Len(t, bounds, 2)
	assert.InDelta(t, 30, bounds[0].Start, 0.001)
	assert.InDelta(t, 50, bounds[0].End, 0.001)
	assert.InDelta(t, 50, bounds[1].Start, 0.001)
	assert.InDelta(t, 70, bounds[1].End, 0.001)
}

func TestProgressShare_ProportionalWeights(t *testing.T) {
	bounds := ProgressShare(0, 100, []int{1, 3})
	require.Len(t, bounds, 2)
	assert.InDelta(t, 25, bounds[0].End, 0.001)
	assert.InDelta(t, 100, bounds[1].End, 0.001)
}

func TestProgressShare_AllZeroWeightsSplitsEvenly(t *testing.T) {
	bounds := ProgressShare(0, 90, []int{0, 0, 0})
	require.Len(t, bounds, 3)
	assert.InDelta(t, 30, bounds[0].End, 0.001)
	assert.InDelta(t, 90, bounds[2].End, 0.001)
}

func TestRecentlyRemovedSet_MarkAndContains(t *testing.T) {
	set := NewRecentlyRemovedSet()
	assert.False(t, set.Contains("steam"))

	set.Mark("Steam")
	assert.True(t, set.Contains("steam"), "lookup should be case-insensitive")
}

func TestRecentlyRemovedSet_ExpiresEntries(t *testing.T) {
	set := NewRecentlyRemovedSet()
	set.expires["steam"] = time.Now().Add(-time.Hour) // force an already-expired entry without sleeping
	assert.False(t, set.Contains("steam"))

	set.mu.Lock()
	_, stillPresent := set.expires["steam"]
	set.mu.Unlock()
	assert.False(t, stillPresent, "expired entry should be evicted on lookup")
}
