package nativeworker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBinaryExists_Missing(t *testing.T) {
	err := ValidateBinaryExists(filepath.Join(t.TempDir(), "nope"), "cache-cleaner")
	require.Error(t, err)
	var missing *ErrBinaryMissing
	assert.ErrorAs(t, err, &missing)
}

func TestValidateBinaryExists_Directory(t *testing.T) {
	err := ValidateBinaryExists(t.TempDir(), "cache-cleaner")
	assert.Error(t, err)
}

func TestValidateBinaryExists_RegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache-cleaner")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, ValidateBinaryExists(path, "cache-cleaner"))
}

func TestReadProgressFileRaw_MissingFile(t *testing.T) {
	_, ok := ReadProgressFileRaw(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, ok)
}

func TestReadProgressFileRaw_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, ok := ReadProgressFileRaw(path)
	assert.False(t, ok)
}

type testProgress struct {
	PercentComplete float64 `json:"percent_complete"`
	Status          string  `json:"status"`
}

func TestReadProgressFile_WellFormed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	data, err := json.Marshal(testProgress{PercentComplete: 42, Status: "running"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	progress, err := ReadProgressFile[testProgress](path)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 42.0, progress.PercentComplete)
}

func TestReadProgressFile_MalformedIsNilNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"percent_complete": `), 0o644))

	progress, err := ReadProgressFile[testProgress](path)
	require.NoError(t, err)
	assert.Nil(t, progress)
}

func TestReadProgressFile_MissingIsNilNotError(t *testing.T) {
	progress, err := ReadProgressFile[testProgress](filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, progress)
}

func TestDeleteTemporaryFile_RemovesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	DeleteTemporaryFile(path)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteTemporaryFile_MissingIsNotAnError(t *testing.T) {
	assert.NotPanics(t, func() {
		DeleteTemporaryFile(filepath.Join(t.TempDir(), "missing.json"))
	})
}

func TestDeleteTemporaryFile_EmptyPathIsNoOp(t *testing.T) {
	assert.NotPanics(t, func() { DeleteTemporaryFile("") })
}

func TestExecuteProcess_CapturesOutputAndExitCode(t *testing.T) {
	sup := New(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := sup.ExecuteProcess(ctx, StartInfo{
		Name:       "echo",
		BinaryPath: "/bin/echo",
		Args:       []string{"hello"},
	}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
	assert.False(t, result.Cancelled)
}

func TestExecuteProcess_NonZeroExitIsNotCancelled(t *testing.T) {
	sup := New(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := sup.ExecuteProcess(ctx, StartInfo{
		Name:       "false",
		BinaryPath: "/bin/false",
	}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.False(t, result.Cancelled)
}

func TestExecuteProcess_PollsProgressFile(t *testing.T) {
	progressPath := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(progressPath, []byte(`{"status":"running"}`), 0o644))

	sup := New(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var observed []string
	_, err := sup.ExecuteProcess(ctx, StartInfo{
		Name:       "sleep",
		BinaryPath: "/bin/sleep",
		Args:       []string{"0.1"},
	}, progressPath, func(raw []byte) {
		observed = append(observed, string(raw))
	})
	require.NoError(t, err)
	assert.NotEmpty(t, observed)
}

func TestExecuteProcess_ContextCancellationKillsProcess(t *testing.T) {
	sup := New(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	resultCh := make(chan *Result, 1)
	go func() {
		result, _ := sup.ExecuteProcess(ctx, StartInfo{
			Name:       "sleep",
			BinaryPath: "/bin/sleep",
			Args:       []string{"30"},
		}, "", nil)
		resultCh <- result
	}()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case result := <-resultCh:
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.NotNil(t, result)
	case <-time.After(10 * time.Second):
		t.Fatal("expected cancellation to kill the process promptly")
	}
}

func TestSpawnAndHandleKill(t *testing.T) {
	sup := New(10 * time.Millisecond)
	ctx := context.Background()

	handle, err := sup.Spawn(ctx, StartInfo{
		Name:       "sleep",
		BinaryPath: "/bin/sleep",
		Args:       []string{"30"},
	})
	require.NoError(t, err)

	require.NoError(t, handle.Kill())

	result, err := handle.Wait()
	require.NoError(t, err)
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestSpawn_MissingBinary(t *testing.T) {
	sup := New(0)
	_, err := sup.Spawn(context.Background(), StartInfo{
		Name:       "nope",
		BinaryPath: filepath.Join(t.TempDir(), "nope"),
	})
	assert.Error(t, err)
}
