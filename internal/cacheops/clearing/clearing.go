// Package clearing implements the Cache Clearing Service (spec.md §4.G):
// sequential, per-datasource invocation of the cache-cleaner native
// worker, with aggregate progress across the whole run.
package clearing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// DeleteMode selects how the cache-cleaner helper removes bucket
// contents (spec.md §4.G).
type DeleteMode string

const (
	DeleteModePreserve DeleteMode = "preserve"
	DeleteModeFull     DeleteMode = "full"
	DeleteModeRsync    DeleteMode = "rsync"
)

// entityKey is constant because at most one cache-clear operation may run
// process-wide, regardless of target datasource (spec.md §4.G).
const entityKey = "global"

// EventComplete is published on the Notification Bus when a clear
// finishes, successfully or not (spec.md §4.G).
const EventComplete = "CacheClearingComplete"

// CompleteEvent is EventComplete's payload.
type CompleteEvent struct {
	DirectoriesProcessed int64
	FilesDeleted         int64
	BytesDeleted         int64
	DatasourcesCleared   int
	Success              bool
	Error                string
}

// progressSnapshot mirrors the cache-cleaner helper's progress file.
type progressSnapshot struct {
	DirectoriesProcessed int64   `json:"directories_processed"`
	FilesDeleted         int64   `json:"files_deleted"`
	BytesDeleted         int64   `json:"bytes_deleted"`
	PercentComplete      float64 `json:"percent_complete"`
	Message              string  `json:"message"`
}

// Service runs cache-clear operations.
type Service struct {
	deps cacheops.Deps
	mu   sync.Mutex
}

// New builds a Service.
func New(deps cacheops.Deps) *Service {
	return &Service{deps: deps}
}

// StartCacheClear begins a cache clear against target (a datasource name,
// or "" for all enabled datasources) and returns the tracked Operation's
// id immediately; the run itself proceeds in the background. mu guards
// the startup critical section so two calls racing the UOT's single
// EntityKey slot fail with a clear error rather than an ambiguous one
// (spec.md §4.G: "single-flight via a mutex guarding startup").
func (s *Service) StartCacheClear(ctx context.Context, target string, mode DeleteMode) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == DeleteModeRsync {
		if err := validateRsyncAvailable(); err != nil {
			return uuid.Nil, err
		}
	}

	all := s.deps.Registry.GetDatasources()
	targets, skipped, err := cacheops.SelectTargets(all, target, false)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id, err := s.deps.Tracker.Register(uot.TypeCacheClearing, "Cache clear", entityKey, uot.NewCancelHandle(cancel), map[string]any{
		"deleteMode": string(mode),
		"target":     target,
	})
	if err != nil {
		cancel()
		return uuid.Nil, err
	}

	if len(skipped) > 0 {
		s.deps.Log().Warn("skipping read-only datasources for cache clear",
			slog.Any("skipped", skipped))
	}

	go s.run(runCtx, id, targets)

	return id, nil
}

func validateRsyncAvailable() error {
	if runtime.GOOS == "windows" {
		return fmt.Errorf("rsync delete mode is not supported on this platform")
	}
	if _, err := exec.LookPath("rsync"); err != nil {
		return fmt.Errorf("rsync delete mode requires the rsync tool, which was not found: %w", err)
	}
	return nil
}

func (s *Service) run(ctx context.Context, id uuid.UUID, targets []models.Datasource) {
	deleteMode := DeleteModePreserve
	if op := s.deps.Tracker.GetOperation(id); op != nil {
		if m, ok := op.Metadata["deleteMode"].(string); ok {
			deleteMode = DeleteMode(m)
		}
	}

	weights := make([]int, len(targets))
	for i, ds := range targets {
		weights[i] = cacheops.CountBucketDirs(ds.CachePath)
	}
	shares := cacheops.ProgressShare(0, 100, weights)

	var totalDirs, totalFiles, totalBytes int64
	cleared := 0

	for i, ds := range targets {
		if ctx.Err() != nil {
			break
		}

		share := shares[i]
		dirs, files, bytesDeleted, err := s.clearOne(ctx, id, ds, deleteMode, share)
		totalDirs += dirs
		totalFiles += files
		totalBytes += bytesDeleted

		if err != nil {
			s.deps.Tracker.Complete(id, false, err)
			s.publishComplete(ctx, totalDirs, totalFiles, totalBytes, cleared, false, err)
			return
		}
		cleared++
	}

	success := ctx.Err() == nil
	s.deps.Tracker.Complete(id, success, nil)
	s.publishComplete(ctx, totalDirs, totalFiles, totalBytes, cleared, success, nil)
}

// clearOne spawns the cache-cleaner helper for a single datasource and
// polls its progress file, mapping [0,100] worker-local percent into
// share's sub-range of the operation's overall progress.
func (s *Service) clearOne(ctx context.Context, id uuid.UUID, ds models.Datasource, mode DeleteMode, share struct{ Start, End float64 }) (dirs, files, bytesDeleted int64, err error) {
	progressPath := filepath.Join(s.deps.Paths.OperationsDir(), fmt.Sprintf("cache-clear-%s-%s.json", id, ds.Name))
	defer nativeworker.DeleteTemporaryFile(progressPath)

	binPath, err := s.deps.Paths.CacheCleanerPath()
	if err != nil {
		return 0, 0, 0, err
	}

	var last progressSnapshot
	result, err := s.deps.Supervisor.ExecuteProcess(ctx, nativeworker.StartInfo{
		Name:       "cache-cleaner",
		BinaryPath: binPath,
		Args:       []string{ds.CachePath, progressPath, string(mode)},
	}, progressPath, func(raw []byte) {
		var p progressSnapshot
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		last = p
		pct := share.Start + (share.End-share.Start)*clamp01(p.PercentComplete/100)
		s.deps.Tracker.UpdateProgress(id, pct, fmt.Sprintf("%s: %s", ds.Name, p.Message))
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("clearing datasource %s: %w", ds.Name, err)
	}
	if result.Cancelled {
		return last.DirectoriesProcessed, last.FilesDeleted, last.BytesDeleted, nil
	}
	if result.ExitCode != 0 {
		return last.DirectoriesProcessed, last.FilesDeleted, last.BytesDeleted,
			fmt.Errorf("cache-cleaner exited %d on datasource %s: %s", result.ExitCode, ds.Name, result.Stderr)
	}

	s.deps.Tracker.UpdateProgress(id, share.End, fmt.Sprintf("%s: complete", ds.Name))
	return last.DirectoriesProcessed, last.FilesDeleted, last.BytesDeleted, nil
}

func (s *Service) publishComplete(ctx context.Context, dirs, files, bytesDeleted int64, cleared int, success bool, opErr error) {
	if s.deps.Bus == nil {
		return
	}
	payload := CompleteEvent{
		DirectoriesProcessed: dirs,
		FilesDeleted:         files,
		BytesDeleted:         bytesDeleted,
		DatasourcesCleared:   cleared,
		Success:              success,
	}
	if opErr != nil {
		payload.Error = opErr.Error()
	}
	s.deps.Bus.NotifyTerminal(ctx, EventComplete, payload)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
