// Package removal implements Game/Service Removal (spec.md §4.J):
// per-datasource invocation of the game-cache-remover or service-remover
// native worker, aggregation of freed-space statistics, and post-removal
// cache invalidation.
package removal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// Kind distinguishes a game removal (EntityKey = app id) from a service
// removal (EntityKey = lower-cased service name), per spec.md §4.J.
type Kind string

const (
	KindGame    Kind = "game"
	KindService Kind = "service"
)

// EventGameRemovalComplete / EventServiceRemovalComplete are published on
// the Notification Bus when a removal finishes, successfully or not.
const (
	EventGameRemovalComplete    = "GameRemovalComplete"
	EventServiceRemovalComplete = "ServiceRemovalComplete"
)

// CompleteEvent is EventGameRemovalComplete/EventServiceRemovalComplete's
// payload.
type CompleteEvent struct {
	Kind                   Kind
	Target                 string
	CacheFilesDeleted      int64
	TotalBytesFreed        int64
	EmptyDirsRemoved       int64
	LogEntriesRemoved      int64
	DatabaseEntriesDeleted int64
	DepotIds               []string
	Success                bool
	Error                  string
}

// progressSnapshot mirrors the remover helpers' progress file (spec.md
// §4.J: "forward progress (percent, message, filesProcessed)").
type progressSnapshot struct {
	PercentComplete float64 `json:"percent_complete"`
	Message         string  `json:"message"`
	FilesProcessed  int64   `json:"files_processed"`
}

// gameOutput mirrors game-cache-remover's output JSON (spec.md §6).
type gameOutput struct {
	CacheFilesDeleted int64    `json:"cache_files_deleted"`
	TotalBytesFreed   int64    `json:"total_bytes_freed"`
	EmptyDirsRemoved  int64    `json:"empty_dirs_removed"`
	LogEntriesRemoved int64    `json:"log_entries_removed"`
	DepotIds          []string `json:"depot_ids"`
}

// aggregateResult is the per-datasource (and, summed, cross-datasource)
// removal result (spec.md §4.J's "Aggregation" rule).
type aggregateResult struct {
	CacheFilesDeleted      int64
	TotalBytesFreed        int64
	EmptyDirsRemoved       int64
	LogEntriesRemoved      int64
	DatabaseEntriesDeleted int64
	DepotIds               []string
}

func (a *aggregateResult) add(b aggregateResult) {
	a.CacheFilesDeleted += b.CacheFilesDeleted
	a.TotalBytesFreed += b.TotalBytesFreed
	a.EmptyDirsRemoved += b.EmptyDirsRemoved
	a.LogEntriesRemoved += b.LogEntriesRemoved
	a.DatabaseEntriesDeleted += b.DatabaseEntriesDeleted
	a.DepotIds = unionStrings(a.DepotIds, b.DepotIds)
}

// serviceStatLine matches one of the service-remover helper's final
// stderr statistics lines (spec.md §4.J: "the obvious regex").
var (
	reCacheFilesDeleted      = regexp.MustCompile(`Cache files deleted:\s*(\d+)`)
	reBytesFreed             = regexp.MustCompile(`Bytes freed:\s*([\d.]+)\s*(GB|MB)`)
	reLogEntriesRemoved      = regexp.MustCompile(`Log entries removed:\s*(\d+)`)
	reDatabaseEntriesDeleted = regexp.MustCompile(`Database entries deleted:\s*(\d+)`)
)

// parseServiceStats extracts service-remover's final statistics from its
// stderr output (spec.md §4.J), tolerating any line that is absent.
func parseServiceStats(stderr string) aggregateResult {
	var out aggregateResult
	if m := reCacheFilesDeleted.FindStringSubmatch(stderr); m != nil {
		out.CacheFilesDeleted, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := reBytesFreed.FindStringSubmatch(stderr); m != nil {
		val, _ := strconv.ParseFloat(m[1], 64)
		mult := float64(1024 * 1024)
		if m[2] == "GB" {
			mult = 1024 * 1024 * 1024
		}
		out.TotalBytesFreed = int64(val * mult)
	}
	if m := reLogEntriesRemoved.FindStringSubmatch(stderr); m != nil {
		out.LogEntriesRemoved, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := reDatabaseEntriesDeleted.FindStringSubmatch(stderr); m != nil {
		out.DatabaseEntriesDeleted, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return out
}

// ServiceCountCache is invalidated after a removal so an in-memory
// per-service file-count overlay maintained elsewhere (the Live Log
// Monitor, spec.md §4.K) stops reporting a service that no longer
// exists. Optional: a nil cache is simply not invalidated.
type ServiceCountCache interface {
	Invalidate()
}

// LogFileReopener re-opens the access-log file handles the upstream
// caching proxy holds, so mutating a datasource's logs during removal
// doesn't leave the proxy writing to an unlinked inode (spec.md §4.J /
// §6's "reopen log files" signal). Optional: a nil reopener is skipped.
type LogFileReopener interface {
	ReopenLogFiles(ctx context.Context) error
}

// LogPauseGate is the Live Log Monitor's pause gate: removal holds it for
// the duration of its run so the monitor doesn't observe a log file
// mid-mutation (spec.md §4.K/§5: "consumers (notably removal flows that
// mutate logs) set it around their critical section"). Optional: a nil
// gate means nothing pauses.
type LogPauseGate interface {
	Pause()
	Resume()
}

// Service runs game and service removals. Unlike Cache Clearing and
// Corruption Detection, removal is NOT single-flight process-wide: the
// Unified Operation Tracker enforces one active removal per EntityKey
// (app id or lower-cased service name), so two removals of different
// entities run concurrently without contention (spec.md §4.J).
type Service struct {
	deps          cacheops.Deps
	gameRepo      repository.GameDetectionRepository
	serviceRepo   repository.ServiceDetectionRepository
	removed       *cacheops.RecentlyRemovedSet
	serviceCounts ServiceCountCache
	logReopener   LogFileReopener
	pauseGate     LogPauseGate
}

// New builds a Service. serviceCounts, logReopener, and pauseGate are
// optional collaborators: serviceCounts/logReopener run during
// post-removal cleanup, pauseGate brackets the whole run.
func New(deps cacheops.Deps, gameRepo repository.GameDetectionRepository, serviceRepo repository.ServiceDetectionRepository, removed *cacheops.RecentlyRemovedSet, serviceCounts ServiceCountCache, logReopener LogFileReopener, pauseGate LogPauseGate) *Service {
	return &Service{
		deps:          deps,
		gameRepo:      gameRepo,
		serviceRepo:   serviceRepo,
		removed:       removed,
		serviceCounts: serviceCounts,
		logReopener:   logReopener,
		pauseGate:     pauseGate,
	}
}

// StartRemoval begins removing target (a Steam app id for KindGame, a
// service name for KindService) across every writable enabled datasource.
func (s *Service) StartRemoval(ctx context.Context, kind Kind, target string) (uuid.UUID, error) {
	requireLogWritable := kind == KindService

	all := s.deps.Registry.GetDatasources()
	targets, skipped, err := cacheops.SelectTargets(all, "", requireLogWritable)
	if err != nil {
		return uuid.Nil, err
	}

	opType := uot.TypeGameRemoval
	if kind == KindService {
		opType = uot.TypeServiceRemoval
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id, err := s.deps.Tracker.Register(opType, removalName(kind, target), normalizeEntityKey(kind, target), uot.NewCancelHandle(cancel), map[string]any{
		"kind":   string(kind),
		"target": target,
	})
	if err != nil {
		cancel()
		return uuid.Nil, err
	}

	if len(skipped) > 0 {
		s.deps.Log().Warn("skipping read-only datasources for removal", "skipped", skipped, "kind", kind, "target", target)
	}

	go s.run(runCtx, id, kind, target, targets)

	return id, nil
}

func normalizeEntityKey(kind Kind, target string) string {
	if kind == KindService {
		return strings.ToLower(target)
	}
	return target
}

func removalName(kind Kind, target string) string {
	if kind == KindService {
		return fmt.Sprintf("Remove service %s", target)
	}
	return fmt.Sprintf("Remove game %s", target)
}

func (s *Service) run(ctx context.Context, id uuid.UUID, kind Kind, target string, targets []models.Datasource) {
	if s.pauseGate != nil {
		s.pauseGate.Pause()
		defer s.pauseGate.Resume()
	}

	weights := make([]int, len(targets))
	for i := range weights {
		weights[i] = 1
	}
	shares := cacheops.ProgressShare(0, 100, weights)

	var agg aggregateResult
	for i, ds := range targets {
		if ctx.Err() != nil {
			break
		}
		res, err := s.removeOne(ctx, id, kind, target, ds, shares[i])
		if err != nil {
			s.deps.Tracker.Complete(id, false, err)
			s.publishComplete(ctx, kind, target, agg, false, err)
			return
		}
		agg.add(res)
	}

	if ctx.Err() != nil {
		s.deps.Tracker.Complete(id, true, nil) // Complete treats a cancelling Operation as Cancelled regardless of success
		return
	}

	if err := s.postRemoval(ctx, kind, target); err != nil {
		s.deps.Log().Error("post-removal cleanup", "kind", kind, "target", target, "error", err)
	}

	s.deps.Tracker.Complete(id, true, nil)
	s.publishComplete(ctx, kind, target, agg, true, nil)
}

func (s *Service) removeOne(ctx context.Context, id uuid.UUID, kind Kind, target string, ds models.Datasource, share struct{ Start, End float64 }) (aggregateResult, error) {
	outputPath := filepath.Join(s.deps.Paths.OperationsDir(), fmt.Sprintf("removal-output-%s-%s.json", id, ds.Name))
	progressPath := filepath.Join(s.deps.Paths.OperationsDir(), fmt.Sprintf("removal-progress-%s-%s.json", id, ds.Name))
	defer nativeworker.DeleteTemporaryFile(outputPath)
	defer nativeworker.DeleteTemporaryFile(progressPath)

	var binPath string
	var err error
	name := "game-cache-remover"
	if kind == KindGame {
		binPath, err = s.deps.Paths.GameCacheRemoverPath()
	} else {
		name = "service-remover"
		binPath, err = s.deps.Paths.ServiceRemoverPath()
	}
	if err != nil {
		return aggregateResult{}, err
	}

	result, err := s.deps.Supervisor.ExecuteProcess(ctx, nativeworker.StartInfo{
		Name:       name,
		BinaryPath: binPath,
		Args:       []string{s.deps.Paths.DatabasePath(), ds.LogPath, ds.CachePath, target, outputPath, progressPath},
	}, progressPath, func(raw []byte) {
		var p progressSnapshot
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		pct := share.Start + (share.End-share.Start)*clamp01(p.PercentComplete/100)
		s.deps.Tracker.UpdateProgress(id, pct, fmt.Sprintf("%s: %s (%d files)", ds.Name, p.Message, p.FilesProcessed))
	})
	if err != nil {
		return aggregateResult{}, fmt.Errorf("removing on datasource %s: %w", ds.Name, err)
	}
	if result.Cancelled {
		return aggregateResult{}, nil
	}
	if result.ExitCode != 0 {
		return aggregateResult{}, fmt.Errorf("%s exited %d on datasource %s: %s", name, result.ExitCode, ds.Name, result.Stderr)
	}

	s.deps.Tracker.UpdateProgress(id, share.End, fmt.Sprintf("%s: complete", ds.Name))

	if kind == KindService {
		return parseServiceStats(result.Stderr), nil
	}

	raw, ok := nativeworker.ReadProgressFileRaw(outputPath)
	if !ok {
		return aggregateResult{}, fmt.Errorf("reading game removal output for datasource %s", ds.Name)
	}
	var out gameOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return aggregateResult{}, fmt.Errorf("parsing game removal output for datasource %s: %w", ds.Name, err)
	}
	return aggregateResult{
		CacheFilesDeleted: out.CacheFilesDeleted,
		TotalBytesFreed:   out.TotalBytesFreed,
		EmptyDirsRemoved:  out.EmptyDirsRemoved,
		LogEntriesRemoved: out.LogEntriesRemoved,
		DepotIds:          out.DepotIds,
	}, nil
}

// postRemoval implements spec.md §4.J's "Post-removal" rule: drop the
// corresponding cached detection row, invalidate the service-count
// cache, and ask the log monitor to reopen its file handles.
func (s *Service) postRemoval(ctx context.Context, kind Kind, target string) error {
	switch kind {
	case KindGame:
		appID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing game app id %q: %w", target, err)
		}
		if err := s.gameRepo.Delete(ctx, appID); err != nil {
			return fmt.Errorf("deleting cached game detection: %w", err)
		}
	case KindService:
		if err := s.serviceRepo.Delete(ctx, target); err != nil {
			return fmt.Errorf("deleting cached service detection: %w", err)
		}
		if s.removed != nil {
			s.removed.Mark(target)
		}
	}

	if s.serviceCounts != nil {
		s.serviceCounts.Invalidate()
	}
	if s.logReopener != nil {
		if err := s.logReopener.ReopenLogFiles(ctx); err != nil {
			return fmt.Errorf("reopening log files: %w", err)
		}
	}
	return nil
}

func (s *Service) publishComplete(ctx context.Context, kind Kind, target string, agg aggregateResult, success bool, opErr error) {
	if s.deps.Bus == nil {
		return
	}
	event := EventGameRemovalComplete
	if kind == KindService {
		event = EventServiceRemovalComplete
	}
	payload := CompleteEvent{
		Kind:                   kind,
		Target:                 target,
		CacheFilesDeleted:      agg.CacheFilesDeleted,
		TotalBytesFreed:        agg.TotalBytesFreed,
		EmptyDirsRemoved:       agg.EmptyDirsRemoved,
		LogEntriesRemoved:      agg.LogEntriesRemoved,
		DatabaseEntriesDeleted: agg.DatabaseEntriesDeleted,
		DepotIds:               agg.DepotIds,
		Success:                success,
	}
	if opErr != nil {
		payload.Error = opErr.Error()
	}
	s.deps.Bus.NotifyTerminal(ctx, event, payload)
}

func unionStrings(existing, additional []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range additional {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
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
