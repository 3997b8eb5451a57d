// Package corruption implements Corruption Detection (spec.md §4.H):
// sequential, per-datasource invocation of the corruption-manager native
// worker in summary mode, with rate-limited progress forwarding and a
// grace-period de-dup against service names a user just removed.
package corruption

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// entityKey is constant: at most one corruption scan runs process-wide.
const entityKey = "global"

// progressChangeThreshold gates progress forwarding: an update is only
// published if the message changed or percent moved by at least this
// many points (spec.md §4.H).
const progressChangeThreshold = 5.0

// progressSnapshot mirrors the corruption-manager helper's summary-mode
// progress file.
type progressSnapshot struct {
	PercentComplete float64          `json:"percent_complete"`
	Message         string           `json:"message"`
	CorruptedChunks map[string]int64 `json:"corrupted_chunks"`
}

// Service runs corruption-detection scans.
type Service struct {
	deps     cacheops.Deps
	repo     repository.CorruptionDetectionRepository
	removed  *cacheops.RecentlyRemovedSet
	timezone string
	threshold int
	mu       sync.Mutex
}

// New builds a Service. removed is shared with the Game/Service Removal
// service so a removal is reflected immediately in the next scan's
// published results (spec.md §4.H grace period).
func New(deps cacheops.Deps, repo repository.CorruptionDetectionRepository, removed *cacheops.RecentlyRemovedSet, timezone string, threshold int) *Service {
	return &Service{deps: deps, repo: repo, removed: removed, timezone: timezone, threshold: threshold}
}

// StartScan begins a corruption-detection scan across target (a
// datasource name, or "" for all enabled datasources).
func (s *Service) StartScan(ctx context.Context, target string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.deps.Registry.GetDatasources()
	targets, _, err := cacheops.SelectTargets(all, target, false)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id, err := s.deps.Tracker.Register(uot.TypeCorruptionDetection, "Corruption detection", entityKey, uot.NewCancelHandle(cancel), nil)
	if err != nil {
		cancel()
		return uuid.Nil, err
	}

	go s.run(runCtx, id, targets)

	return id, nil
}

func (s *Service) run(ctx context.Context, id uuid.UUID, targets []models.Datasource) {
	aggregate := make(map[string]int64) // serviceName -> corrupted chunk count, unioned across datasources

	for _, ds := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := s.scanOne(ctx, id, ds, aggregate); err != nil {
			s.deps.Tracker.Complete(id, false, err)
			return
		}
	}

	if ctx.Err() == nil {
		s.persist(ctx, aggregate)
	}

	s.deps.Tracker.Complete(id, ctx.Err() == nil, nil)
}

func (s *Service) scanOne(ctx context.Context, id uuid.UUID, ds models.Datasource, aggregate map[string]int64) error {
	progressPath := filepath.Join(s.deps.Paths.OperationsDir(), fmt.Sprintf("corruption-%s-%s.json", id, ds.Name))
	defer nativeworker.DeleteTemporaryFile(progressPath)

	binPath, err := s.deps.Paths.CorruptionManagerPath()
	if err != nil {
		return err
	}

	var lastPercent float64 = -1
	var lastMessage string
	var final progressSnapshot

	result, err := s.deps.Supervisor.ExecuteProcess(ctx, nativeworker.StartInfo{
		Name:       "corruption-manager",
		BinaryPath: binPath,
		Args:       []string{"summary", ds.LogPath, ds.CachePath, progressPath, s.timezone, fmt.Sprintf("%d", s.threshold)},
	}, progressPath, func(raw []byte) {
		var p progressSnapshot
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		final = p

		changed := p.Message != lastMessage || abs(p.PercentComplete-lastPercent) >= progressChangeThreshold
		if !changed {
			return
		}
		lastPercent = p.PercentComplete
		lastMessage = p.Message
		s.deps.Tracker.UpdateProgress(id, p.PercentComplete, fmt.Sprintf("%s: %s", ds.Name, p.Message))
	})
	if err != nil {
		return fmt.Errorf("scanning datasource %s: %w", ds.Name, err)
	}
	if result.Cancelled {
		return nil
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("corruption-manager exited %d on datasource %s: %s", result.ExitCode, ds.Name, result.Stderr)
	}

	for service, count := range final.CorruptedChunks {
		aggregate[service] += count
	}
	return nil
}

// persist writes the aggregated results atomically (delete-all,
// insert-all), filtering out any service recently removed (spec.md
// §4.H), and swallows nothing: a write failure here is logged by the
// caller via the operation's terminal error.
func (s *Service) persist(ctx context.Context, aggregate map[string]int64) {
	if err := s.repo.DeleteAll(ctx); err != nil {
		s.deps.Log().Error("clearing corruption detections before scan write", "error", err)
		return
	}
	for service, count := range aggregate {
		if s.removed != nil && s.removed.Contains(service) {
			continue
		}
		detection := &models.CachedCorruptionDetection{
			ServiceName:         service,
			CorruptedChunkCount: count,
			LastDetectedUtc:     models.Now(),
			CreatedAtUtc:        models.Now(),
		}
		if err := s.repo.Upsert(ctx, detection); err != nil {
			s.deps.Log().Error("persisting corruption detection", "service", service, "error", err)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
