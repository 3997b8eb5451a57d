// Package depotmapping implements Depot Mapping Backfill (spec.md §4.L):
// a periodic, adaptive-interval job that resolves Download rows with a
// known Steam depot id but no resolved game app id yet, against the
// SteamDepotMapping table's owner rows.
package depotmapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

const (
	// fastInterval is the backfill cadence while recent runs found work
	// (spec.md §4.L: "Periodic (≈30 s)").
	fastInterval = 30 * time.Second
	// slowInterval is the cadence after emptyRunsBeforeSlow consecutive
	// empty runs (spec.md §4.L: "adaptive... slow to ≈5 min").
	slowInterval = 5 * time.Minute
	// emptyRunsBeforeSlow is the number of consecutive empty runs before
	// slowing down.
	emptyRunsBeforeSlow = 5
	// batchLimit bounds a single pass (spec.md §4.L: "limit 50").
	batchLimit = 50
	// maxAge excludes Download rows older than this from resolution
	// (spec.md §4.L: "StartTimeUtc within the last 24 h").
	maxAge = 24 * time.Hour
	// tickCron is the cron schedule the job registers itself under. The
	// actual adaptive 30s/5min cadence is gated internally (maybeRun),
	// since cron/v3 has no "slow down after N empty runs" expression.
	tickCron = "*/5 * * * * *"

	backfillEntityKey = "global"

	// EventDownloadsRefresh is emitted after a batch resolves at least
	// one row, so subscribers (e.g. a UI download feed) know to re-fetch.
	EventDownloadsRefresh = "DownloadsRefresh"
)

// MetadataLookup is an optional collaborator providing a live storefront
// lookup of an app's display name/image (spec.md §4.L: "preferring a
// live storefront lookup through the metadata collaborator"). Nil means
// no live lookup is wired; the backfill falls back to the mapping's
// AppName, then a synthesized name.
type MetadataLookup interface {
	// LookupApp returns a display name and optional image URL for appID.
	// ok is false if the lookup failed or the app is unknown.
	LookupApp(ctx context.Context, appID int64) (name string, imageURL string, ok bool)
}

// Service runs the Depot Mapping Backfill job.
type Service struct {
	deps         cacheops.Deps
	depotRepo    repository.DepotMappingRepository
	downloadRepo repository.DownloadRepository
	metadata     MetadataLookup

	mu               sync.Mutex
	consecutiveEmpty int
	nextRunAt        time.Time

	cronSched *cron.Cron
}

// New builds a Service. metadata may be nil.
func New(deps cacheops.Deps, depotRepo repository.DepotMappingRepository, downloadRepo repository.DownloadRepository, metadata MetadataLookup) *Service {
	return &Service{
		deps:         deps,
		depotRepo:    depotRepo,
		downloadRepo: downloadRepo,
		metadata:     metadata,
	}
}

// Start registers the job's internal cron entry and begins ticking.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cronSched != nil {
		s.mu.Unlock()
		return fmt.Errorf("depot mapping backfill already started")
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cronSched = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	s.mu.Unlock()

	_, err := s.cronSched.AddFunc(tickCron, func() { s.maybeRun(ctx) })
	if err != nil {
		return fmt.Errorf("registering depot mapping backfill job: %w", err)
	}
	s.cronSched.Start()
	return nil
}

// Stop halts the job, waiting for an in-flight run to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	sched := s.cronSched
	s.mu.Unlock()
	if sched == nil {
		return
	}
	stopCtx := sched.Stop()
	<-stopCtx.Done()
}

func (s *Service) maybeRun(ctx context.Context) {
	s.mu.Lock()
	due := s.nextRunAt.IsZero() || !time.Now().Before(s.nextRunAt)
	s.mu.Unlock()
	if !due {
		return
	}
	s.runOnce(ctx)
}

func (s *Service) runOnce(ctx context.Context) {
	id, err := s.deps.Tracker.Register(uot.TypeDepotBackfill, "Resolve pending depot mappings", backfillEntityKey, uot.NewCancelHandle(func() {}), nil)
	if err != nil {
		// A prior run is still in flight (took longer than tickCron);
		// wait for the next tick rather than overlapping.
		return
	}

	resolved, runErr := s.resolveBatch(ctx)
	s.deps.Tracker.Complete(id, runErr == nil, runErr)
	if runErr != nil {
		s.deps.Log().Error("depot mapping backfill failed", "error", runErr)
	}
	s.scheduleNext(resolved > 0)
}

func (s *Service) scheduleNext(hadWork bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hadWork {
		s.consecutiveEmpty = 0
	} else {
		s.consecutiveEmpty++
	}
	interval := fastInterval
	if s.consecutiveEmpty >= emptyRunsBeforeSlow {
		interval = slowInterval
	}
	s.nextRunAt = time.Now().Add(interval)
}

// resolveBatch runs one pass, returning the number of rows resolved.
func (s *Service) resolveBatch(ctx context.Context) (int, error) {
	candidates, err := s.downloadRepo.GetNeedingDepotResolution(ctx, batchLimit)
	if err != nil {
		return 0, fmt.Errorf("loading downloads needing depot resolution: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	eligible := candidates[:0:0]
	for _, d := range candidates {
		if d.StartTimeUtc.After(cutoff) {
			eligible = append(eligible, d)
		}
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	depotIDs := make(map[int64]bool)
	for _, d := range eligible {
		depotIDs[*d.DepotId] = true
	}

	owners := make(map[int64]*models.SteamDepotMapping, len(depotIDs))
	for depotID := range depotIDs {
		mapping, err := s.depotRepo.GetOwningApp(ctx, depotID)
		if err != nil {
			return 0, fmt.Errorf("loading owning app for depot %d: %w", depotID, err)
		}
		if mapping != nil {
			owners[depotID] = mapping
		}
	}

	resolutions := make([]repository.DownloadResolution, 0, len(eligible))
	for _, d := range eligible {
		mapping, ok := owners[*d.DepotId]
		if !ok {
			continue
		}
		name, imageURL := s.resolveDisplay(ctx, mapping)
		resolutions = append(resolutions, repository.DownloadResolution{
			ID:           d.ID,
			GameAppID:    mapping.AppId,
			GameName:     name,
			GameImageURL: imageURL,
		})
	}
	if len(resolutions) == 0 {
		return 0, nil
	}

	if err := s.downloadRepo.ResolveBatch(ctx, resolutions); err != nil {
		return 0, err
	}

	if s.deps.Bus != nil {
		s.deps.Bus.NotifyAll(ctx, EventDownloadsRefresh, map[string]int{"resolved": len(resolutions)})
	}
	return len(resolutions), nil
}

// resolveDisplay picks a display name/image for a resolved mapping:
// prefer a live storefront lookup, else the mapping's own AppName, else
// a synthesized placeholder (spec.md §4.L).
func (s *Service) resolveDisplay(ctx context.Context, mapping *models.SteamDepotMapping) (string, *string) {
	if s.metadata != nil {
		if name, imageURL, ok := s.metadata.LookupApp(ctx, mapping.AppId); ok && name != "" {
			var img *string
			if imageURL != "" {
				img = &imageURL
			}
			return name, img
		}
	}
	if mapping.AppName != "" {
		return mapping.AppName, nil
	}
	return fmt.Sprintf("Steam App %d", mapping.AppId), nil
}
