// Package detection implements the Game Cache Detection Service (spec.md
// §4.I): per-datasource invocation of the game-cache-detector native
// worker in full or incremental mode, cross-datasource aggregation by
// GameAppId/ServiceName, post-scan resolution of depots that have since
// gained an owner mapping, and a delete-all-or-upsert write path.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// Mode selects whether a scan rescans every datasource from scratch or
// skips games already present in the database (spec.md §4.I).
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// entityKey is constant: at most one detection scan runs process-wide.
const entityKey = "global"

// progressChangeThreshold mirrors corruption's rate-limited progress
// forwarding (spec.md §4.H, applied here by the same reasoning).
const progressChangeThreshold = 5.0

// minUnknownRowsForInvalidation and the owner-mapping check together
// implement the incremental pre-check (spec.md §4.I): once at least this
// many unresolved depots exist and at least one now has an owner mapping,
// the whole table is stale enough to rebuild from scratch.
const minUnknownRowsForInvalidation = 3

// failedDepotResolutionsKey is the fixed Operation State Store key the
// set of still-unresolved depot ids is recorded under (spec.md §4.I).
const failedDepotResolutionsKey = "failedDepotResolutions"

// progressSnapshot mirrors the game-cache-detector helper's progress/
// output file: rewritten throughout the run, with games/services holding
// whatever has been found so far and final once the process exits.
type progressSnapshot struct {
	PercentComplete float64         `json:"percent_complete"`
	Message         string          `json:"message"`
	Games           []gameResult    `json:"games"`
	Services        []serviceResult `json:"services"`
}

type gameResult struct {
	GameAppId       int64    `json:"game_app_id"`
	GameName        string   `json:"game_name"`
	CacheFilesFound int64    `json:"cache_files_found"`
	TotalSizeBytes  int64    `json:"total_size_bytes"`
	DepotIds        []string `json:"depot_ids"`
	SampleUrls      []string `json:"sample_urls"`
	CacheFilePaths  []string `json:"cache_file_paths"`
}

type serviceResult struct {
	ServiceName     string `json:"service_name"`
	CacheFilesFound int64  `json:"cache_files_found"`
	TotalSizeBytes  int64  `json:"total_size_bytes"`
}

// Service runs game cache detection scans.
type Service struct {
	deps        cacheops.Deps
	gameRepo    repository.GameDetectionRepository
	serviceRepo repository.ServiceDetectionRepository
	depotRepo   repository.DepotMappingRepository
	removed     *cacheops.RecentlyRemovedSet
	mu          sync.Mutex
}

// New builds a Service. removed is shared with Game/Service Removal so a
// just-removed entity is not recontradicted by a scan already in flight
// (spec.md §4.H's grace period, which §4.I reuses).
func New(deps cacheops.Deps, gameRepo repository.GameDetectionRepository, serviceRepo repository.ServiceDetectionRepository, depotRepo repository.DepotMappingRepository, removed *cacheops.RecentlyRemovedSet) *Service {
	return &Service{deps: deps, gameRepo: gameRepo, serviceRepo: serviceRepo, depotRepo: depotRepo, removed: removed}
}

// StartScan begins a detection scan across target (a datasource name, or
// "" for all enabled datasources) in the given mode.
func (s *Service) StartScan(ctx context.Context, mode Mode, target string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.deps.Registry.GetDatasources()
	targets, _, err := cacheops.SelectTargets(all, target, false)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id, err := s.deps.Tracker.Register(uot.TypeGameDetection, "Game cache detection", entityKey, uot.NewCancelHandle(cancel), map[string]any{
		"mode":   string(mode),
		"target": target,
	})
	if err != nil {
		cancel()
		return uuid.Nil, err
	}

	go s.run(runCtx, id, targets, mode)

	return id, nil
}

func (s *Service) run(ctx context.Context, id uuid.UUID, targets []models.Datasource, mode Mode) {
	s.deps.Tracker.UpdateProgress(id, 0, "preparing")

	effectiveMode := mode
	if mode == ModeIncremental {
		invalidated, err := s.maybeInvalidateForUnknownResolution(ctx)
		if err != nil {
			s.deps.Tracker.Complete(id, false, err)
			return
		}
		if invalidated {
			effectiveMode = ModeFull
		}
	}
	s.deps.Tracker.UpdateProgress(id, 5, "prepare complete")

	var exclusionPath string
	if effectiveMode == ModeIncremental {
		path, err := s.writeExclusionFile(ctx, id)
		if err != nil {
			s.deps.Tracker.Complete(id, false, err)
			return
		}
		exclusionPath = path
		defer nativeworker.DeleteTemporaryFile(exclusionPath)
	}
	s.deps.Tracker.UpdateProgress(id, 30, "pre-scan complete")

	weights := make([]int, len(targets))
	for i := range targets {
		weights[i] = 1
	}
	shares := cacheops.ProgressShare(30, 70, weights)

	games := make(map[int64]*models.CachedGameDetection)
	services := make(map[string]*models.CachedServiceDetection)

	for i, ds := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := s.scanOne(ctx, id, ds, exclusionPath, effectiveMode == ModeIncremental, shares[i], games, services); err != nil {
			s.deps.Tracker.Complete(id, false, err)
			return
		}
	}

	if ctx.Err() != nil {
		s.deps.Tracker.Complete(id, true, nil) // Complete treats a cancelling Operation as Cancelled regardless of success
		return
	}

	s.deps.Tracker.UpdateProgress(id, 70, "merging results")
	failedDepots := s.resolveUnknowns(ctx, games)
	s.recordFailedDepots(ctx, failedDepots)

	s.deps.Tracker.UpdateProgress(id, 90, "persisting")
	err := s.persist(ctx, effectiveMode, games, services)
	s.deps.Tracker.Complete(id, err == nil, err)
}

// maybeInvalidateForUnknownResolution implements the incremental
// pre-check: if the cache already holds at least minUnknownRowsForInvalidation
// unresolved "Unknown Game (Depot N)" rows and at least one of those
// depot ids now has an owner mapping, the table is stale enough that the
// whole scan should rebuild from scratch (spec.md §4.I).
func (s *Service) maybeInvalidateForUnknownResolution(ctx context.Context) (bool, error) {
	unknowns, err := s.gameRepo.GetUnknown(ctx)
	if err != nil {
		return false, fmt.Errorf("loading unresolved game detections: %w", err)
	}
	if len(unknowns) < minUnknownRowsForInvalidation {
		return false, nil
	}
	for _, u := range unknowns {
		mapping, err := s.depotRepo.GetOwningApp(ctx, u.GameAppId)
		if err != nil {
			return false, fmt.Errorf("checking depot mapping %d: %w", u.GameAppId, err)
		}
		if mapping != nil {
			if err := s.gameRepo.DeleteAll(ctx); err != nil {
				return false, fmt.Errorf("invalidating cached game detections: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

// writeExclusionFile writes every currently-known GameAppId to a temp
// file the native detector is told to skip (spec.md §4.I pre-scan).
func (s *Service) writeExclusionFile(ctx context.Context, id uuid.UUID) (string, error) {
	existing, err := s.gameRepo.GetAll(ctx)
	if err != nil {
		return "", fmt.Errorf("loading known game detections: %w", err)
	}
	known := make([]int64, 0, len(existing))
	for _, g := range existing {
		known = append(known, g.GameAppId)
	}
	blob, err := json.Marshal(known)
	if err != nil {
		return "", fmt.Errorf("marshalling exclusion list: %w", err)
	}
	path := filepath.Join(s.deps.Paths.OperationsDir(), fmt.Sprintf("game-detection-exclusions-%s.json", id))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("writing exclusion file: %w", err)
	}
	return path, nil
}

func (s *Service) scanOne(ctx context.Context, id uuid.UUID, ds models.Datasource, exclusionPath string, incremental bool, share struct{ Start, End float64 }, games map[int64]*models.CachedGameDetection, services map[string]*models.CachedServiceDetection) error {
	progressPath := filepath.Join(s.deps.Paths.OperationsDir(), fmt.Sprintf("game-detection-%s-%s.json", id, ds.Name))
	defer nativeworker.DeleteTemporaryFile(progressPath)

	binPath, err := s.deps.Paths.GameCacheDetectorPath()
	if err != nil {
		return err
	}

	args := []string{s.deps.Paths.DatabasePath(), ds.CachePath, progressPath}
	if exclusionPath != "" {
		args = append(args, exclusionPath)
	} else {
		args = append(args, "")
	}
	args = append(args, strconv.FormatBool(incremental))

	var lastPercent float64 = -1
	var lastMessage string
	var final progressSnapshot

	result, err := s.deps.Supervisor.ExecuteProcess(ctx, nativeworker.StartInfo{
		Name:       "game-cache-detector",
		BinaryPath: binPath,
		Args:       args,
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
		pct := share.Start + (share.End-share.Start)*clamp01(p.PercentComplete/100)
		s.deps.Tracker.UpdateProgress(id, pct, fmt.Sprintf("%s: %s", ds.Name, p.Message))
	})
	if err != nil {
		return fmt.Errorf("scanning datasource %s: %w", ds.Name, err)
	}
	if result.Cancelled {
		return nil
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("game-cache-detector exited %d on datasource %s: %s", result.ExitCode, ds.Name, result.Stderr)
	}

	for _, g := range final.Games {
		mergeGame(games, g, ds.Name)
	}
	for _, sv := range final.Services {
		mergeService(services, sv, ds.Name)
	}
	s.deps.Tracker.UpdateProgress(id, share.End, fmt.Sprintf("%s: complete", ds.Name))
	return nil
}

// mergeGame applies spec.md §4.I's cross-datasource aggregation rule:
// dedup by GameAppId, sum counts, union depot ids and file paths, extend
// sample urls up to 5, union datasources.
func mergeGame(games map[int64]*models.CachedGameDetection, g gameResult, dsName string) {
	existing, ok := games[g.GameAppId]
	if !ok {
		existing = &models.CachedGameDetection{GameAppId: g.GameAppId, GameName: g.GameName}
		games[g.GameAppId] = existing
	} else if existing.GameName == "" {
		existing.GameName = g.GameName
	}
	existing.CacheFilesFound += g.CacheFilesFound
	existing.TotalSizeBytes += g.TotalSizeBytes
	existing.DepotIds = unionStrings(existing.DepotIds, g.DepotIds)
	existing.CacheFilePaths = unionStrings(existing.CacheFilePaths, g.CacheFilePaths)
	existing.SampleUrls = extendUpTo(existing.SampleUrls, g.SampleUrls, 5)
	existing.Datasources = unionStrings(existing.Datasources, []string{dsName})
}

// mergeService is mergeGame's service-level counterpart: deduped
// case-insensitively by ServiceName.
func mergeService(services map[string]*models.CachedServiceDetection, sv serviceResult, dsName string) {
	key := strings.ToLower(sv.ServiceName)
	existing, ok := services[key]
	if !ok {
		existing = &models.CachedServiceDetection{ServiceName: sv.ServiceName}
		services[key] = existing
	}
	existing.CacheFilesFound += sv.CacheFilesFound
	existing.TotalSizeBytes += sv.TotalSizeBytes
	existing.Datasources = unionStrings(existing.Datasources, []string{dsName})
}

// resolveUnknowns implements spec.md §4.I's post-scan unknown resolution:
// every row whose name still marks it unresolved is looked up against
// SteamDepotMapping's owner mapping, merged into an existing row for the
// resolved app id (batch first, then the database), or renamed in place.
// Depots that still cannot be resolved are returned for the caller to
// record.
func (s *Service) resolveUnknowns(ctx context.Context, games map[int64]*models.CachedGameDetection) []int64 {
	var failed []int64
	for appID, g := range games {
		if !g.IsUnknown() {
			continue
		}
		depotID := appID // an unresolved row's GameAppId is the raw depot id

		mapping, err := s.depotRepo.GetOwningApp(ctx, depotID)
		if err != nil || mapping == nil {
			failed = append(failed, depotID)
			continue
		}

		name := resolvedGameName(mapping)

		if target, ok := games[mapping.AppId]; ok && target != g {
			mergeInto(target, g)
			delete(games, appID)
			continue
		}
		if existing, err := s.gameRepo.GetByAppID(ctx, mapping.AppId); err == nil && existing != nil {
			mergeRowInto(existing, g)
			games[mapping.AppId] = existing
			delete(games, appID)
			continue
		}

		g.GameAppId = mapping.AppId
		g.GameName = name
		games[mapping.AppId] = g
		if mapping.AppId != appID {
			delete(games, appID)
		}
	}
	return failed
}

// resolvedGameName implements spec.md §4.I's tie-break: prefer the
// mapping's AppName, else a synthesized "App {AppId}" (the mapping schema
// carries no separate depot-name field to fall back to).
func resolvedGameName(mapping *models.SteamDepotMapping) string {
	if mapping.AppName != "" {
		return mapping.AppName
	}
	return fmt.Sprintf("App %d", mapping.AppId)
}

func mergeInto(target, unknown *models.CachedGameDetection) {
	target.CacheFilesFound += unknown.CacheFilesFound
	target.TotalSizeBytes += unknown.TotalSizeBytes
	target.DepotIds = unionStrings(target.DepotIds, unknown.DepotIds)
	target.CacheFilePaths = unionStrings(target.CacheFilePaths, unknown.CacheFilePaths)
	target.SampleUrls = extendUpTo(target.SampleUrls, unknown.SampleUrls, 5)
	target.Datasources = unionStrings(target.Datasources, unknown.Datasources)
}

func mergeRowInto(existing *models.CachedGameDetection, unknown *models.CachedGameDetection) {
	mergeInto(existing, unknown)
}

// recordFailedDepots persists the still-unresolved depot ids under the
// fixed "failedDepotResolutions" key (spec.md §4.I); the 24-hour retry
// cadence it mentions is an out-of-core policy, so the core only records
// the set.
func (s *Service) recordFailedDepots(ctx context.Context, depotIDs []int64) {
	if s.deps.States == nil {
		return
	}
	if err := s.deps.States.SaveState(ctx, failedDepotResolutionsKey, string(uot.TypeGameDetection), "", "", depotIDs); err != nil {
		s.deps.Log().Error("recording failed depot resolutions", "error", err)
	}
}

// persist implements spec.md §4.I's write path: in-memory dedup is
// already structural (both maps are keyed by the row's identity), full
// scans delete-all before inserting, incremental scans upsert, and a
// unique-constraint violation is logged and swallowed as a benign race.
func (s *Service) persist(ctx context.Context, mode Mode, games map[int64]*models.CachedGameDetection, services map[string]*models.CachedServiceDetection) error {
	if mode == ModeFull {
		if err := s.gameRepo.DeleteAll(ctx); err != nil {
			return fmt.Errorf("clearing game detections before full scan write: %w", err)
		}
		if err := s.serviceRepo.DeleteAll(ctx); err != nil {
			return fmt.Errorf("clearing service detections before full scan write: %w", err)
		}
	}

	now := models.Now()
	for _, g := range games {
		g.LastDetectedUtc = now
		if g.CreatedAtUtc.IsZero() {
			g.CreatedAtUtc = now
		}
		if err := s.gameRepo.Upsert(ctx, g); err != nil {
			if isUniqueConstraintErr(err) {
				s.deps.Log().Warn("swallowing unique-constraint race persisting game detection", "gameAppId", g.GameAppId, "error", err)
				continue
			}
			return fmt.Errorf("persisting game detection %d: %w", g.GameAppId, err)
		}
	}

	for _, sv := range services {
		if s.removed != nil && s.removed.Contains(sv.ServiceName) {
			continue
		}
		sv.LastDetectedUtc = now
		if sv.CreatedAtUtc.IsZero() {
			sv.CreatedAtUtc = now
		}
		if err := s.serviceRepo.Upsert(ctx, sv); err != nil {
			if isUniqueConstraintErr(err) {
				s.deps.Log().Warn("swallowing unique-constraint race persisting service detection", "service", sv.ServiceName, "error", err)
				continue
			}
			return fmt.Errorf("persisting service detection %s: %w", sv.ServiceName, err)
		}
	}

	return nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
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

func extendUpTo(existing, additional []string, limit int) []string {
	out := append([]string(nil), existing...)
	for _, v := range additional {
		if len(out) >= limit {
			break
		}
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

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
