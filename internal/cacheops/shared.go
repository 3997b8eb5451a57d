// Package cacheops holds the pieces shared by the four cache-operations
// services (Cache Clearing 4.G, Corruption Detection 4.H, Game Cache
// Detection 4.I, Game/Service Removal 4.J): target-datasource selection,
// bucket-directory enumeration for progress weighting, and the
// dependency bundle every service is built from.
package cacheops

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lancache-ops/lancache-opsd/internal/datasource"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/operationstate"
	"github.com/lancache-ops/lancache-opsd/internal/paths"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// Deps bundles the process-wide singletons every cache-operations service
// is constructed from (spec.md §9: "process-wide singletons... passed by
// reference into each subsystem").
type Deps struct {
	Tracker    *uot.Tracker
	Supervisor *nativeworker.Supervisor
	Registry   *datasource.Registry
	Bus        *eventbus.Bus
	Paths      *paths.Resolver
	States     *operationstate.Store
	Logger     *slog.Logger
}

// Log returns d.Logger, falling back to slog.Default() so callers never
// need a nil check of their own.
func (d Deps) Log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// bucketDirName matches the two-hex-character bucket subdirectory names a
// lancache cache tree is sharded into (spec.md §4.G).
var bucketDirName = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)

// CountBucketDirs counts the immediate subdirectories of path whose name
// is exactly two hex characters — the unit of work a cache-clear or scan
// is sized by (spec.md §4.G). A path that does not exist counts as zero,
// not an error: SelectTargets has already decided whether that is fatal.
func CountBucketDirs(path string) int {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() && bucketDirName.MatchString(entry.Name()) {
			count++
		}
	}
	return count
}

// ErrNoWritableTarget is returned by SelectTargets when every candidate
// datasource exists but none is writable.
var ErrNoWritableTarget = fmt.Errorf("no writable datasource available")

// SelectTargets resolves the operation's requested target — a single
// named datasource, or "" for all — into the list of datasources whose
// cache directory is currently writable, per spec.md §4.G's target
// selection rule: "Before work begins, collect the set of datasources
// that (a) exist on disk, (b) are writable. If the full set is
// non-empty but no writable target remains, fail immediately... Emit a
// warning listing skipped read-only datasources."
//
// requireLogWritable additionally requires LogsWritable (service removal
// needs the log directory writable too, spec.md §4.J).
func SelectTargets(all []models.Datasource, target string, requireLogWritable bool) (targets []models.Datasource, skipped []string, err error) {
	var candidates []models.Datasource
	if target != "" {
		found := false
		for _, ds := range all {
			if ds.Name == target {
				candidates = append(candidates, ds)
				found = true
				break
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("unknown datasource %q", target)
		}
	} else {
		for _, ds := range all {
			if ds.Enabled {
				candidates = append(candidates, ds)
			}
		}
	}

	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("no enabled datasources configured")
	}

	for _, ds := range candidates {
		writable := ds.CacheWritable && (!requireLogWritable || ds.LogsWritable)
		if writable {
			targets = append(targets, ds)
		} else {
			skipped = append(skipped, ds.Name)
		}
	}

	if len(targets) == 0 {
		return nil, skipped, fmt.Errorf("%w: all %d candidate datasource(s) are read-only", ErrNoWritableTarget, len(candidates))
	}

	return targets, skipped, nil
}

// ProgressShare computes [start, end) sub-range boundaries for len(weights)
// sequential units of work, each weighted proportionally to its entry in
// weights (e.g. per-datasource bucket counts), within an outer [start,
// end] percent budget (spec.md §4.I's "30-70 per-datasource scan, evenly
// apportioned" is the weights-all-equal special case of this).
func ProgressShare(start, end float64, weights []int) []struct{ Start, End float64 } {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		total = len(weights)
		for i := range weights {
			weights[i] = 1
		}
	}

	bounds := make([]struct{ Start, End float64 }, len(weights))
	span := end - start
	cursor := start
	for i, w := range weights {
		share := span * float64(w) / float64(total)
		bounds[i] = struct{ Start, End float64 }{Start: cursor, End: cursor + share}
		cursor += share
	}
	if len(bounds) > 0 {
		bounds[len(bounds)-1].End = end
	}
	return bounds
}

// recentlyRemovedTTL is how long a removed service/game name is filtered
// out of subsequent detection results, so a user-triggered removal is not
// immediately contradicted by a scan that was already in flight (spec.md
// §4.H).
const recentlyRemovedTTL = 5 * time.Minute

// RecentlyRemovedSet tracks names removed via Game/Service Removal (4.J)
// for a grace period, consulted by Corruption Detection (4.H) and Game
// Cache Detection (4.I) before publishing results.
type RecentlyRemovedSet struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

// NewRecentlyRemovedSet builds an empty set.
func NewRecentlyRemovedSet() *RecentlyRemovedSet {
	return &RecentlyRemovedSet{expires: make(map[string]time.Time)}
}

// Mark records name (case-insensitively) as recently removed.
func (s *RecentlyRemovedSet) Mark(name string) {
	key := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[key] = time.Now().Add(recentlyRemovedTTL)
}

// Contains reports whether name was marked removed within the grace
// period, lazily evicting expired entries it happens to check.
func (s *RecentlyRemovedSet) Contains(name string) bool {
	key := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.expires[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.expires, key)
		return false
	}
	return true
}
