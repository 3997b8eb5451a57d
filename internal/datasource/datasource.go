// Package datasource implements the Datasource Registry (spec.md §4.B):
// enumerating the configured lancache instances this server operates on,
// and periodically reprobing their cache/log directory writability so the
// rest of the orchestration plane can react to a permission change without
// restarting.
package datasource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lancache-ops/lancache-opsd/internal/config"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/paths"
)

// EventDirectoryPermissionsChanged is the Notification Bus event name
// published whenever a datasource's cache or log writability flips
// (spec.md §4.B).
const EventDirectoryPermissionsChanged = "DirectoryPermissionsChanged"

// Datasource is a named (cache, log) directory pair this server operates
// on (spec.md §3). Name/CachePath/LogPath/Enabled are immutable for the
// life of the process; CacheWritable/LogsWritable are revalidated by the
// Registry's periodic reprobe.
type Datasource = models.Datasource

// PermissionsChangedEvent is the payload of an
// EventDirectoryPermissionsChanged notification.
type PermissionsChangedEvent struct {
	Name             string
	CacheWritable    bool
	LogsWritable     bool
	WasCacheWritable bool
	WasLogsWritable  bool
}

// Registry holds the configured datasources and keeps their writability
// flags current via a background reprobe loop.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Datasource
	order   []string // preserves configuration order for GetDatasources

	reprobeInterval time.Duration
	bus             *eventbus.Bus
	logger          *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Registry from the configured datasources, probing initial
// writability synchronously so GetDatasources is accurate immediately
// after construction (spec.md §4.B: "Enumerates configured datasources at
// startup").
func New(cfg *config.Config, bus *eventbus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	reprobe := cfg.Ops.DatasourceReprobeInterval
	if reprobe <= 0 {
		reprobe = 30 * time.Second
	}

	r := &Registry{
		entries:         make(map[string]*Datasource, len(cfg.Datasources)),
		reprobeInterval: reprobe,
		bus:             bus,
		logger:          logger,
	}

	for _, dsCfg := range cfg.Datasources {
		ds := &Datasource{
			Name:          dsCfg.Name,
			CachePath:     dsCfg.CachePath,
			LogPath:       dsCfg.LogPath,
			Enabled:       dsCfg.Enabled,
			Default:       dsCfg.Default,
			CacheWritable: paths.IsDirectoryWritable(dsCfg.CachePath),
			LogsWritable:  paths.IsDirectoryWritable(dsCfg.LogPath),
		}
		r.entries[ds.Name] = ds
		r.order = append(r.order, ds.Name)
	}

	return r
}

// Start launches the periodic reprobe loop. It returns immediately; call
// Stop to tear it down.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.reprobeLoop(ctx)
}

// Stop halts the reprobe loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Registry) reprobeLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.reprobeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reprobeAll(ctx)
		}
	}
}

// reprobeAll rechecks writability for every enabled datasource and
// publishes EventDirectoryPermissionsChanged for any that flipped.
func (r *Registry) reprobeAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for _, name := range r.order {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.reprobeOne(ctx, name)
	}
}

func (r *Registry) reprobeOne(ctx context.Context, name string) {
	r.mu.Lock()
	ds, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}

	wasCacheWritable := ds.CacheWritable
	wasLogsWritable := ds.LogsWritable
	cacheWritable := paths.IsDirectoryWritable(ds.CachePath)
	logsWritable := paths.IsDirectoryWritable(ds.LogPath)

	changed := cacheWritable != wasCacheWritable || logsWritable != wasLogsWritable
	ds.CacheWritable = cacheWritable
	ds.LogsWritable = logsWritable
	r.mu.Unlock()

	if !changed {
		return
	}

	r.logger.Info("datasource writability changed",
		slog.String("datasource", name),
		slog.Bool("cache_writable", cacheWritable),
		slog.Bool("logs_writable", logsWritable))

	if r.bus != nil {
		r.bus.NotifyAll(ctx, EventDirectoryPermissionsChanged, PermissionsChangedEvent{
			Name:             name,
			CacheWritable:    cacheWritable,
			LogsWritable:     logsWritable,
			WasCacheWritable: wasCacheWritable,
			WasLogsWritable:  wasLogsWritable,
		})
	}
}

// GetDatasources returns a snapshot of all configured datasources, in
// configuration order.
func (r *Registry) GetDatasources() []Datasource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Datasource, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.entries[name])
	}
	return out
}

// GetEnabledDatasources returns a snapshot of only the enabled
// datasources, in configuration order.
func (r *Registry) GetEnabledDatasources() []Datasource {
	all := r.GetDatasources()
	out := make([]Datasource, 0, len(all))
	for _, ds := range all {
		if ds.Enabled {
			out = append(out, ds)
		}
	}
	return out
}

// GetDatasource looks up a single datasource by name.
func (r *Registry) GetDatasource(name string) (Datasource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ds, ok := r.entries[name]
	if !ok {
		return Datasource{}, false
	}
	return *ds, true
}

// GetDefaultDatasource returns the datasource marked Default in
// configuration, falling back to the first enabled datasource in
// configuration order if none is marked, or ok=false if there are none at
// all (spec.md §4.B).
func (r *Registry) GetDefaultDatasource() (Datasource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *Datasource
	for _, name := range r.order {
		ds := r.entries[name]
		if ds.Default {
			return *ds, true
		}
		if fallback == nil && ds.Enabled {
			fallback = ds
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Datasource{}, false
}

// ReprobeNow forces an immediate out-of-cycle reprobe, e.g. after an
// operator reports a permission fix without waiting for the next tick.
func (r *Registry) ReprobeNow(ctx context.Context) {
	r.reprobeAll(ctx)
}
