// Package logmonitor implements the Live Log Monitor (spec.md §4.K): a
// per-datasource background tick loop that notices access.log growth and
// hands new lines to the log-processor helper, plus a manual,
// UOT-tracked full recount via the log-manager helper.
package logmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/cacheops"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/nativeworker"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

const accessLogName = "access.log"

// recountEntityKey is constant because at most one manual recount may run
// process-wide (spec.md §4.K: "a concurrent manual processor").
const recountEntityKey = "global"

// maxCountAttempts bounds the line-count retry loop on transient I/O lock
// errors (spec.md §4.K: "retry up to 5 times with exponential backoff").
const maxCountAttempts = 5

// EventServiceCountsRefreshed is published when a manual recount
// completes, extending spec.md §6's event vocabulary by the same
// `<Type><Verb>` convention other cache-ops services use.
const EventServiceCountsRefreshed = "ServiceCountsRefreshed"

// logMonitorStateKey is the Operation State Store key a datasource's
// persisted line position is saved under, so a restart resumes from the
// last successfully processed line rather than replaying the file
// (spec.md §4.K: "on all subsequent runs, position is taken from
// persisted state").
func logMonitorStateKey(datasourceName string) string {
	return "LogMonitorPosition_" + datasourceName
}

type persistedPosition struct {
	LinePosition int64 `json:"line_position"`
}

// state is one datasource's in-memory tick bookkeeping.
type state struct {
	initialized           bool
	lastSize              int64
	lastLineCount         int64
	absent                bool
	permissionErrorCount  int
	permissionErrorActive bool
	nextAttemptAt         time.Time
}

// recountProgress mirrors log-manager's progress/output JSON (spec.md §6).
type recountProgress struct {
	IsProcessing    bool             `json:"is_processing"`
	PercentComplete float64          `json:"percent_complete"`
	Status          string           `json:"status"`
	Message         string           `json:"message"`
	LinesProcessed  int64            `json:"lines_processed"`
	ServiceCounts   map[string]int64 `json:"service_counts"`
}

// Monitor runs the Live Log Monitor's tick loop and exposes the pause
// gate that removal flows hold around their critical section (spec.md
// §4.K, §5 "Process-wide singletons... the Live Log Monitor pause gate").
type Monitor struct {
	deps            cacheops.Deps
	interval        time.Duration
	growthThreshold int64
	backoffCap      time.Duration

	paused atomic.Bool

	mu     sync.Mutex
	states map[string]*state

	countsMu      sync.Mutex
	serviceCounts map[string]int64
}

// New builds a Monitor. A zero interval/backoffCap falls back to spec.md
// §4.K's defaults (1s tick, 60s backoff cap).
func New(deps cacheops.Deps, interval time.Duration, growthThreshold int64, backoffCap time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}
	return &Monitor{
		deps:            deps,
		interval:        interval,
		growthThreshold: growthThreshold,
		backoffCap:      backoffCap,
		states:          make(map[string]*state),
	}
}

// Pause suspends the tick loop's work. Consumers that mutate log files
// (notably Game/Service Removal) hold this around their critical section
// so the monitor doesn't observe a file mid-mutation.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Resume lifts a prior Pause.
func (m *Monitor) Resume() { m.paused.Store(false) }

// Run blocks, ticking every m.interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.paused.Load() {
				continue
			}
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	for _, ds := range m.deps.Registry.GetDatasources() {
		if !ds.Enabled {
			continue
		}
		m.tickOne(ctx, ds)
	}
}

func (m *Monitor) stateFor(ctx context.Context, name string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[name]; ok {
		return st
	}

	st := &state{}
	if rec, err := m.deps.States.GetState(ctx, logMonitorStateKey(name)); err == nil && rec != nil {
		var p persistedPosition
		if json.Unmarshal(rec.Data, &p) == nil {
			st.lastLineCount = p.LinePosition
			st.initialized = true
		}
	}
	m.states[name] = st
	return st
}

func (m *Monitor) savePosition(ctx context.Context, name string, st *state) {
	err := m.deps.States.SaveState(ctx, logMonitorStateKey(name), string(uot.TypeLogProcessing), "", "", persistedPosition{LinePosition: st.lastLineCount})
	if err != nil {
		m.deps.Log().Warn("persisting log monitor position", "datasource", name, "error", err)
	}
}

func (m *Monitor) tickOne(ctx context.Context, ds models.Datasource) {
	st := m.stateFor(ctx, ds.Name)

	if time.Now().Before(st.nextAttemptAt) {
		return
	}

	logPath := filepath.Join(ds.LogPath, accessLogName)
	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsPermission(err) {
			m.recordPermissionError(ds.Name, st, err)
			return
		}
		if !st.absent {
			st.absent = true
			m.deps.Log().Info("access log absent", "datasource", ds.Name, "path", logPath)
		}
		return
	}
	if st.absent {
		st.absent = false
		m.deps.Log().Info("access log present", "datasource", ds.Name, "path", logPath)
	}

	if !st.initialized {
		// Fresh install for this datasource: initialize to end-of-file so
		// the first run does not replay the entire file (spec.md §4.K).
		lineCount, err := countLinesWithRetry(logPath)
		if err != nil {
			m.handleCountError(ds.Name, st, err)
			return
		}
		st.lastSize = info.Size()
		st.lastLineCount = lineCount
		st.initialized = true
		m.savePosition(ctx, ds.Name, st)
		return
	}

	if info.Size()-st.lastSize < m.growthThreshold {
		return
	}

	if m.concurrentOperationActive() {
		return
	}

	lineCount, err := countLinesWithRetry(logPath)
	if err != nil {
		m.handleCountError(ds.Name, st, err)
		return
	}
	if st.permissionErrorActive {
		st.permissionErrorActive = false
		st.permissionErrorCount = 0
		m.deps.Log().Info("permissions restored", "datasource", ds.Name)
	}

	startPosition := st.lastLineCount
	if lineCount < startPosition {
		startPosition = lineCount // rotation/truncation
	}

	if err := m.runProcessor(ctx, ds, logPath, startPosition); err != nil {
		m.deps.Log().Error("log-processor invocation failed", "datasource", ds.Name, "error", err)
		return
	}

	st.lastSize = info.Size()
	st.lastLineCount = lineCount
	m.savePosition(ctx, ds.Name, st)
}

func (m *Monitor) handleCountError(name string, st *state, err error) {
	if os.IsPermission(err) {
		m.recordPermissionError(name, st, err)
		return
	}
	m.deps.Log().Error("counting access log lines", "datasource", name, "error", err)
}

func (m *Monitor) recordPermissionError(name string, st *state, err error) {
	st.permissionErrorCount++
	backoff := time.Duration(math.Pow(2, float64(st.permissionErrorCount-1))) * time.Second
	if backoff > m.backoffCap {
		backoff = m.backoffCap
	}
	st.nextAttemptAt = time.Now().Add(backoff)
	if !st.permissionErrorActive {
		st.permissionErrorActive = true
		m.deps.Log().Warn("permission denied reading access log", "datasource", name, "error", err, "next_attempt_in", backoff)
	}
}

// concurrentOperationActive reports whether a manual recount or a
// game/service removal is in flight, any of which should pause the
// automatic tick loop's processing this round (spec.md §4.K).
func (m *Monitor) concurrentOperationActive() bool {
	for _, t := range []uot.Type{uot.TypeLogProcessing, uot.TypeGameRemoval, uot.TypeServiceRemoval} {
		typeFilter := t
		if len(m.deps.Tracker.GetActiveOperations(&typeFilter)) > 0 {
			return true
		}
	}
	return false
}

func (m *Monitor) runProcessor(ctx context.Context, ds models.Datasource, logPath string, startPosition int64) error {
	binPath, err := m.deps.Paths.LogProcessorPath()
	if err != nil {
		return err
	}
	args := []string{logPath, strconv.FormatInt(startPosition, 10), "--silent", "--datasource", ds.Name}
	result, err := m.deps.Supervisor.ExecuteProcess(ctx, nativeworker.StartInfo{
		Name:       "log-processor",
		BinaryPath: binPath,
		Args:       args,
	}, "", nil)
	if err != nil {
		return fmt.Errorf("running log-processor on datasource %s: %w", ds.Name, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("log-processor exited %d on datasource %s: %s", result.ExitCode, ds.Name, result.Stderr)
	}
	return nil
}

// countLines counts newline bytes in path.
func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var count int64
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		count += int64(bytes.Count(buf[:n], []byte{'\n'}))
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return count, nil
}

// countLinesWithRetry retries a transient I/O lock error up to
// maxCountAttempts times with exponential backoff; a permission error is
// returned immediately so the caller's consecutive-error backoff gate
// handles it instead (spec.md §4.K).
func countLinesWithRetry(path string) (int64, error) {
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < maxCountAttempts; attempt++ {
		count, err := countLines(path)
		if err == nil {
			return count, nil
		}
		if os.IsPermission(err) {
			return 0, err
		}
		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
	}
	return 0, fmt.Errorf("counting lines in %s after %d attempts: %w", path, maxCountAttempts, lastErr)
}

// StartManualRecount begins a full service-usage recount across every
// enabled datasource via the log-manager helper (spec.md §6's `count
// <logDir> <progressJsonPath>` contract). Unlike the tick loop this is
// UOT-tracked, single-flight process-wide, and refreshes the in-memory
// service-count cache Invalidate clears.
func (m *Monitor) StartManualRecount(ctx context.Context) (uuid.UUID, error) {
	var targets []models.Datasource
	for _, ds := range m.deps.Registry.GetDatasources() {
		if ds.Enabled {
			targets = append(targets, ds)
		}
	}
	if len(targets) == 0 {
		return uuid.Nil, fmt.Errorf("no enabled datasources configured")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	id, err := m.deps.Tracker.Register(uot.TypeLogProcessing, "Recount service cache usage", recountEntityKey, uot.NewCancelHandle(cancel), nil)
	if err != nil {
		cancel()
		return uuid.Nil, err
	}

	go m.runRecount(runCtx, id, targets)
	return id, nil
}

func (m *Monitor) runRecount(ctx context.Context, id uuid.UUID, targets []models.Datasource) {
	weights := make([]int, len(targets))
	for i := range weights {
		weights[i] = 1
	}
	shares := cacheops.ProgressShare(0, 100, weights)

	aggregate := make(map[string]int64)
	for i, ds := range targets {
		if ctx.Err() != nil {
			break
		}
		counts, err := m.countOne(ctx, id, ds, shares[i])
		if err != nil {
			m.deps.Tracker.Complete(id, false, err)
			return
		}
		for name, n := range counts {
			aggregate[strings.ToLower(name)] += n
		}
	}

	if ctx.Err() != nil {
		m.deps.Tracker.Complete(id, true, nil) // Complete treats a cancelling Operation as Cancelled regardless of success
		return
	}

	m.countsMu.Lock()
	m.serviceCounts = aggregate
	m.countsMu.Unlock()

	m.deps.Tracker.Complete(id, true, nil)
	if m.deps.Bus != nil {
		m.deps.Bus.NotifyTerminal(ctx, EventServiceCountsRefreshed, aggregate)
	}
}

func (m *Monitor) countOne(ctx context.Context, id uuid.UUID, ds models.Datasource, share struct{ Start, End float64 }) (map[string]int64, error) {
	progressPath := filepath.Join(m.deps.Paths.OperationsDir(), fmt.Sprintf("recount-%s-%s.json", id, ds.Name))
	defer nativeworker.DeleteTemporaryFile(progressPath)

	binPath, err := m.deps.Paths.LogManagerPath()
	if err != nil {
		return nil, err
	}

	result, err := m.deps.Supervisor.ExecuteProcess(ctx, nativeworker.StartInfo{
		Name:       "log-manager",
		BinaryPath: binPath,
		Args:       []string{ds.LogPath, progressPath},
	}, progressPath, func(raw []byte) {
		var p recountProgress
		if json.Unmarshal(raw, &p) != nil {
			return
		}
		pct := share.Start + (share.End-share.Start)*clamp01(p.PercentComplete/100)
		m.deps.Tracker.UpdateProgress(id, pct, fmt.Sprintf("%s: %s", ds.Name, p.Message))
	})
	if err != nil {
		return nil, fmt.Errorf("recounting datasource %s: %w", ds.Name, err)
	}
	if result.Cancelled {
		return nil, nil
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("log-manager exited %d on datasource %s: %s", result.ExitCode, ds.Name, result.Stderr)
	}

	raw, ok := nativeworker.ReadProgressFileRaw(progressPath)
	if !ok {
		return nil, fmt.Errorf("reading log-manager output for datasource %s", ds.Name)
	}
	var p recountProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing log-manager output for datasource %s: %w", ds.Name, err)
	}
	return p.ServiceCounts, nil
}

// GetServiceCounts returns a snapshot of the last completed recount's
// per-service counts, keyed lower-case.
func (m *Monitor) GetServiceCounts() map[string]int64 {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	out := make(map[string]int64, len(m.serviceCounts))
	for k, v := range m.serviceCounts {
		out[k] = v
	}
	return out
}

// Invalidate clears the cached service counts, satisfying
// removal.ServiceCountCache: a removal drops the cache so a stale count
// isn't served until the next recount.
func (m *Monitor) Invalidate() {
	m.countsMu.Lock()
	m.serviceCounts = nil
	m.countsMu.Unlock()
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
