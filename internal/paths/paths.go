// Package paths resolves the filesystem roots the operation/orchestration
// plane reads and writes: the data directory, the operations state/progress
// directory, the database file, and the native worker binary directory
// (spec.md §4.A).
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lancache-ops/lancache-opsd/internal/config"
)

// Resolver resolves the roots a running lancache-opsd instance operates
// under. It holds no state beyond the configuration it was built from, so
// a Resolver is safe to share across goroutines.
type Resolver struct {
	dataDir       string
	operationsDir string
	dbPath        string
	binaryDir     string
	binaries      config.NativeWorkerBinaries
}

// NewResolver builds a Resolver from the ops/database/native_worker sections
// of Config. Relative paths are left relative to the process's working
// directory; callers that need an absolute path use Abs.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		dataDir:       cfg.Ops.DataDir,
		operationsDir: cfg.Ops.OperationsDir,
		dbPath:        resolveDBPath(cfg),
		binaryDir:     cfg.NativeWorker.BinaryDir,
		binaries:      cfg.NativeWorker.Binaries,
	}
}

// resolveDBPath returns the database file path. For drivers other than
// sqlite the DSN is not a filesystem path and is returned unchanged; for
// sqlite a relative DSN is anchored under the data directory.
func resolveDBPath(cfg *config.Config) string {
	if cfg.Database.Driver != "sqlite" {
		return cfg.Database.DSN
	}
	if filepath.IsAbs(cfg.Database.DSN) {
		return cfg.Database.DSN
	}
	return filepath.Join(cfg.Ops.DataDir, cfg.Database.DSN)
}

// DataDir returns the root directory for persisted application state.
func (r *Resolver) DataDir() string { return r.dataDir }

// OperationsDir returns the directory holding JSON state-store records and
// ephemeral per-operation progress/output files (spec.md §4.C/§4.E).
func (r *Resolver) OperationsDir() string { return r.operationsDir }

// DatabasePath returns the resolved database file path.
func (r *Resolver) DatabasePath() string { return r.dbPath }

// BinaryDir returns the directory native worker executables are resolved
// from. An empty string means "resolve relative to the running executable",
// handled by BinaryPath.
func (r *Resolver) BinaryDir() string { return r.binaryDir }

// BinaryPath resolves the absolute path to a named native worker binary
// (spec.md §6). When BinaryDir is unset, the binary is resolved relative to
// the directory containing the running executable.
func (r *Resolver) BinaryPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("resolving binary path: name is empty")
	}
	dir := r.binaryDir
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("resolving executable directory: %w", err)
		}
		dir = filepath.Dir(exe)
	}
	return filepath.Join(dir, name), nil
}

// LogManagerPath resolves the log-manager helper binary path.
func (r *Resolver) LogManagerPath() (string, error) {
	return r.BinaryPath(r.binaries.LogManager)
}

// LogProcessorPath resolves the log-processor helper binary path.
func (r *Resolver) LogProcessorPath() (string, error) {
	return r.BinaryPath(r.binaries.LogProcessor)
}

// CorruptionManagerPath resolves the corruption-manager helper binary path.
func (r *Resolver) CorruptionManagerPath() (string, error) {
	return r.BinaryPath(r.binaries.CorruptionManager)
}

// CacheCleanerPath resolves the cache-cleaner helper binary path.
func (r *Resolver) CacheCleanerPath() (string, error) {
	return r.BinaryPath(r.binaries.CacheCleaner)
}

// GameCacheDetectorPath resolves the game-cache-detector helper binary path.
func (r *Resolver) GameCacheDetectorPath() (string, error) {
	return r.BinaryPath(r.binaries.GameCacheDetector)
}

// GameCacheRemoverPath resolves the game-cache-remover helper binary path.
func (r *Resolver) GameCacheRemoverPath() (string, error) {
	return r.BinaryPath(r.binaries.GameCacheRemover)
}

// ServiceRemoverPath resolves the service-remover helper binary path.
func (r *Resolver) ServiceRemoverPath() (string, error) {
	return r.BinaryPath(r.binaries.ServiceRemover)
}

// EnsureDirs creates the data and operations directories (and their
// parents) if they do not already exist.
func (r *Resolver) EnsureDirs() error {
	for _, dir := range []string{r.dataDir, r.operationsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// probeFileName is the name of the file IsDirectoryWritable creates and
// removes to test writability. It is unlikely enough to collide with a
// real file that a collision is not worth guarding against.
const probeFileName = ".lancache-opsd-write-probe"

// IsDirectoryWritable reports whether path is writable by attempting to
// create and then remove a small probe file under it. It returns false
// (never an error) for any failure - missing directory, permission denied,
// read-only filesystem - since callers treat "not writable" as an ordinary,
// expected datasource state rather than a fatal condition (spec.md §4.A).
func IsDirectoryWritable(path string) bool {
	probe := filepath.Join(path, probeFileName)
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return true
}
