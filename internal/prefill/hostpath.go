package prefill

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/config"
	"github.com/lancache-ops/lancache-opsd/internal/containerengine"
)

// Well-known in-container mount points for a session's command/response
// directories (spec.md §4.M step 3/7).
const (
	containerCommandsDir  = "/prefill/commands"
	containerResponsesDir = "/prefill/responses"
)

// waitBeforeKill is the grace period StopContainer is given before the
// engine escalates to a kill (spec.md §4.M termination: "WaitBeforeKill=1s").
const waitBeforeKill = 1 * time.Second

// sessionDirs are the session-root-relative directories materialized for
// one session (spec.md §4.M step 3).
type sessionDirs struct {
	root         string
	commandsDir  string
	responsesDir string
}

// materializeSessionDirs creates the per-session command/response
// directories under the configured sessions root.
func (m *Manager) materializeSessionDirs(sessionID uuid.UUID) (sessionDirs, error) {
	root := filepath.Join(m.cfg.DaemonBasePath, sessionID.String())
	dirs := sessionDirs{
		root:         root,
		commandsDir:  filepath.Join(root, "commands"),
		responsesDir: filepath.Join(root, "responses"),
	}
	for _, dir := range []string{dirs.commandsDir, dirs.responsesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sessionDirs{}, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return dirs, nil
}

// removeSessionDirs deletes a session's directories, tolerating a root
// that was never created or already removed (spec.md §4.M termination:
// "Always delete the session's directories").
func removeSessionDirs(cfg config.PrefillConfig, sessionID uuid.UUID) {
	root := filepath.Join(cfg.DaemonBasePath, sessionID.String())
	_ = os.RemoveAll(root)
}

// translateToHostPaths resolves the host filesystem path Docker should
// bind-mount from, translating this process's own internal path when it
// itself runs inside a container (spec.md §4.M step 3: "inspect our own
// mounts to learn the host mount point; cache the result; on failure, log
// a warning and fall back to the container-local path").
func (m *Manager) translateToHostPaths(ctx context.Context, dirs sessionDirs) (hostCommandsDir, hostResponsesDir string) {
	base := m.hostSessionsRoot(ctx)
	return filepath.Join(base, filepath.Base(dirs.root), "commands"),
		filepath.Join(base, filepath.Base(dirs.root), "responses")
}

// hostSessionsRoot resolves and caches the host-side path corresponding to
// cfg.DaemonBasePath. If config.PrefillConfig.HostDataPath is set, that
// wins outright. Otherwise, when this process is itself containerized,
// the own-container mount list is inspected once for the bind source
// whose destination matches DaemonBasePath; failing that, the
// container-local path is used as-is (bind mounts then happen at the same
// path on both sides, which is only correct for a non-containerized
// host — logged as a warning).
func (m *Manager) hostSessionsRoot(ctx context.Context) string {
	m.mu.Lock()
	if m.hostPathResolved {
		defer m.mu.Unlock()
		return m.hostPath
	}
	m.mu.Unlock()

	resolved := m.cfg.DaemonBasePath
	if m.cfg.HostDataPath != "" {
		resolved = m.cfg.HostDataPath
	} else if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		if info, err := m.engine.InspectContainer(ctx, hostname); err == nil {
			if src, ok := hostMountSource(info, m.cfg.DaemonBasePath); ok {
				resolved = src
			} else {
				m.logger.WarnContext(ctx, "own container has no mount covering the sessions root; falling back to container-local path", "path", m.cfg.DaemonBasePath)
			}
		} else {
			m.logger.WarnContext(ctx, "could not inspect own container for host path translation; falling back to container-local path", "error", err)
		}
	}

	m.mu.Lock()
	m.hostPath = resolved
	m.hostPathResolved = true
	m.mu.Unlock()
	return resolved
}

// hostMountSource finds the mount whose in-container destination is a
// prefix of path, returning the host source with that prefix swapped in.
func hostMountSource(info containerengine.ContainerInfo, path string) (string, bool) {
	for _, mnt := range info.Mounts {
		if mnt.Destination == "" {
			continue
		}
		if len(path) >= len(mnt.Destination) && path[:len(mnt.Destination)] == mnt.Destination {
			return mnt.Source + path[len(mnt.Destination):], true
		}
	}
	return "", false
}

// generateSocketSecret returns a 32-byte random hex-encoded token used as
// an HMAC/auth token for the local transport (spec.md §4.M step 6).
func generateSocketSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating socket secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
