// Package prefill implements the Prefill Session Manager (spec.md §4.M):
// per-user short-lived worker containers that log into a storefront and
// prefill the LAN cache on a user's behalf. It owns the container
// lifecycle (via internal/containerengine), the daemon wire protocol
// transport, the credential exchange, and per-session history accounting.
// internal/prefill/diagnostics covers the post-spawn network probes
// (spec.md §4.N).
package prefill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lancache-ops/lancache-opsd/internal/config"
	"github.com/lancache-ops/lancache-opsd/internal/containerengine"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/prefill/diagnostics"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
	"github.com/lancache-ops/lancache-opsd/internal/uot"
)

// Notification event names (spec.md §6).
const (
	EventDaemonSessionCreated    = "DaemonSessionCreated"
	EventDaemonSessionUpdated    = "DaemonSessionUpdated"
	EventDaemonSessionTerminated = "DaemonSessionTerminated"
	EventAuthStateChanged        = "AuthStateChanged"
	EventCredentialChallenge     = "CredentialChallenge"
	EventStatusChanged           = "StatusChanged"
	EventPrefillStateChanged     = "PrefillStateChanged"
	EventPrefillProgress         = "PrefillProgress"
	EventPrefillHistoryUpdated   = "PrefillHistoryUpdated"
	EventSessionEnded            = "SessionEnded"
)

// containerNamePrefix namespaces session containers so orphan
// reconciliation can find them by name (spec.md §4.M: "list containers
// matching the session prefix").
const containerNamePrefix = "lancache-opsd-prefill-"

// Hooks lets an external storefront-session service react to prefill
// authentication lifecycle transitions (spec.md §4.M: "Single-instance-
// per-user-OR-ban hooks"). Both are optional.
type Hooks struct {
	// OnSessionAuthenticated fires when the first authenticated session
	// overall becomes authenticated.
	OnSessionAuthenticated func()
	// OnAllSessionsLoggedOut fires when the last authenticated session
	// stops being authenticated.
	OnAllSessionsLoggedOut func()
}

// Manager owns every live prefill session and the container engine they
// run on (spec.md §4.M: "Per-user short-lived container sessions. State
// is entirely in memory keyed by sessionId and mirrored into the
// PrefillSession table.").
type Manager struct {
	cfg    config.PrefillConfig
	engine *containerengine.Engine
	bus    *eventbus.Bus
	tracker *uot.Tracker
	logger *slog.Logger

	sessionRepo repository.PrefillSessionRepository
	historyRepo repository.PrefillHistoryRepository
	bannedUsers repository.BannedSteamUserRepository
	depotCache  repository.CachedDepotManifestRepository

	hooks Hooks

	mu               sync.Mutex
	sessions         map[uuid.UUID]*Session
	byUser           map[string]uuid.UUID
	authenticatedN   int
	hostPathResolved bool
	hostPath         string

	sf singleflight.Group

	diagnostics *diagnostics.Runner
}

// New builds a Manager. engine, sessionRepo, historyRepo, bannedUsers and
// depotCache must be non-nil; bus, tracker and logger fall back to safe
// defaults.
func New(cfg config.PrefillConfig, engine *containerengine.Engine, bus *eventbus.Bus, tracker *uot.Tracker, logger *slog.Logger, sessionRepo repository.PrefillSessionRepository, historyRepo repository.PrefillHistoryRepository, bannedUsers repository.BannedSteamUserRepository, depotCache repository.CachedDepotManifestRepository, hooks Hooks) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		engine:      engine,
		bus:         bus,
		tracker:     tracker,
		logger:      logger.With("component", "prefill"),
		sessionRepo: sessionRepo,
		historyRepo: historyRepo,
		bannedUsers: bannedUsers,
		depotCache:  depotCache,
		hooks:       hooks,
		sessions:    make(map[uuid.UUID]*Session),
		byUser:      make(map[string]uuid.UUID),
		diagnostics: diagnostics.New(engine).WithTargets(cfg.DiagnosticsProbeURL, cfg.DiagnosticsDomains),
	}
}

// containerName derives the stable, prefix-bearing container name for a
// session so orphan reconciliation can find it later.
func containerName(sessionID uuid.UUID) string {
	return containerNamePrefix + sessionID.String()
}

// GetSession retrieves a live session by id.
func (m *Manager) GetSession(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetSessionByUser retrieves a live session for userID, if any.
func (m *Manager) GetSessionByUser(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// CreateSession creates (or returns the existing) session for userID,
// following spec.md §4.M's 11-step creation sequence. service selects the
// worker image and HKDF info tag ("steam" or "epic").
func (m *Manager) CreateSession(ctx context.Context, userID, service string, netOverride string) (*Session, error) {
	result, err, _ := m.sf.Do(userID, func() (any, error) {
		if existing, ok := m.GetSessionByUser(userID); ok {
			return existing, nil
		}
		return m.createSessionLocked(ctx, userID, service, netOverride)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

func (m *Manager) createSessionLocked(ctx context.Context, userID, service, netOverride string) (*Session, error) {
	sessionID := uuid.New()
	name := containerName(sessionID)

	image := m.cfg.DockerImage
	if strings.EqualFold(service, "epic") {
		image = m.cfg.EpicDockerImage
	}

	// Step 2: ensure the worker image is up to date, falling back to a
	// cached image if the pull fails (spec.md §4.M step 2).
	if err := m.engine.PullImage(ctx, image, func(p containerengine.PullProgress) {
		m.logger.DebugContext(ctx, "pulling prefill worker image", "session_id", sessionID, "status", p.Status, "detail", p.Detail)
	}); err != nil {
		m.logger.WarnContext(ctx, "image pull failed, falling back to cached image", "session_id", sessionID, "image", image, "error", err)
	}

	// Step 3: materialize per-session directories and translate to the
	// host path for bind mounts.
	dirs, err := m.materializeSessionDirs(sessionID)
	if err != nil {
		return nil, fmt.Errorf("materializing session directories: %w", err)
	}
	hostCommandsDir, hostResponsesDir := m.translateToHostPaths(ctx, dirs)

	// Step 4: network strategy.
	netStrategy, err := m.resolveNetworkStrategy(ctx, netOverride)
	if err != nil {
		return nil, fmt.Errorf("resolving network strategy: %w", err)
	}

	// Step 5/6: transport selection and socket secret.
	transportKind, tcpHostPort := m.chooseTransport()
	secret, err := generateSocketSecret()
	if err != nil {
		return nil, fmt.Errorf("generating socket secret: %w", err)
	}

	// Step 7: create and start the container.
	spec := containerengine.CreateSpec{
		Name:  name,
		Image: image,
		Cmd:   []string{"daemon"},
		Env: []string{
			"SOCKET_SECRET=" + secret,
			"TRANSPORT=" + string(transportKind),
		},
		Binds:       []string{hostCommandsDir + ":" + containerCommandsDir, hostResponsesDir + ":" + containerResponsesDir},
		NetworkMode: netStrategy.networkMode,
		DNS:         netStrategy.dnsServers,
		Sysctls:     netStrategy.sysctls,
		AutoRemove:  false,
	}
	if transportKind == transportTCP {
		spec.PortBindings = []containerengine.PortBinding{{ContainerPort: m.cfg.TcpPort, HostPort: m.cfg.HostTcpPort}}
	}

	containerID, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("creating session container: %w", err)
	}
	if err := m.engine.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("starting session container: %w", err)
	}

	// Step 8: give the daemon a moment to come up, then check it hasn't
	// already exited (spec.md §4.M step 8).
	time.Sleep(1 * time.Second)
	info, err := m.engine.InspectContainer(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting session container after start: %w", err)
	}
	if !info.Running {
		logs, _ := m.engine.ContainerLogs(ctx, containerID, 50)
		_ = m.engine.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("session container exited immediately; last logs:\n%s", logs)
	}

	// Step 9: in-container network diagnostics. Never fails creation.
	diag := m.diagnostics.Run(ctx, containerID)

	// Step 10: connect the daemon transport.
	transport, err := m.connectTransport(ctx, transportKind, hostResponsesDir, tcpHostPort, secret)
	if err != nil {
		_ = m.engine.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("connecting daemon transport: %w", err)
	}

	session := newSession(m, sessionID, userID, service, containerID, name, secret, transport, diag)

	serveCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel
	go transport.Serve(serveCtx, session.eventHandlers())

	// Step 11: persist and emit.
	if err := session.persist(ctx); err != nil {
		cancel()
		_ = transport.Close()
		_ = m.engine.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.byUser[userID] = sessionID
	m.mu.Unlock()

	m.bus.NotifyAll(ctx, EventDaemonSessionCreated, SessionCreatedEvent{SessionID: sessionID, UserID: userID, Service: service})
	return session, nil
}

// SessionCreatedEvent is EventDaemonSessionCreated's payload.
type SessionCreatedEvent struct {
	SessionID uuid.UUID
	UserID    string
	Service   string
}

// onSessionAuthenticated fires Hooks.OnSessionAuthenticated exactly once,
// on the transition into the first authenticated session overall (spec.md
// §4.M).
func (m *Manager) onSessionAuthenticated(s *Session) {
	m.mu.Lock()
	m.authenticatedN++
	first := m.authenticatedN == 1
	m.mu.Unlock()
	if first && m.hooks.OnSessionAuthenticated != nil {
		m.hooks.OnSessionAuthenticated()
	}
}

// onSessionLoggedOut fires Hooks.OnAllSessionsLoggedOut when the last
// authenticated session stops being authenticated.
func (m *Manager) onSessionLoggedOut(s *Session) {
	m.mu.Lock()
	if m.authenticatedN > 0 {
		m.authenticatedN--
	}
	last := m.authenticatedN == 0
	m.mu.Unlock()
	if last && m.hooks.OnAllSessionsLoggedOut != nil {
		m.hooks.OnAllSessionsLoggedOut()
	}
}

// removeSession drops a session from the live maps, called once its
// container has been stopped and directories removed.
func (m *Manager) removeSession(id uuid.UUID, userID string) {
	m.mu.Lock()
	delete(m.sessions, id)
	if m.byUser[userID] == id {
		delete(m.byUser, userID)
	}
	m.mu.Unlock()
}

// ReconcileOrphans lists containers matching the session prefix and marks
// any whose DB row is not already terminal as Orphaned, stops/removes
// them, then marks them Cleaned (spec.md §4.M: "Orphan reconciliation").
// Run once at startup, before any new session is created.
func (m *Manager) ReconcileOrphans(ctx context.Context) error {
	active, err := m.sessionRepo.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("loading active sessions for reconciliation: %w", err)
	}

	// List what's actually running so an orphan whose container is
	// already gone doesn't waste a stop/remove round-trip.
	if _, err := m.engine.ListContainers(ctx, containerNamePrefix); err != nil {
		return fmt.Errorf("listing prefill containers: %w", err)
	}

	for _, sess := range active {
		if err := m.sessionRepo.UpdateStatus(ctx, sess.SessionId, models.PrefillSessionOrphaned, nil, nil, nil); err != nil {
			m.logger.ErrorContext(ctx, "failed to mark session orphaned", "session_id", sess.SessionId, "error", err)
			continue
		}

		if sess.ContainerId != nil {
			if err := m.engine.StopContainer(ctx, *sess.ContainerId, waitBeforeKill); err != nil {
				m.logger.WarnContext(ctx, "failed to stop orphaned container", "session_id", sess.SessionId, "error", err)
			}
			if err := m.engine.RemoveContainer(ctx, *sess.ContainerId, true); err != nil {
				m.logger.WarnContext(ctx, "failed to remove orphaned container", "session_id", sess.SessionId, "error", err)
			}
		}
		removeSessionDirs(m.cfg, sess.SessionId)

		reason := "orphaned at startup"
		now := models.Now()
		if err := m.sessionRepo.UpdateStatus(ctx, sess.SessionId, models.PrefillSessionCleaned, &now, &reason, nil); err != nil {
			m.logger.ErrorContext(ctx, "failed to mark session cleaned", "session_id", sess.SessionId, "error", err)
		}
	}

	return nil
}
