package prefill

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lancache-ops/lancache-opsd/internal/models"
	"github.com/lancache-ops/lancache-opsd/internal/prefill/diagnostics"
	"github.com/lancache-ops/lancache-opsd/internal/repository"
)

// Session is one user's live prefill session: its container, its daemon
// transport, its authentication state, and its prefill-run progress and
// history accounting (spec.md §4.M). State lives entirely in memory and
// is mirrored into the PrefillSession/PrefillHistoryEntry tables.
type Session struct {
	manager *Manager

	mu sync.Mutex

	sessionID     uuid.UUID
	userID        string
	service       string
	containerID   string
	containerName string
	secret        string

	transport *Transport
	cancel    context.CancelFunc

	diag diagnostics.Result

	auth             *authMachine
	challengeArrived chan struct{}
	bannedUsers      repository.BannedSteamUserRepository

	createdAt time.Time
	expiresAt time.Time

	// Prefill-run progress accounting (spec.md §4.M "Prefill run").
	isPrefilling           bool
	currentAppID           int64
	currentAppName         string
	currentHistoryID       models.ULID
	currentBytesDownloaded int64
	finalizedBytes         int64

	terminated bool
}

// newSession constructs a Session for a just-started container. It does
// not persist or register the session; the caller does both.
func newSession(m *Manager, sessionID uuid.UUID, userID, service, containerID, containerName, secret string, transport *Transport, diag diagnostics.Result) *Session {
	now := time.Now()
	return &Session{
		manager:          m,
		sessionID:        sessionID,
		userID:           userID,
		service:          service,
		containerID:      containerID,
		containerName:    containerName,
		secret:           secret,
		transport:        transport,
		diag:             diag,
		auth:             newAuthMachine(),
		challengeArrived: make(chan struct{}, 1),
		bannedUsers:      m.bannedUsers,
		createdAt:        now,
		expiresAt:        now.Add(m.cfg.SessionTimeout()),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.sessionID }

// UserID returns the owning user's identifier.
func (s *Session) UserID() string { return s.userID }

// Diagnostics returns the network diagnostics captured at session start
// (spec.md §4.N: "Results attach to the session").
func (s *Session) Diagnostics() diagnostics.Result {
	return s.diag
}

// syncAuthenticated mirrors an auth-state transition's terminal fact onto
// the durable PrefillSession row.
func (s *Session) syncAuthenticated(ctx context.Context, authenticated bool) {
	row, err := s.manager.sessionRepo.GetByID(ctx, s.sessionID)
	if err != nil {
		s.manager.logger.WarnContext(ctx, "could not load session row to sync auth flag", "session_id", s.sessionID, "error", err)
		return
	}
	row.IsAuthenticated = authenticated
	if err := s.manager.sessionRepo.Update(ctx, row); err != nil {
		s.manager.logger.WarnContext(ctx, "failed to sync session auth flag", "session_id", s.sessionID, "error", err)
	}
}

// syncPrefilling mirrors the current prefill-run state onto the durable
// PrefillSession row.
func (s *Session) syncPrefilling(ctx context.Context, prefilling bool) {
	row, err := s.manager.sessionRepo.GetByID(ctx, s.sessionID)
	if err != nil {
		s.manager.logger.WarnContext(ctx, "could not load session row to sync prefilling flag", "session_id", s.sessionID, "error", err)
		return
	}
	row.IsPrefilling = prefilling
	if err := s.manager.sessionRepo.Update(ctx, row); err != nil {
		s.manager.logger.WarnContext(ctx, "failed to sync session prefilling flag", "session_id", s.sessionID, "error", err)
	}
}

// persist writes the initial PrefillSession row (spec.md §4.M step 11).
func (s *Session) persist(ctx context.Context) error {
	containerID := s.containerID
	containerName := s.containerName
	row := &models.PrefillSession{
		SessionId:       s.sessionID,
		ContainerId:     &containerID,
		ContainerName:   &containerName,
		Status:          models.PrefillSessionActive,
		IsAuthenticated: false,
		IsPrefilling:    false,
		CreatedAtUtc:    s.createdAt,
		ExpiresAtUtc:    s.expiresAt,
	}
	return s.manager.sessionRepo.Create(ctx, row)
}

// eventHandlers wires the transport's server-initiated events into this
// session's auth and progress handling (spec.md §4.M step 10).
func (s *Session) eventHandlers() EventHandlers {
	return EventHandlers{
		OnChallenge: func(p CredentialChallengePayload) {
			s.handleChallenge(context.Background(), p)
		},
		OnStatus: func(payload map[string]any) {
			s.handleStatus(context.Background(), payload)
		},
		OnProgress: func(payload map[string]any) {
			s.handleProgress(context.Background(), payload)
		},
		OnError: func(message string) {
			s.manager.logger.Error("prefill daemon reported an error", "session_id", s.sessionID, "message", message)
			s.manager.bus.NotifyAll(context.Background(), EventPrefillProgress, progressErrorEvent{SessionID: s.sessionID, Message: message})
		},
		OnDisconnect: func(err error) {
			s.manager.logger.Warn("prefill daemon transport disconnected", "session_id", s.sessionID, "error", err)
		},
	}
}

// progressErrorEvent is a lightweight payload for a daemon-reported error
// that doesn't fit the structured progress schema.
type progressErrorEvent struct {
	SessionID uuid.UUID
	Message   string
}

// notifyAuthState publishes an auth-state transition.
func (s *Session) notifyAuthState(ctx context.Context, state AuthState) {
	s.manager.bus.NotifyAll(ctx, EventAuthStateChanged, AuthStateChangedEvent{SessionID: s.sessionID, State: state})
}

// AuthStateChangedEvent is EventAuthStateChanged's payload.
type AuthStateChangedEvent struct {
	SessionID uuid.UUID
	State     AuthState
}

// notifyCredentialChallenge publishes a new pending challenge.
func (s *Session) notifyCredentialChallenge(ctx context.Context, payload CredentialChallengePayload) {
	s.manager.bus.NotifyAll(ctx, EventCredentialChallenge, CredentialChallengeEvent{SessionID: s.sessionID, Challenge: payload})
}

// CredentialChallengeEvent is EventCredentialChallenge's payload.
type CredentialChallengeEvent struct {
	SessionID uuid.UUID
	Challenge CredentialChallengePayload
}

// notifyStatusChanged publishes a raw daemon status-update.
func (s *Session) notifyStatusChanged(ctx context.Context, payload map[string]any) {
	s.manager.bus.NotifyAll(ctx, EventStatusChanged, StatusChangedEvent{SessionID: s.sessionID, Status: payload})
}

// StatusChangedEvent is EventStatusChanged's payload.
type StatusChangedEvent struct {
	SessionID uuid.UUID
	Status    map[string]any
}

// StartPrefill begins a prefill run, optionally hinting the daemon about
// already-cached depot manifests so it can skip up-to-date apps (spec.md
// §4.M: "the manager optionally includes the current set of cached-depot
// manifests").
func (s *Session) StartPrefill(ctx context.Context, opts PrefillOptions) error {
	params := opts.toParameters()

	if cached, err := s.manager.depotCache.GetAll(ctx); err == nil {
		manifests := make([]map[string]any, 0, len(cached))
		for _, c := range cached {
			manifests = append(manifests, map[string]any{
				"appId":      c.AppId,
				"depotId":    c.DepotId,
				"manifestId": c.ManifestId,
			})
		}
		params["cachedDepotManifests"] = manifests
	} else {
		s.manager.logger.WarnContext(ctx, "could not load cached depot manifests; prefill will skip-detect nothing", "session_id", s.sessionID, "error", err)
	}

	resp, err := s.transport.Send(ctx, "start-prefill", params, 10*time.Second)
	if err != nil {
		return fmt.Errorf("starting prefill: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("daemon rejected prefill start: %s", resp.Error)
	}

	s.mu.Lock()
	s.isPrefilling = true
	s.mu.Unlock()
	s.syncPrefilling(ctx, true)
	return nil
}

// PrefillOptions are the caller-provided prefill run parameters (spec.md
// §4.M: "all|recent|recentlyPurchased|top|force|operatingSystems|
// maxConcurrency").
type PrefillOptions struct {
	All               bool
	Recent            bool
	RecentlyPurchased bool
	Top               int
	Force             bool
	OperatingSystems  []string
	MaxConcurrency    int
}

func (o PrefillOptions) toParameters() map[string]any {
	params := map[string]any{
		"all":               o.All,
		"recent":            o.Recent,
		"recentlyPurchased": o.RecentlyPurchased,
		"force":             o.Force,
	}
	if o.Top > 0 {
		params["top"] = o.Top
	}
	if len(o.OperatingSystems) > 0 {
		params["operatingSystems"] = o.OperatingSystems
	}
	if o.MaxConcurrency > 0 {
		params["maxConcurrency"] = o.MaxConcurrency
	}
	return params
}

// handleProgress implements spec.md §4.M's "Prefill run" history
// accounting from a single progress-update event.
func (s *Session) handleProgress(ctx context.Context, payload map[string]any) {
	appID := int64FromAny(payload["currentAppId"])
	appName, _ := payload["currentAppName"].(string)
	bytesDownloaded := int64FromAny(payload["bytesDownloaded"])
	state, _ := payload["state"].(string)
	result, _ := payload["result"].(string)

	s.mu.Lock()
	prevAppID := s.currentAppID
	appChanged := appID != 0 && appID != prevAppID
	s.mu.Unlock()

	if appChanged {
		s.completeCurrentApp(ctx, bytesCompletedStatus(s.currentBytesDownloaded))
		s.beginApp(ctx, appID, appName)
	}

	s.mu.Lock()
	s.currentBytesDownloaded = bytesDownloaded
	total := s.finalizedBytes + bytesDownloaded
	s.mu.Unlock()

	s.manager.bus.NotifyAll(ctx, EventPrefillProgress, PrefillProgressEvent{
		SessionID:             s.sessionID,
		State:                 state,
		CurrentAppID:          appID,
		CurrentAppName:        appName,
		BytesDownloaded:       bytesDownloaded,
		TotalBytesTransferred: total,
		Depots:                payload["depots"],
	})

	if result != "" {
		s.finalizeApp(ctx, result, payload)
	}

	switch state {
	case "completed", "failed", "error", "cancelled":
		s.finalizeRun(ctx, state)
	}
}

// PrefillProgressEvent is EventPrefillProgress's payload.
type PrefillProgressEvent struct {
	SessionID             uuid.UUID
	State                 string
	CurrentAppID          int64
	CurrentAppName        string
	BytesDownloaded       int64
	TotalBytesTransferred int64
	Depots                any
}

func bytesCompletedStatus(bytes int64) models.PrefillHistoryStatus {
	if bytes == 0 {
		return models.PrefillHistoryCached
	}
	return models.PrefillHistoryCompleted
}

// beginApp supersedes any stale InProgress entry for (session, app) and
// starts a fresh one (spec.md §4.M: "start a new InProgress entry for the
// new app; reset per-app byte counters").
func (s *Session) beginApp(ctx context.Context, appID int64, appName string) {
	if err := s.manager.historyRepo.SupersedeInProgress(ctx, s.sessionID, appID); err != nil {
		s.manager.logger.WarnContext(ctx, "failed to supersede stale history entry", "session_id", s.sessionID, "app_id", appID, "error", err)
	}

	var namePtr *string
	if appName != "" {
		namePtr = &appName
	}
	entry := &models.PrefillHistoryEntry{
		SessionId:    s.sessionID,
		AppId:        appID,
		AppName:      namePtr,
		StartedAtUtc: models.Now(),
		Status:       models.PrefillHistoryInProgress,
	}
	if err := s.manager.historyRepo.Create(ctx, entry); err != nil {
		s.manager.logger.ErrorContext(ctx, "failed to create history entry", "session_id", s.sessionID, "app_id", appID, "error", err)
		return
	}

	s.mu.Lock()
	s.currentAppID = appID
	s.currentAppName = appName
	s.currentHistoryID = entry.ID
	s.currentBytesDownloaded = 0
	s.mu.Unlock()

	s.manager.bus.NotifyAll(ctx, EventPrefillHistoryUpdated, PrefillHistoryUpdatedEvent{SessionID: s.sessionID, Entry: entry})
}

// PrefillHistoryUpdatedEvent is EventPrefillHistoryUpdated's payload.
type PrefillHistoryUpdatedEvent struct {
	SessionID uuid.UUID
	Entry     *models.PrefillHistoryEntry
}

// completeCurrentApp finalizes whatever app is currently InProgress with
// status, folding its bytes into finalizedBytes. A no-op if no app is
// currently tracked.
func (s *Session) completeCurrentApp(ctx context.Context, status models.PrefillHistoryStatus) {
	s.mu.Lock()
	historyID := s.currentHistoryID
	appID := s.currentAppID
	bytes := s.currentBytesDownloaded
	zero := historyID.IsZero()
	s.mu.Unlock()
	if zero {
		return
	}

	entry, err := s.manager.historyRepo.GetByID(ctx, historyID)
	if err != nil || entry == nil {
		s.manager.logger.WarnContext(ctx, "could not load history entry to finalize", "session_id", s.sessionID, "app_id", appID, "error", err)
		return
	}
	now := models.Now()
	entry.CompletedAtUtc = &now
	entry.Status = status
	entry.BytesDownloaded = bytes
	if entry.TotalBytes < bytes {
		entry.TotalBytes = bytes
	}
	if err := s.manager.historyRepo.Update(ctx, entry); err != nil {
		s.manager.logger.ErrorContext(ctx, "failed to finalize history entry", "session_id", s.sessionID, "app_id", appID, "error", err)
		return
	}

	s.mu.Lock()
	s.finalizedBytes += bytes
	s.currentHistoryID = models.ULID{}
	s.mu.Unlock()

	s.manager.bus.NotifyAll(ctx, EventPrefillHistoryUpdated, PrefillHistoryUpdatedEvent{SessionID: s.sessionID, Entry: entry})
}

// finalizeApp handles an "app_completed" event, classifying the daemon's
// Result field and recording cached-depot entries for future skip
// detection (spec.md §4.M).
func (s *Session) finalizeApp(ctx context.Context, result string, payload map[string]any) {
	var status models.PrefillHistoryStatus
	switch result {
	case "AlreadyUpToDate", "Skipped", "NoDepotsToDownload":
		status = models.PrefillHistoryCached
	case "Failed":
		status = models.PrefillHistoryFailed
	default:
		status = models.PrefillHistoryCompleted
	}
	s.completeCurrentApp(ctx, status)

	depots, _ := payload["depots"].([]any)
	for _, d := range depots {
		entry, ok := d.(map[string]any)
		if !ok {
			continue
		}
		manifest := &models.CachedDepotManifest{
			AppId:       int64FromAny(payload["currentAppId"]),
			DepotId:     int64FromAny(entry["depotId"]),
			ManifestId:  fmt.Sprintf("%v", entry["manifestId"]),
			TotalBytes:  int64FromAny(entry["totalBytes"]),
			CachedAtUtc: models.Now(),
		}
		if manifest.ManifestId == "" || manifest.ManifestId == "<nil>" {
			continue
		}
		if err := s.manager.depotCache.Upsert(ctx, manifest); err != nil {
			s.manager.logger.WarnContext(ctx, "failed to record cached depot manifest", "session_id", s.sessionID, "depot_id", manifest.DepotId, "error", err)
		}
	}
}

// finalizeRun handles a terminal prefill state: finalize whatever is
// in-progress and emit PrefillStateChanged (spec.md §4.M).
func (s *Session) finalizeRun(ctx context.Context, state string) {
	status := models.PrefillHistoryCompleted
	if state == "failed" || state == "error" {
		status = models.PrefillHistoryFailed
	} else if state == "cancelled" {
		status = models.PrefillHistoryCancelled
	}
	s.completeCurrentApp(ctx, status)

	s.mu.Lock()
	s.isPrefilling = false
	s.mu.Unlock()
	s.syncPrefilling(ctx, false)

	s.manager.bus.NotifyTerminal(ctx, EventPrefillStateChanged, PrefillStateChangedEvent{SessionID: s.sessionID, State: state})
}

// PrefillStateChangedEvent is EventPrefillStateChanged's payload.
type PrefillStateChangedEvent struct {
	SessionID uuid.UUID
	State     string
}

// TotalBytesTransferred returns the running sum of finalized app bytes
// plus the current app's bytes so far (spec.md §4.M).
func (s *Session) TotalBytesTransferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizedBytes + s.currentBytesDownloaded
}

// Terminate ends the session: user-requested, expiry, or shutdown (spec.md
// §4.M "Termination"). force skips the graceful daemon shutdown and kills
// the container immediately.
func (s *Session) Terminate(ctx context.Context, reason string, force bool) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	isPrefilling := s.isPrefilling
	s.mu.Unlock()

	if isPrefilling {
		if _, err := s.transport.Send(ctx, "cancel-prefill", nil, 5*time.Second); err != nil {
			s.manager.logger.WarnContext(ctx, "best-effort cancel-prefill failed", "session_id", s.sessionID, "error", err)
		}
	}
	s.completeCurrentApp(ctx, models.PrefillHistoryCancelled)

	now := models.Now()
	terminatedBy := "manager"
	if err := s.manager.sessionRepo.UpdateStatus(ctx, s.sessionID, models.PrefillSessionTerminated, &now, &reason, &terminatedBy); err != nil {
		s.manager.logger.ErrorContext(ctx, "failed to mark session terminated", "session_id", s.sessionID, "error", err)
	}

	if !force {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _ = s.transport.Send(shutdownCtx, "shutdown", nil, 2*time.Second)
		cancel()
		_ = s.manager.engine.StopContainer(ctx, s.containerID, waitBeforeKill)
	} else {
		_ = s.manager.engine.KillContainer(ctx, s.containerID)
	}
	_ = s.manager.engine.RemoveContainer(ctx, s.containerID, true)

	if s.cancel != nil {
		s.cancel()
	}
	_ = s.transport.Close()

	removeSessionDirs(s.manager.cfg, s.sessionID)
	s.manager.removeSession(s.sessionID, s.userID)
	s.manager.bus.NotifyTerminal(ctx, EventSessionEnded, SessionEndedEvent{SessionID: s.sessionID, Reason: reason})
	return nil
}

// SessionEndedEvent is EventSessionEnded's payload.
type SessionEndedEvent struct {
	SessionID uuid.UUID
	Reason    string
}

// ExpiresAt returns the session's configured expiry time.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

func int64FromAny(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
