package prefill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuthState is a session's position in the authentication state machine
// (spec.md §4.M: "NotAuthenticated → LoggingIn →
// {UsernameRequired|PasswordRequired|TwoFactorRequired|SteamGuardRequired|
// DeviceConfirmationRequired} → Authenticated").
type AuthState string

const (
	AuthNotAuthenticated      AuthState = "NotAuthenticated"
	AuthLoggingIn             AuthState = "LoggingIn"
	AuthUsernameRequired      AuthState = "UsernameRequired"
	AuthPasswordRequired      AuthState = "PasswordRequired"
	AuthTwoFactorRequired     AuthState = "TwoFactorRequired"
	AuthSteamGuardRequired    AuthState = "SteamGuardRequired"
	AuthDeviceConfirmationReq AuthState = "DeviceConfirmationRequired"
	AuthAuthenticated         AuthState = "Authenticated"
)

// credentialTypeToState maps a challenge's credentialType to the
// AuthState it puts the session in.
var credentialTypeToState = map[string]AuthState{
	"username":            AuthUsernameRequired,
	"password":            AuthPasswordRequired,
	"2fa":                 AuthTwoFactorRequired,
	"steamguard":          AuthSteamGuardRequired,
	"device-confirmation": AuthDeviceConfirmationReq,
}

// pollForQueuedChallengeTimeout is the StartLogin shortcut's small window
// for an already-queued challenge to arrive before falling back to a
// single status poll (spec.md §5: "a small poll-for-queued-challenge
// window of ≈10 s").
const pollForQueuedChallengeTimeout = 10 * time.Second

// autoLoginTimeout is the default timeout for an auto-login attempt
// (spec.md §5: "default ≈60 s for auto-login").
const autoLoginTimeout = 60 * time.Second

// AutoLoginFailureReason classifies why StartAutoLogin failed (spec.md
// §4.M: "failure reports are classified").
type AutoLoginFailureReason string

const (
	AutoLoginNoToken      AutoLoginFailureReason = "no_token"
	AutoLoginInvalidToken AutoLoginFailureReason = "invalid_token"
	AutoLoginDaemonError  AutoLoginFailureReason = "daemon_error"
	AutoLoginParseError   AutoLoginFailureReason = "parse_error"
	AutoLoginNoResponse   AutoLoginFailureReason = "no_response"
	AutoLoginException    AutoLoginFailureReason = "exception"
	AutoLoginLoginFailed  AutoLoginFailureReason = "login_failed"
)

// AutoLoginError wraps an auto-login failure with its classification.
type AutoLoginError struct {
	Reason AutoLoginFailureReason
	Err    error
}

func (e *AutoLoginError) Error() string {
	return fmt.Sprintf("auto-login failed (%s): %v", e.Reason, e.Err)
}

func (e *AutoLoginError) Unwrap() error { return e.Err }

// ErrBanned is returned when a username step matches an active ban.
var ErrBanned = errors.New("account banned")

// authMachine holds one session's authentication state and pending
// challenge. It is protected by the owning Session's mutex, not its own.
type authMachine struct {
	state     AuthState
	challenge *CredentialChallengePayload
}

func newAuthMachine() *authMachine {
	return &authMachine{state: AuthNotAuthenticated}
}

// clearChallenge drops any pending challenge, enforcing spec.md §5's
// "credential challenges for a given ChallengeId are not reused; the
// manager clears pending challenges on auth reset".
func (a *authMachine) clearChallenge() {
	a.challenge = nil
}

// reset returns the machine to NotAuthenticated and clears any pending
// challenge.
func (a *authMachine) reset() {
	a.state = AuthNotAuthenticated
	a.clearChallenge()
}

// StartLogin begins (or resumes) authentication for s, short-circuiting if
// already authenticated and re-auth is not required (spec.md §4.M:
// "StartLogin may short-circuit").
func (s *Session) StartLogin(ctx context.Context) error {
	s.mu.Lock()
	already := s.auth.state == AuthAuthenticated
	s.mu.Unlock()

	if already {
		resp, err := s.transport.Send(ctx, "get-status", nil, 5*time.Second)
		if err != nil {
			return fmt.Errorf("checking status before re-auth: %w", err)
		}
		needsReauth, _ := resp.Data["needsReauth"].(bool)
		if !needsReauth {
			return nil
		}
	}

	s.setAuthState(ctx, AuthLoggingIn)

	if _, err := s.transport.Send(ctx, "start-login", nil, 10*time.Second); err != nil {
		return fmt.Errorf("starting login: %w", err)
	}

	select {
	case <-s.challengeArrived:
		return nil
	case <-time.After(pollForQueuedChallengeTimeout):
	case <-ctx.Done():
		return ctx.Err()
	}

	// No challenge arrived within the short window: poll status once
	// ("logged-in" means done).
	resp, err := s.transport.Send(ctx, "get-status", nil, 5*time.Second)
	if err != nil {
		return fmt.Errorf("polling status after login start: %w", err)
	}
	if status, _ := resp.Data["status"].(string); status == "logged-in" {
		s.setAuthState(ctx, AuthAuthenticated)
	}
	return nil
}

// handleChallenge is the transport's OnChallenge callback. It performs the
// username-step ban check (spec.md §4.M: "Username step performs ban
// check") and otherwise records the challenge and transitions auth state.
func (s *Session) handleChallenge(ctx context.Context, payload CredentialChallengePayload) {
	// The ban check happens in ProvideCredential once the candidate
	// username for this challenge is known, not here.
	s.mu.Lock()
	s.auth.challenge = &payload
	state, ok := credentialTypeToState[payload.CredentialType]
	if ok {
		s.auth.state = state
	}
	s.mu.Unlock()

	if ok {
		s.notifyAuthState(ctx, state)
	}
	s.notifyCredentialChallenge(ctx, payload)

	select {
	case s.challengeArrived <- struct{}{}:
	default:
	}
}

// handleStatus is the transport's OnStatus callback.
func (s *Session) handleStatus(ctx context.Context, payload map[string]any) {
	status, _ := payload["status"].(string)
	switch status {
	case "logged-in":
		s.setAuthState(ctx, AuthAuthenticated)
	case "logged-out":
		s.mu.Lock()
		s.auth.reset()
		s.mu.Unlock()
		s.notifyAuthState(ctx, AuthNotAuthenticated)
	}
	s.notifyStatusChanged(ctx, payload)
}

// ProvideCredential answers the currently pending challenge with a plain
// credential value (a username string, a password, or a 2FA/Guard code).
// For the username step, a case-insensitive ban match aborts the attempt
// without sending anything to the daemon (spec.md §4.M).
func (s *Session) ProvideCredential(ctx context.Context, value string) error {
	s.mu.Lock()
	challenge := s.auth.challenge
	s.mu.Unlock()
	if challenge == nil {
		return fmt.Errorf("no pending credential challenge")
	}

	if challenge.CredentialType == "username" && s.bannedUsers != nil {
		ban, err := s.bannedUsers.GetActiveByUsername(ctx, strings.ToLower(value))
		if err != nil {
			return fmt.Errorf("checking ban list: %w", err)
		}
		if ban != nil {
			s.mu.Lock()
			s.auth.reset()
			s.mu.Unlock()
			s.notifyAuthState(ctx, AuthNotAuthenticated)
			return ErrBanned
		}
	}

	enc, err := encryptPasswordCredential(challenge.ChallengeID, challenge.ServerPublicKey, s.credentialInfoTag(), value)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}

	resp, err := s.transport.Send(ctx, "provide-credential", enc.toParameters(), 10*time.Second)
	if err != nil {
		return fmt.Errorf("sending credential: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("daemon rejected credential: %s", resp.Error)
	}

	s.mu.Lock()
	s.auth.clearChallenge()
	s.mu.Unlock()
	return nil
}

// StartAutoLogin attempts non-interactive login with a stored refresh
// token (spec.md §4.M: "Auto-login uses stored refresh token and
// username").
func (s *Session) StartAutoLogin(ctx context.Context, username, refreshToken string) error {
	if refreshToken == "" {
		return &AutoLoginError{Reason: AutoLoginNoToken, Err: fmt.Errorf("no refresh token stored for %s", username)}
	}

	loginCtx, cancel := context.WithTimeout(ctx, autoLoginTimeout)
	defer cancel()

	resp, err := s.transport.Send(loginCtx, "get-auto-login-challenge", nil, autoLoginTimeout)
	if err != nil {
		if errors.Is(loginCtx.Err(), context.DeadlineExceeded) {
			return &AutoLoginError{Reason: AutoLoginNoResponse, Err: err}
		}
		return &AutoLoginError{Reason: AutoLoginDaemonError, Err: err}
	}
	if !resp.Success {
		return &AutoLoginError{Reason: AutoLoginDaemonError, Err: fmt.Errorf("%s", resp.Error)}
	}

	challengeID, _ := resp.Data["challengeId"].(string)
	serverPublicKey, _ := resp.Data["serverPublicKey"].(string)
	if challengeID == "" || serverPublicKey == "" {
		return &AutoLoginError{Reason: AutoLoginParseError, Err: fmt.Errorf("missing challenge fields in response")}
	}

	enc, err := encryptAutoLoginCredential(challengeID, serverPublicKey, s.credentialInfoTag(), username, refreshToken)
	if err != nil {
		return &AutoLoginError{Reason: AutoLoginException, Err: err}
	}

	resp, err = s.transport.Send(loginCtx, "provide-auto-login", enc.toParameters(), autoLoginTimeout)
	if err != nil {
		return &AutoLoginError{Reason: AutoLoginNoResponse, Err: err}
	}
	if !resp.Success {
		if strings.Contains(strings.ToLower(resp.Error), "invalid") || strings.Contains(strings.ToLower(resp.Error), "expired") {
			return &AutoLoginError{Reason: AutoLoginInvalidToken, Err: fmt.Errorf("%s", resp.Error)}
		}
		return &AutoLoginError{Reason: AutoLoginLoginFailed, Err: fmt.Errorf("%s", resp.Error)}
	}

	s.setAuthState(ctx, AuthAuthenticated)
	return nil
}

// setAuthState transitions the machine and notifies.
func (s *Session) setAuthState(ctx context.Context, state AuthState) {
	s.mu.Lock()
	prev := s.auth.state
	s.auth.state = state
	s.mu.Unlock()

	if state == AuthAuthenticated && prev != AuthAuthenticated {
		s.manager.onSessionAuthenticated(s)
		s.syncAuthenticated(ctx, true)
	}
	if prev == AuthAuthenticated && state != AuthAuthenticated {
		s.manager.onSessionLoggedOut(s)
		s.syncAuthenticated(ctx, false)
	}
	s.notifyAuthState(ctx, state)
}

// AuthState returns the session's current authentication state.
func (s *Session) AuthState() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.state
}

// credentialInfoTag is the storefront-specific HKDF info string (spec.md
// §4.M: "storefront-specific HKDF info string").
func (s *Session) credentialInfoTag() string {
	return s.service + "-prefill-credential"
}
