// Package session owns the authenticated/unauthenticated state of the
// client, the short-lived access token with its silent-refresh timer, and
// the longer-lived session record. It is the single writer of the persisted
// session and token records; every other component reads them through
// accessor calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quackmore/mycoRegister/internal/client/api"
	"github.com/quackmore/mycoRegister/internal/client/connectivity"
	"github.com/quackmore/mycoRegister/internal/client/events"
	"github.com/quackmore/mycoRegister/internal/client/models"
	"github.com/quackmore/mycoRegister/internal/client/storage"
	"github.com/quackmore/mycoRegister/internal/common"
	"github.com/quackmore/mycoRegister/internal/logging"
)

const (
	sessionKey = "session"
	tokenKey   = "auth_token"
)

// Options tune session and token lifetimes.
type Options struct {
	// RefreshThreshold is the margin before token expiry at which the
	// silent refresh fires.
	RefreshThreshold time.Duration
	// SessionTTL is the session lifetime for rememberMe=false logins.
	SessionTTL time.Duration
	// SessionTTLRemember is the session lifetime for rememberMe=true.
	SessionTTLRemember time.Duration
}

// Manager is the session and token manager. Construct one per process.
type Manager struct {
	client  api.Client
	store   *storage.SecureStore
	conn    *connectivity.Monitor
	opts    Options
	log     logging.Logger
	emitter *events.Emitter[Event]

	mu            sync.Mutex
	authenticated bool
	syncOnline    bool
	refreshTimer  *time.Timer
	// epoch invalidates in-flight refresh results: a refresh completing
	// after logout must not re-authenticate.
	epoch uint64

	sf singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires the manager to its collaborators.
func NewManager(client api.Client, store *storage.SecureStore, conn *connectivity.Monitor, opts Options, log logging.Logger) *Manager {
	return &Manager{
		client:  client,
		store:   store,
		conn:    conn,
		opts:    opts,
		log:     log.With("component", "session"),
		emitter: events.NewEmitter[Event](),
	}
}

// Subscribe returns the manager's event stream.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.emitter.Subscribe()
}

// IsAuthenticated reports whether the user may use the app, possibly
// against local-only data.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// IsSyncOnline reports whether the app believes it can talk to the remote
// store right now.
func (m *Manager) IsSyncOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncOnline
}

// SessionInfo returns a copy of the stored session record, or nil.
func (m *Manager) SessionInfo() *models.Session {
	sess, err := m.storedSession()
	if err != nil {
		return nil
	}
	return sess
}

// Token returns the current valid access token, or "" when none is held.
// It satisfies api.TokenSource so transports read the token per request.
func (m *Manager) Token() string {
	tok, err := m.storedToken()
	if err != nil || !tok.Valid(time.Now()) {
		return ""
	}
	return tok.Token
}

// Start runs the startup protocol and begins reacting to connectivity
// transitions.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	// Subscribe before the startup check. The monitor emits on change only,
	// so a probe succeeding mid-check would otherwise never be delivered.
	states, cancelSub := m.conn.Subscribe()

	m.checkAuthenticationStatus(m.ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelSub()
		for {
			select {
			case <-m.ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				switch st {
				case connectivity.StateOnline:
					m.resumeOnline(m.ctx)
				case connectivity.StateOffline:
					// Going offline must never log the user out.
					m.emitSyncOffline()
				}
			}
		}
	}()
}

// Stop halts the refresh timer and the connectivity listener.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	m.stopRefreshTimerLocked()
	m.mu.Unlock()
	m.wg.Wait()
	m.emitter.Close()
}

// checkAuthenticationStatus is the startup protocol: at boot the rememberMe
// flag is unknown until a session is found, so every storage backend is
// tried.
func (m *Manager) checkAuthenticationStatus(ctx context.Context) {
	var sess models.Session
	backend, err := m.store.FindExistingSession(sessionKey, &sess)
	if err != nil {
		m.log.Info(ctx, "no previous session found")
		m.emitUnauthenticated()
		m.emitSyncOffline()
		return
	}
	if !sess.Valid(time.Now()) {
		m.log.Info(ctx, "expired session found in storage")
		m.emitUnauthenticated()
		m.emitSyncOffline()
		return
	}
	m.store.SetRememberMe(sess.RememberMe)
	m.log.Info(ctx, "valid session found", "backend", backend, "user", sess.Username)

	if !m.conn.Online() {
		// Work from cache; the user stays authenticated while offline.
		m.emitAuthenticated()
		m.emitSyncOffline()
		return
	}

	if tok, err := m.storedToken(); err == nil && tok.Valid(time.Now()) {
		m.emitAuthenticated()
		m.emitSyncOnline()
		m.armRefreshTimer(tok.ExpiresAt)
		return
	}

	if sess.CanRefresh(time.Now()) {
		_, _ = m.RefreshToken(ctx)
		return
	}

	// Valid session, online, but nothing refreshable: ambiguous state,
	// never resolved silently.
	m.requestDecision(ctx)
}

// resumeOnline re-validates the stored session when connectivity returns.
func (m *Manager) resumeOnline(ctx context.Context) {
	sess, err := m.storedSession()
	if err != nil || !sess.Valid(time.Now()) {
		if m.IsAuthenticated() {
			// Session vanished while working: error condition.
			m.log.Error(ctx, "no valid session found while authenticated, forcing re-login")
			m.emitUnauthenticated()
			m.emitSyncOffline()
			m.clearSession()
		}
		return
	}

	if tok, err := m.storedToken(); err == nil && tok.Valid(time.Now()) {
		m.emitAuthenticated()
		m.emitSyncOnline()
		m.armRefreshTimer(tok.ExpiresAt)
		return
	}

	if sess.CanRefresh(time.Now()) {
		if ok, _ := m.RefreshToken(ctx); ok {
			return
		}
		return
	}

	m.requestDecision(ctx)
}

// requestDecision surfaces the "work offline or re-login" choice. Doing
// nothing keeps the user authenticated against local data.
func (m *Manager) requestDecision(ctx context.Context) {
	m.emitAuthenticated()
	m.emitSyncOffline()

	var once sync.Once
	m.emitter.Emit(Event{
		Kind:   EventDecisionRequired,
		Reason: "online with a valid session but no refreshable credentials",
		Resolve: func(d Decision) {
			once.Do(func() {
				switch d {
				case DecisionRelogin:
					m.log.Info(ctx, "user chose re-login, clearing session")
					m.emitUnauthenticated()
					m.emitSyncOffline()
					m.clearSession()
				case DecisionContinueOffline:
					m.log.Info(ctx, "user chose to keep working offline")
					m.emitAuthenticated()
					m.emitSyncOffline()
				}
			})
		},
	})
}

// RefreshToken performs the silent refresh. At most one refresh is ever in
// flight; concurrent callers share the same in-flight result. The first
// return value reports whether the client ended up authenticated-online.
func (m *Manager) RefreshToken(ctx context.Context) (bool, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.refreshOnce(ctx), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (m *Manager) refreshOnce(ctx context.Context) bool {
	m.emitter.Emit(Event{Kind: EventRefreshStart})

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	sess, err := m.storedSession()
	if err != nil || !sess.Valid(time.Now()) {
		m.log.Info(ctx, "refresh: no valid session")
		m.emitUnauthenticated()
		m.emitSyncOffline()
		m.emitter.Emit(Event{Kind: EventRefreshFailed, Reason: "no valid session available"})
		return false
	}

	if !m.conn.Online() {
		// Cannot refresh while offline; keep the user authenticated.
		m.log.Info(ctx, "refresh: offline, keeping authenticated state")
		m.emitAuthenticated()
		m.emitSyncOffline()
		m.emitter.Emit(Event{Kind: EventRefreshFailed, Reason: "offline"})
		return false
	}

	if !sess.CanRefresh(time.Now()) {
		m.log.Info(ctx, "refresh: no valid refresh token")
		m.emitUnauthenticated()
		m.emitSyncOffline()
		m.emitter.Emit(Event{Kind: EventRefreshFailed, Reason: "no valid refresh token available"})
		return false
	}

	tok, err := m.client.RefreshToken(ctx, sess.RefreshToken)
	if err != nil {
		if isTransient(err) || !m.conn.Online() {
			// Connectivity flipped mid-attempt: fail cleanly and fall
			// back to working offline with the session intact.
			m.log.Warn(ctx, "refresh: transient network failure", "error", err)
			m.emitAuthenticated()
			m.emitSyncOffline()
			m.emitter.Emit(Event{Kind: EventRefreshFailed, Reason: "network failure"})
			return false
		}
		// A dead refresh token means the session cannot be trusted.
		m.log.Warn(ctx, "refresh failed, clearing session", "error", err)
		m.clearSession()
		m.emitUnauthenticated()
		m.emitSyncOffline()
		m.emitter.Emit(Event{Kind: EventRefreshFailed, Reason: err.Error()})
		return false
	}

	m.mu.Lock()
	stale := m.epoch != epoch
	m.mu.Unlock()
	if stale {
		// The session was replaced or cleared while the request was in
		// flight; discard the result.
		m.log.Info(ctx, "refresh result discarded, session changed mid-flight")
		return false
	}

	if err := m.store.StoreSecurely(tokenKey, tok); err != nil {
		m.log.Error(ctx, "refresh: failed to persist token", "error", err)
		m.clearSession()
		m.emitUnauthenticated()
		m.emitSyncOffline()
		m.emitter.Emit(Event{Kind: EventRefreshFailed, Reason: err.Error()})
		return false
	}

	// Refresh extends the session's usefulness window; only expiry fields
	// of the session record change.
	ttl := m.opts.SessionTTL
	if sess.RememberMe {
		ttl = m.opts.SessionTTLRemember
	}
	sess.SessionExpiry = time.Now().Add(ttl)
	if err := m.store.StoreSecurely(sessionKey, sess); err != nil {
		m.log.Warn(ctx, "refresh: failed to extend session expiry", "error", err)
	}

	m.armRefreshTimer(tok.ExpiresAt)
	m.emitAuthenticated()
	m.emitSyncOnline()
	m.emitter.Emit(Event{Kind: EventRefreshSuccess})
	return true
}

// Login authenticates against the server and replaces the session record.
// The rememberMe flag decides storage durability and session lifetime.
func (m *Manager) Login(ctx context.Context, username, password string, rememberMe bool) error {
	if !m.conn.Online() {
		err := fmt.Errorf("cannot login: %w", common.ErrOffline)
		m.emitter.Emit(Event{Kind: EventLoginFailed, Reason: err.Error()})
		return err
	}

	res, err := m.client.Login(ctx, username, password)
	if err != nil {
		m.log.Warn(ctx, "login failed", "user", username, "error", err)
		m.emitter.Emit(Event{Kind: EventLoginFailed, Reason: err.Error()})
		return err
	}

	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()

	m.store.SetRememberMe(rememberMe)

	ttl := m.opts.SessionTTL
	if rememberMe {
		ttl = m.opts.SessionTTLRemember
	}
	sess := &models.Session{
		Username:           res.User.Username,
		Email:              res.User.Email,
		Role:               res.User.Role,
		RemoteStoreID:      res.RemoteStoreID,
		RefreshToken:       res.RefreshToken,
		RefreshTokenExpiry: res.RefreshTokenExpiresAt,
		RememberMe:         rememberMe,
		SessionExpiry:      time.Now().Add(ttl),
	}
	if err := m.store.StoreSecurely(sessionKey, sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	tok := &models.AccessToken{Token: res.Token, ExpiresAt: res.TokenExpiresAt}
	if err := m.store.StoreSecurely(tokenKey, tok); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	m.armRefreshTimer(res.TokenExpiresAt)

	m.log.Info(ctx, "login successful", "user", res.User.Username, "rememberMe", rememberMe)
	m.emitter.Emit(Event{Kind: EventLoginSuccess, User: &res.User})
	m.emitAuthenticated()
	m.emitSyncOnline()
	return nil
}

// Logout ends the session. The server call is best-effort: the local logout
// always completes, even if the server is unreachable.
func (m *Manager) Logout(ctx context.Context) {
	if m.conn.Online() {
		if err := m.client.Logout(ctx); err != nil {
			m.log.Warn(ctx, "server logout failed, proceeding locally", "error", err)
		}
	}

	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()

	m.emitUnauthenticated()
	m.emitSyncOffline()
	m.clearSession()
	m.log.Info(ctx, "logged out")
	m.emitter.Emit(Event{Kind: EventLogoutDone})
}

// Register creates a new account. Online-only; never mutates local auth
// state.
func (m *Manager) Register(ctx context.Context, username, email, password string) error {
	if !m.conn.Online() {
		return fmt.Errorf("cannot register: %w", common.ErrOffline)
	}
	return m.client.Register(ctx, username, email, password)
}

// RequestPasswordReset asks for a reset email. Best-effort: network errors
// are swallowed so the user-visible request always succeeds locally.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	if !m.conn.Online() {
		return fmt.Errorf("cannot request password reset: %w", common.ErrOffline)
	}
	if err := m.client.RequestPasswordReset(ctx, email); err != nil {
		m.log.Warn(ctx, "password reset request failed", "error", err)
	}
	return nil
}

// ChangePassword is trust-establishing: errors propagate and an
// unauthorized response clears the session.
func (m *Manager) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	if !m.conn.Online() {
		return fmt.Errorf("cannot change password: %w", common.ErrOffline)
	}
	if m.Token() == "" {
		return common.ErrInvalidToken
	}
	err := m.client.ChangePassword(ctx, username, currentPassword, newPassword)
	if errors.Is(err, common.ErrorUnauthorized) {
		m.log.Warn(ctx, "unauthorized password change, clearing session")
		m.emitUnauthenticated()
		m.emitSyncOffline()
		m.clearSession()
	}
	return err
}

// CurrentUser fetches the account from the server opportunistically. It is
// never required for offline operation; failures other than unauthorized
// return nil without side effects.
func (m *Manager) CurrentUser(ctx context.Context) *models.User {
	if !m.conn.Online() || m.Token() == "" {
		return nil
	}
	user, err := m.client.Me(ctx)
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			m.log.Warn(ctx, "unauthorized /me, clearing session")
			m.emitUnauthenticated()
			m.emitSyncOffline()
			m.clearSession()
		}
		return nil
	}
	return user
}

// DeleteAccount removes the account on the server, then logs out locally.
func (m *Manager) DeleteAccount(ctx context.Context, username, password string) error {
	if !m.conn.Online() {
		return fmt.Errorf("cannot delete account: %w", common.ErrOffline)
	}
	if m.Token() == "" {
		return common.ErrInvalidToken
	}
	if err := m.client.DeleteAccount(ctx, username, password); err != nil {
		return err
	}
	m.Logout(ctx)
	return nil
}

// armRefreshTimer schedules the silent refresh at expiry minus the
// threshold. A near-past deadline fires almost immediately instead of
// recursing synchronously.
func (m *Manager) armRefreshTimer(expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopRefreshTimerLocked()

	delay := time.Until(expiresAt) - m.opts.RefreshThreshold
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		ctx := m.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := m.RefreshToken(ctx); err != nil {
			m.log.Error(ctx, "scheduled refresh failed", "error", err)
		}
	})
}

func (m *Manager) stopRefreshTimerLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// clearSession removes both persisted records and stops the refresh timer.
// A failed refresh is never partially applied.
func (m *Manager) clearSession() {
	if err := m.store.RemoveSecurely(sessionKey); err != nil {
		m.log.Warn(context.Background(), "failed to remove session record", "error", err)
	}
	if err := m.store.RemoveSecurely(tokenKey); err != nil {
		m.log.Warn(context.Background(), "failed to remove token record", "error", err)
	}
	m.mu.Lock()
	m.stopRefreshTimerLocked()
	m.mu.Unlock()
}

func (m *Manager) storedSession() (*models.Session, error) {
	var sess models.Session
	if m.store.RememberMeDecided() {
		if err := m.store.RetrieveSecurely(sessionKey, &sess); err != nil {
			return nil, err
		}
		return &sess, nil
	}
	if _, err := m.store.FindExistingSession(sessionKey, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (m *Manager) storedToken() (*models.AccessToken, error) {
	var tok models.AccessToken
	if err := m.store.RetrieveSecurely(tokenKey, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (m *Manager) emitAuthenticated() {
	m.mu.Lock()
	m.authenticated = true
	m.mu.Unlock()
	m.emitter.Emit(Event{Kind: EventAuthenticated})
}

func (m *Manager) emitUnauthenticated() {
	m.mu.Lock()
	m.authenticated = false
	m.mu.Unlock()
	m.emitter.Emit(Event{Kind: EventUnauthenticated})
}

func (m *Manager) emitSyncOnline() {
	m.mu.Lock()
	m.syncOnline = true
	m.mu.Unlock()
	m.emitter.Emit(Event{Kind: EventSyncOnline})
}

func (m *Manager) emitSyncOffline() {
	m.mu.Lock()
	m.syncOnline = false
	m.mu.Unlock()
	m.emitter.Emit(Event{Kind: EventSyncOffline})
}

// isTransient distinguishes transport-level failures (retried, never fatal)
// from server-level rejections (terminal for the refresh attempt).
func isTransient(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
