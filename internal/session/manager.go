package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/verisite/verisite-offline/internal/config"
	"github.com/verisite/verisite-offline/internal/remote"
	"github.com/verisite/verisite-offline/internal/store"
)

// record keys in the auth/credentials categories
const (
	keyActiveSession = "session_active"
	keyOfflineLogin  = "offline_login"
	keyLegacyToken   = "auth_token"
	keyLegacyUser    = "auth_user"
	keyLegacySavedAt = "auth_saved_at"
	credentialPrefix = "credentials_"
)

// ErrBadCredentials is returned by LoginOffline when the submitted
// credentials do not match the stored hash.
var ErrBadCredentials = errors.New("invalid offline credentials")

// activeSession is the tier-1 marker: a full user+token snapshot written on
// every successful online login.
type activeSession struct {
	User    remote.User `json:"user"`
	Token   string      `json:"token"`
	SavedAt time.Time   `json:"savedAt"`
}

// offlineLogin is the tier-2 marker written by an explicit local login.
type offlineLogin struct {
	User    remote.User `json:"user"`
	SavedAt time.Time   `json:"savedAt"`
}

// storedCredential backs offline login verification
type storedCredential struct {
	Username     string      `json:"username"`
	CompanyID    string      `json:"companyId"`
	PasswordHash string      `json:"passwordHash"`
	User         remote.User `json:"user"`
}

// Manager owns the single shared session state and its persistence. It is
// created empty at process start, populated by Restore or Login, cleared by
// Logout, and never partially torn down by timers.
type Manager struct {
	st     *store.Store
	client *remote.Client
	cfg    config.SessionConfig
	state  *broadcaster
	now    func() time.Time
}

// NewManager wires the session manager.
func NewManager(st *store.Store, client *remote.Client, cfg config.SessionConfig) *Manager {
	return &Manager{
		st:     st,
		client: client,
		cfg:    cfg,
		state:  newBroadcaster(),
		now:    time.Now,
	}
}

// Current returns the present session state.
func (m *Manager) Current() State {
	return m.state.get()
}

// Subscribe registers for state replacements. The current value is delivered
// immediately; call cancel to unsubscribe.
func (m *Manager) Subscribe() (<-chan State, func()) {
	return m.state.subscribe()
}

// SetConnectionStatus replaces the state with an updated connection reading.
func (m *Manager) SetConnectionStatus(status string) {
	s := m.state.get()
	s.ConnectionStatus = status
	m.state.set(s)
}

// SetSyncStatus replaces the state with an updated sync phase.
func (m *Manager) SetSyncStatus(status string) {
	s := m.state.get()
	s.SyncStatus = status
	m.state.set(s)
}

// Restore attempts session recovery from local state, without network
// access, trying each tier in priority order and stopping at the first hit.
// Exhaustion degrades to unauthenticated; boot never fails here.
func (m *Manager) Restore(ctx context.Context) bool {
	if m.restoreActiveSession(ctx) {
		return true
	}
	if m.restoreOfflineLogin(ctx) {
		return true
	}
	if m.restoreLegacyPair(ctx) {
		return true
	}

	log.Info().Msg("no recoverable session, login required")
	m.state.set(State{
		ConnectionStatus: m.state.get().ConnectionStatus,
		SyncStatus:       m.state.get().SyncStatus,
	})
	return false
}

func (m *Manager) restoreActiveSession(ctx context.Context) bool {
	var snap activeSession
	ok, err := m.st.Get(ctx, keyActiveSession, &snap)
	if err != nil || !ok {
		return false
	}
	if m.now().Sub(snap.SavedAt) > m.cfg.ActiveWindow {
		log.Debug().Time("savedAt", snap.SavedAt).Msg("active session marker too old")
		return false
	}
	if tokenExpired(snap.Token, m.now()) {
		log.Debug().Msg("active session token expired")
		return false
	}

	m.client.SetToken(snap.Token)
	m.setAuthenticated(snap.User)
	log.Info().Str("username", snap.User.Username).Msg("session restored from active snapshot")
	return true
}

func (m *Manager) restoreOfflineLogin(ctx context.Context) bool {
	var marker offlineLogin
	ok, err := m.st.Get(ctx, keyOfflineLogin, &marker)
	if err != nil || !ok {
		return false
	}
	if m.now().Sub(marker.SavedAt) > m.cfg.ActiveWindow {
		return false
	}

	m.setAuthenticated(marker.User)
	log.Info().Str("username", marker.User.Username).Msg("session restored from offline-login marker")
	return true
}

func (m *Manager) restoreLegacyPair(ctx context.Context) bool {
	var token string
	ok, err := m.st.Get(ctx, keyLegacyToken, &token)
	if err != nil || !ok || token == "" {
		return false
	}

	var user remote.User
	if ok, err := m.st.Get(ctx, keyLegacyUser, &user); err != nil || !ok {
		return false
	}

	// The plain pair is only trusted inside the freshness window.
	var savedAt time.Time
	if ok, err := m.st.Get(ctx, keyLegacySavedAt, &savedAt); err != nil || !ok {
		return false
	}
	if m.now().Sub(savedAt) > m.cfg.FreshnessWindow {
		log.Debug().Time("savedAt", savedAt).Msg("legacy session pair outside freshness window")
		return false
	}
	if tokenExpired(token, m.now()) {
		return false
	}

	m.client.SetToken(token)
	m.setAuthenticated(user)
	log.Info().Str("username", user.Username).Msg("session restored from legacy token pair")

	// Fire-and-forget background validation. A failure runs the normal
	// logout path but never blocks the already-granted session.
	go m.validateInBackground(token)
	return true
}

func (m *Manager) validateInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := m.client.ValidateToken(ctx, token)
	if err == nil {
		return
	}
	if errors.Is(err, remote.ErrUnauthorized) {
		log.Warn().Msg("background token validation failed, logging out")
		if logoutErr := m.Logout(context.Background()); logoutErr != nil {
			log.Error().Err(logoutErr).Msg("logout after failed validation")
		}
		return
	}
	// Network trouble is not evidence the token is bad.
	log.Debug().Err(err).Msg("background token validation inconclusive")
}

// Login authenticates against the remote and persists all session markers.
// Logging in as a different identity than the persisted one is a distinct
// event: every local record is purged first (mixed per-user caches are a
// confidentiality hazard), and switched=true tells the caller to reload.
func (m *Manager) Login(ctx context.Context, creds remote.Credentials) (switched bool, err error) {
	m.setLoading(true)
	defer m.setLoading(false)

	result, err := m.client.Authenticate(ctx, creds)
	if err != nil {
		s := m.state.get()
		s.Error = err.Error()
		m.state.set(s)
		return false, err
	}

	if prev, ok := m.persistedIdentity(ctx); ok && isUserSwitch(prev, result.User) {
		log.Warn().
			Str("previous", prev.Username).
			Str("next", result.User.Username).
			Msg("user switch detected, purging local data")
		if err := m.st.Clear(ctx); err != nil {
			return false, err
		}
		switched = true
	}

	now := m.now().UTC()
	if err := m.st.Put(ctx, keyActiveSession, activeSession{
		User:    result.User,
		Token:   result.Token,
		SavedAt: now,
	}, store.CategoryAuth); err != nil {
		return switched, err
	}
	// Legacy pair kept in sync for older readers during the migration window.
	if err := m.st.Put(ctx, keyLegacyToken, result.Token, store.CategoryAuth); err != nil {
		return switched, err
	}
	if err := m.st.Put(ctx, keyLegacyUser, result.User, store.CategoryAuth); err != nil {
		return switched, err
	}
	if err := m.st.Put(ctx, keyLegacySavedAt, now, store.CategoryAuth); err != nil {
		return switched, err
	}

	// Store a credential hash so this user can log in again without network.
	if err := m.st.Put(ctx, credentialPrefix+creds.Username, storedCredential{
		Username:     creds.Username,
		CompanyID:    result.User.CompanyID,
		PasswordHash: hashPassword(creds.Password),
		User:         result.User,
	}, store.CategoryCredentials); err != nil {
		return switched, err
	}

	m.client.SetToken(result.Token)
	m.setAuthenticated(result.User)
	log.Info().Str("username", result.User.Username).Bool("switched", switched).Msg("login succeeded")
	return switched, nil
}

// LoginOffline validates credentials against the stored hash and writes the
// explicit offline-login marker (recovery tier 2).
func (m *Manager) LoginOffline(ctx context.Context, creds remote.Credentials) error {
	var cred storedCredential
	ok, err := m.st.Get(ctx, credentialPrefix+creds.Username, &cred)
	if err != nil {
		return err
	}
	if !ok || cred.PasswordHash != hashPassword(creds.Password) {
		return ErrBadCredentials
	}

	if err := m.st.Put(ctx, keyOfflineLogin, offlineLogin{
		User:    cred.User,
		SavedAt: m.now().UTC(),
	}, store.CategoryAuth); err != nil {
		return err
	}

	m.setAuthenticated(cred.User)
	log.Info().Str("username", cred.User.Username).Msg("offline login succeeded")
	return nil
}

// Logout deletes the session markers (evaluation data stays) and resets the
// shared state. Only explicit actions clear a session.
func (m *Manager) Logout(ctx context.Context) error {
	for _, key := range []string{keyActiveSession, keyOfflineLogin, keyLegacyToken, keyLegacyUser, keyLegacySavedAt} {
		if err := m.st.Delete(ctx, key); err != nil {
			return err
		}
	}

	m.client.ClearToken()
	s := m.state.get()
	m.state.set(State{
		ConnectionStatus: s.ConnectionStatus,
		SyncStatus:       s.SyncStatus,
	})
	log.Info().Msg("logged out")
	return nil
}

// persistedIdentity finds the identity the device currently belongs to,
// checking markers in recovery-tier order.
func (m *Manager) persistedIdentity(ctx context.Context) (remote.User, bool) {
	var snap activeSession
	if ok, err := m.st.Get(ctx, keyActiveSession, &snap); err == nil && ok {
		return snap.User, true
	}
	var marker offlineLogin
	if ok, err := m.st.Get(ctx, keyOfflineLogin, &marker); err == nil && ok {
		return marker.User, true
	}
	var user remote.User
	if ok, err := m.st.Get(ctx, keyLegacyUser, &user); err == nil && ok {
		return user, true
	}
	return remote.User{}, false
}

// isUserSwitch treats a difference in username, company or user id as a new
// identity. The equality basis is product policy; see config for the rest of
// the session policy knobs.
func isUserSwitch(prev, next remote.User) bool {
	return prev.Username != next.Username ||
		prev.CompanyID != next.CompanyID ||
		prev.ID != next.ID
}

func (m *Manager) setAuthenticated(user remote.User) {
	s := m.state.get()
	m.state.set(State{
		User:             &user,
		IsAuthenticated:  true,
		ConnectionStatus: s.ConnectionStatus,
		SyncStatus:       s.SyncStatus,
	})
}

func (m *Manager) setLoading(loading bool) {
	s := m.state.get()
	s.Loading = loading
	if loading {
		// A fresh attempt clears the previous failure.
		s.Error = ""
	}
	m.state.set(s)
}

// tokenExpired inspects a JWT's exp claim without verifying the signature;
// policy validation belongs to the remote. Opaque (non-JWT) tokens pass.
func tokenExpired(token string, now time.Time) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
