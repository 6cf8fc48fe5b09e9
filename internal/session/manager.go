// Package session obtains and caches the authenticated session used for
// every remote call. A cached session is reused until the remote rejects it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/monarch"
)

// ErrMissingSecondFactor is returned when a fresh login is needed but no
// TOTP secret is configured.
var ErrMissingSecondFactor = &config.Error{
	Field: "MONARCH_MFA_SECRET",
	Msg:   "a second factor is required to log in",
}

// Authenticator performs a fresh login.
type Authenticator interface {
	Login(ctx context.Context, req monarch.LoginRequest) (string, error)
}

// Manager hands out the current session, logging in when none is cached.
// It is safe for concurrent use.
type Manager struct {
	cred  config.Credential
	auth  Authenticator
	store SessionStore
	now   func() time.Time

	mu      sync.Mutex
	current *Session
}

type ManagerOption func(*Manager)

// WithClock overrides time.Now, used for TOTP generation and timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(cred config.Credential, auth Authenticator, store SessionStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		cred:  cred,
		auth:  auth,
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the in-memory session, else the cached artifact, else a
// fresh login which is then cached.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	log := logger.FromContext(ctx)

	s, err := m.store.Get(ctx)
	switch {
	case err == nil:
		log.Debug().Time("created_at", s.CreatedAt).Msg("Reusing cached session")
		m.current = s
		return s, nil
	case errors.Is(err, ErrNoSession):
		log.Debug().Msg("No cached session")
	default:
		log.Warn().Err(err).Msg("Discarding unusable cached session")
		if cerr := m.store.Clear(ctx); cerr != nil {
			log.Warn().Err(cerr).Msg("Failed to clear cached session")
		}
	}

	return m.login(ctx)
}

// InvalidateAndReauthenticate discards the current session everywhere and
// performs a fresh login.
func (m *Manager) InvalidateAndReauthenticate(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := logger.FromContext(ctx)
	log.Info().Msg("Session rejected, re-authenticating")

	m.current = nil
	if err := m.store.Clear(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clear cached session")
	}
	return m.login(ctx)
}

// Current returns the in-memory session without any I/O, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Logout forgets the session in memory and in the store.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("Logout: %w", err)
	}
	return nil
}

// login must be called with m.mu held.
func (m *Manager) login(ctx context.Context) (*Session, error) {
	log := logger.FromContext(ctx)

	code, err := m.totpCode()
	if err != nil {
		return nil, err
	}

	log.Info().Str("email", logger.MaskEmail(m.cred.Email)).Msg("Logging in")

	token, err := m.auth.Login(ctx, monarch.LoginRequest{
		Email:    m.cred.Email,
		Password: m.cred.Password,
		TOTP:     code,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	s := &Session{Token: token, CreatedAt: m.now().UTC()}
	if err := m.store.Put(ctx, s); err != nil {
		log.Warn().Err(err).Msg("Failed to cache session")
	}
	m.current = s
	return s, nil
}

func (m *Manager) totpCode() (string, error) {
	secret := normalizeSecret(m.cred.MFASecret)
	if secret == "" {
		return "", ErrMissingSecondFactor
	}
	code, err := totp.GenerateCode(secret, m.now())
	if err != nil {
		return "", &config.Error{Field: "MONARCH_MFA_SECRET", Msg: "not a valid base32 TOTP secret"}
	}
	return code, nil
}

func normalizeSecret(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
