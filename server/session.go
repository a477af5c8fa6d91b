package server

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
)

var (
	ErrInvalidSecret  = errors.New("invalid API secret")
	ErrSessionClaimed = errors.New("session already claimed by another client")
)

// SessionManager hands out the client lease. Only one client may drive the
// radio at a time; the first to connect holds the lease until it
// disconnects or stays idle for longer than the timeout.
type SessionManager struct {
	apiSecret string
	timeout   time.Duration
	clock     clockwork.Clock

	mu    syncutil.Mutex
	token string
	timer clockwork.Timer
}

// NewSessionManager creates a session manager. A zero timeout disables the
// idle timeout.
func NewSessionManager(apiSecret string, timeout time.Duration, clock clockwork.Clock) *SessionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionManager{
		apiSecret: apiSecret,
		timeout:   timeout,
		clock:     clock,
	}
}

// Acquire claims the lease. onIdle is called with the token when the holder
// stays idle past the timeout; the lease is still held until Release.
func (m *SessionManager) Acquire(secret string, onIdle func(token string)) (string, error) {
	if m.apiSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(m.apiSecret)) != 1 {
		return "", ErrInvalidSecret
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		return "", ErrSessionClaimed
	}

	token := uuid.NewString()
	m.token = token
	if m.timeout > 0 && onIdle != nil {
		m.timer = m.clock.AfterFunc(m.timeout, func() {
			log.Warn().Str("session", token).Dur("timeout", m.timeout).Msg("client session idle, closing")
			onIdle(token)
		})
	}

	log.Info().Str("session", token).Msg("client session acquired")
	return token, nil
}

// Validate reports whether token holds the lease.
func (m *SessionManager) Validate(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != "" && m.token == token
}

// Active reports whether a client holds the lease.
func (m *SessionManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// RefreshTimeout restarts the idle timer of token.
func (m *SessionManager) RefreshTimeout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == token && m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}

// Release gives up the lease held by token. It reports false when token
// does not hold it.
func (m *SessionManager) Release(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" || m.token != token {
		return false
	}
	m.token = ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	log.Info().Str("session", token).Msg("client session released")
	return true
}
