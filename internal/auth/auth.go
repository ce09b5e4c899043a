package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/chatmux/chatmux/internal/logging"
)

var authLog = logging.ForComponent(logging.CompAuth)

// TokenKey is one shared login key. A zero ExpiresAt never expires.
type TokenKey struct {
	Value     string    `toml:"value"`
	ExpiresAt time.Time `toml:"expires_at"`
}

// Expired reports whether the key is past its expiry at the given time.
func (k TokenKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// UserKey is a per-user whitelist key. Origin, when set, pins the key to one
// server address.
type UserKey struct {
	Key       string    `toml:"key"`
	Origin    string    `toml:"origin"`
	ExpiresAt time.Time `toml:"expires_at"`
}

// Expired reports whether the key is past its expiry at the given time.
func (k UserKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// Settings holds lockout policy and the key material.
type Settings struct {
	TokenKeys         []TokenKey
	WhitelistKeys     map[string]UserKey // user_id -> key
	RotationGrace     time.Duration
	MaxFailedAttempts int
	FailureWindow     time.Duration
	Lockout           time.Duration
}

type failureRecord struct {
	attempts    []time.Time
	lockedUntil time.Time
}

// Manager validates login tokens and tracks per-origin failures with
// windowed lockout. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	settings Settings
	failures map[string]*failureRecord
	now      func() time.Time
}

// NewManager creates a manager with defaults applied.
func NewManager(settings Settings) *Manager {
	if settings.MaxFailedAttempts <= 0 {
		settings.MaxFailedAttempts = 5
	}
	if settings.FailureWindow <= 0 {
		settings.FailureWindow = 5 * time.Minute
	}
	if settings.Lockout <= 0 {
		settings.Lockout = 15 * time.Minute
	}
	if settings.WhitelistKeys == nil {
		settings.WhitelistKeys = make(map[string]UserKey)
	}
	return &Manager{
		settings: settings,
		failures: make(map[string]*failureRecord),
		now:      time.Now,
	}
}

// tokenFingerprint identifies a token in logs without exposing it.
func tokenFingerprint(token string) string {
	if token == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Validate decides whether the provided token authorizes the user from the
// given origin. Every decision is logged with a token fingerprint, and
// failures count toward the origin's lockout window.
func (m *Manager) Validate(token, userID, origin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if m.lockedLocked(origin, now) {
		m.logDecision(userID, origin, token, "denied", "origin_locked")
		return false
	}

	// A whitelisted user must present their own key; the shared keys do not
	// apply to them.
	if userKey, ok := m.settings.WhitelistKeys[userID]; ok && userID != "" {
		switch {
		case userKey.Origin != "" && userKey.Origin != origin:
			m.recordFailureLocked(origin, now)
			m.logDecision(userID, origin, token, "denied", "whitelist_origin_mismatch")
			return false
		case userKey.Expired(now):
			m.recordFailureLocked(origin, now)
			m.logDecision(userID, origin, token, "denied", "whitelist_key_expired")
			return false
		case secureEqual(token, userKey.Key):
			m.logDecision(userID, origin, token, "allowed", "whitelist_key_match")
			return true
		default:
			m.recordFailureLocked(origin, now)
			m.logDecision(userID, origin, token, "denied", "whitelist_key_mismatch")
			return false
		}
	}

	for _, key := range m.settings.TokenKeys {
		if !key.Expired(now) && secureEqual(token, key.Value) {
			m.logDecision(userID, origin, token, "allowed", "shared_key_match")
			return true
		}
	}

	m.recordFailureLocked(origin, now)
	m.logDecision(userID, origin, token, "denied", "shared_key_mismatch")
	return false
}

// Locked reports whether an origin is currently locked out.
func (m *Manager) Locked(origin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedLocked(origin, m.now())
}

func (m *Manager) lockedLocked(origin string, now time.Time) bool {
	rec := m.failures[origin]
	if rec == nil {
		return false
	}
	m.pruneLocked(rec, now)
	return now.Before(rec.lockedUntil)
}

func (m *Manager) recordFailureLocked(origin string, now time.Time) {
	rec := m.failures[origin]
	if rec == nil {
		rec = &failureRecord{}
		m.failures[origin] = rec
	}
	rec.attempts = append(rec.attempts, now)
	m.pruneLocked(rec, now)
	if len(rec.attempts) >= m.settings.MaxFailedAttempts {
		rec.lockedUntil = now.Add(m.settings.Lockout)
	}
}

func (m *Manager) pruneLocked(rec *failureRecord, now time.Time) {
	windowStart := now.Add(-m.settings.FailureWindow)
	kept := rec.attempts[:0]
	for _, ts := range rec.attempts {
		if !ts.Before(windowStart) {
			kept = append(kept, ts)
		}
	}
	rec.attempts = kept
	if !rec.lockedUntil.IsZero() && !now.Before(rec.lockedUntil) {
		rec.lockedUntil = time.Time{}
	}
}

func (m *Manager) logDecision(userID, origin, token, status, reason string) {
	rec := m.failures[origin]
	failureCount := 0
	if rec != nil {
		failureCount = len(rec.attempts)
	}
	authLog.Info("auth",
		slog.String("user", userID),
		slog.String("origin", origin),
		slog.String("status", status),
		slog.String("reason", reason),
		slog.String("token_fp", tokenFingerprint(token)),
		slog.Int("token_len", len(token)),
		slog.Int("failures", failureCount))
}

// RotateToken prepends a new shared key and puts every previously valid key
// on the rotation grace clock. Returns the number of keys scheduled to
// expire.
func (m *Manager) RotateToken(newValue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	expireAt := now.Add(m.settings.RotationGrace)
	rotated := 0
	for i := range m.settings.TokenKeys {
		key := &m.settings.TokenKeys[i]
		if key.ExpiresAt.IsZero() || key.ExpiresAt.After(expireAt) {
			key.ExpiresAt = expireAt
			rotated++
		}
	}
	m.settings.TokenKeys = append([]TokenKey{{Value: newValue}}, m.settings.TokenKeys...)
	authLog.Info("token_rotated", slog.Int("expiring_keys", rotated))
	return rotated
}

// RevokeUserKey removes a user's whitelist key. Reports whether one existed.
func (m *Manager) RevokeUserKey(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings.WhitelistKeys[userID]; !ok {
		return false
	}
	delete(m.settings.WhitelistKeys, userID)
	authLog.Info("user_key_revoked", slog.String("user", userID))
	return true
}

// UpdateUserKey sets or replaces a user's whitelist key.
func (m *Manager) UpdateUserKey(userID string, key UserKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.WhitelistKeys[userID] = key
	authLog.Info("user_key_updated", slog.String("user", userID))
}

// Snapshot returns a copy of the current settings, for persisting admin
// changes back to configuration.
func (m *Manager) Snapshot() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.settings
	out.TokenKeys = append([]TokenKey(nil), m.settings.TokenKeys...)
	out.WhitelistKeys = make(map[string]UserKey, len(m.settings.WhitelistKeys))
	for k, v := range m.settings.WhitelistKeys {
		out.WhitelistKeys[k] = v
	}
	return out
}
