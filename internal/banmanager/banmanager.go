// Package banmanager implements per-client-identifier failure tracking with
// a sliding window and permanent bans, protecting the gateway from
// credential-stuffing and key-guessing attempts.
//
// One outer RWMutex guards a map of per-identifier records, each record
// guarded by its own mutex, so the read-modify-write sequence for a single
// identifier (increment, window check, ban insertion) is atomic with
// respect to other calls for that identifier without serializing unrelated
// identifiers.
package banmanager

import (
	"net/netip"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxFailures is the number of failures within the window that
	// trips a permanent ban.
	DefaultMaxFailures = 5
	// DefaultFailureWindow is the sliding interval over which failures are
	// counted toward a ban.
	DefaultFailureWindow = time.Hour
)

type record struct {
	mu           sync.Mutex
	failures     uint32
	firstFailure time.Time
}

// MetricsRecorder receives ban-manager events; event is one of "failure",
// "banned", "reset".
type MetricsRecorder interface {
	RecordBanEvent(event string)
}

// Manager tracks failure records and permanent bans per client identifier.
type Manager struct {
	maxFailures   uint32
	failureWindow time.Duration

	mu      sync.RWMutex
	records map[string]*record

	bannedMu sync.RWMutex
	banned   map[string]struct{}

	metrics MetricsRecorder
}

// SetMetrics attaches a MetricsRecorder; events are only recorded once one
// is set.
func (m *Manager) SetMetrics(rec MetricsRecorder) {
	m.metrics = rec
}

// New creates a Manager with the given threshold and window. Zero values
// fall back to DefaultMaxFailures / DefaultFailureWindow.
func New(maxFailures uint32, failureWindow time.Duration) *Manager {
	if maxFailures == 0 {
		maxFailures = DefaultMaxFailures
	}
	if failureWindow == 0 {
		failureWindow = DefaultFailureWindow
	}
	return &Manager{
		maxFailures:   maxFailures,
		failureWindow: failureWindow,
		records:       make(map[string]*record),
		banned:        make(map[string]struct{}),
	}
}

// IsBanned reports whether id's canonical key is in the banned set.
func (m *Manager) IsBanned(id string) bool {
	key := CanonicalKey(id)
	m.bannedMu.RLock()
	defer m.bannedMu.RUnlock()
	_, ok := m.banned[key]
	return ok
}

// RecordFailure registers one authentication failure for id. If the
// existing record is still within the failure window, its counter is
// incremented; otherwise the record resets to (1, now). Once the counter
// reaches maxFailures the identifier is permanently banned.
//
// The increment, window check, and ban insertion are atomic with respect
// to other RecordFailure/ResetFailures calls for the same id.
func (m *Manager) RecordFailure(id string) {
	key := CanonicalKey(id)
	rec := m.getOrCreate(key)

	rec.mu.Lock()
	now := time.Now()
	if rec.firstFailure.IsZero() || now.Sub(rec.firstFailure) > m.failureWindow {
		rec.firstFailure = now
		rec.failures = 1
	} else {
		rec.failures++
	}
	ban := rec.failures >= m.maxFailures
	rec.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordBanEvent("failure")
	}

	if ban {
		m.bannedMu.Lock()
		m.banned[key] = struct{}{}
		m.bannedMu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordBanEvent("banned")
		}
	}
}

// ResetFailures removes the failure record (not an existing ban) for id,
// called on successful authentication.
func (m *Manager) ResetFailures(id string) {
	key := CanonicalKey(id)
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordBanEvent("reset")
	}
}

// GetFailureCount returns the current failure count for id, or 0 if there
// is no record or the window has expired.
func (m *Manager) GetFailureCount(id string) uint32 {
	key := CanonicalKey(id)

	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.firstFailure.IsZero() || time.Since(rec.firstFailure) > m.failureWindow {
		return 0
	}
	return rec.failures
}

func (m *Manager) getOrCreate(key string) *record {
	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if ok {
		return rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.records[key]; ok {
		return rec
	}
	rec = &record{}
	m.records[key] = rec
	return rec
}

// CanonicalKey derives the ban-manager key for a client identifier string:
// IPv4 addresses key directly, IPv6 addresses key by their /48 network,
// and unparseable strings key verbatim.
func CanonicalKey(id string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(id))
	if err != nil {
		return id
	}
	if addr.Is4() || addr.Is4In6() {
		return addr.String()
	}
	network, err := addr.Prefix(48)
	if err != nil {
		return addr.String()
	}
	return network.Masked().String()
}

// ClientIdentifier derives the client identifier for a request: the peer
// address if public, else the first value of X-Real-IP, else the first
// comma-separated value of X-Forwarded-For, else the peer address.
func ClientIdentifier(peerAddr, xRealIP, xForwardedFor string) string {
	if addr, err := netip.ParseAddr(peerAddr); err == nil && addr.IsGlobalUnicast() && !addr.IsPrivate() {
		return peerAddr
	}
	if xRealIP != "" {
		return strings.TrimSpace(xRealIP)
	}
	if xForwardedFor != "" {
		first, _, _ := strings.Cut(xForwardedFor, ",")
		return strings.TrimSpace(first)
	}
	return peerAddr
}
