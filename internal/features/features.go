// Package features decides feature rollout per venue and user.
package features

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// CanaryProcessor routes payments to the canary processor variant.
const CanaryProcessor = "payments.canary_processor"

// Context identifies who a decision is made for.
type Context struct {
	VenueID string
	UserID  string
}

// Flag is one rollout rule. Venues in the allow-list are always enabled;
// everyone else is enabled when their bucket falls below Rollout.
type Flag struct {
	Name    string
	Enabled bool
	Rollout int // percentage, 0..100
	Venues  []string
}

// Manager holds the current flag set.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]Flag
}

// NewManager creates a manager holding flags.
func NewManager(flags ...Flag) *Manager {
	m := &Manager{flags: make(map[string]Flag, len(flags))}
	for _, f := range flags {
		m.flags[f.Name] = f
	}
	return m
}

// Set adds or replaces a flag.
func (m *Manager) Set(f Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[f.Name] = f
}

// Flag returns the named flag.
func (m *Manager) Flag(name string) (Flag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[name]
	return f, ok
}

// IsEnabled reports whether name is on for c. Unknown flags are off.
func (m *Manager) IsEnabled(name string, c Context) bool {
	f, ok := m.Flag(name)
	if !ok || !f.Enabled {
		return false
	}
	if c.VenueID != "" && slices.Contains(f.Venues, c.VenueID) {
		return true
	}
	switch {
	case f.Rollout <= 0:
		return false
	case f.Rollout >= 100:
		return true
	}
	return Bucket(name, c) < uint64(f.Rollout)
}

// Bucket maps (flag, venue, user) to a stable value in [0, 100).
func Bucket(name string, c Context) uint64 {
	return xxhash.Sum64String(name+":"+c.VenueID+":"+c.UserID) % 100
}
