package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionIdleTTL     = 30 * time.Minute
	sessionSweepPeriod = time.Minute
)

// sessionManager tracks MCP session ids by last activity. An id the
// server never issued (a client reconnecting after a restart, or a
// session already reaped) is registered as a new session rather than
// rejected, so a stale Mcp-Session-Id header never turns into an
// error. Sessions idle past the TTL are reaped by a background sweep.
type sessionManager struct {
	ttl time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func newSessionManager(ttl time.Duration) *sessionManager {
	m := &sessionManager{
		ttl:      ttl,
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *sessionManager) Generate() string {
	id := uuid.NewString()
	m.touch(id)
	return id
}

// Validate accepts every id, minting a session record on first sight.
func (m *sessionManager) Validate(sessionID string) (bool, error) {
	m.touch(sessionID)
	return false, nil
}

func (m *sessionManager) Terminate(sessionID string) (bool, error) {
	m.mu.Lock()
	delete(m.lastSeen, sessionID)
	m.mu.Unlock()
	return false, nil
}

func (m *sessionManager) touch(id string) {
	now := time.Now()
	m.mu.Lock()
	m.lastSeen[id] = now
	m.mu.Unlock()
}

func (m *sessionManager) sweep() {
	t := time.NewTicker(sessionSweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-t.C:
			m.expireIdle(now)
		}
	}
}

// expireIdle drops sessions idle past the TTL and reports how many
// were dropped.
func (m *sessionManager) expireIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := 0
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.ttl {
			delete(m.lastSeen, id)
			reaped++
		}
	}
	return reaped
}

func (m *sessionManager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

func (m *sessionManager) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}
