// README: Single-process lock manager with TTL expiry and owner tokens.
package lock

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager only coordinates goroutines inside one process. A background
// goroutine sweeps expired entries until Stop is called.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func NewMemoryManager() *MemoryManager {
	return newMemoryManager(time.Now)
}

func newMemoryManager(now func() time.Time) *MemoryManager {
	m := &MemoryManager{
		locks: make(map[string]lockEntry),
		now:   now,
		stop:  make(chan struct{}),
	}
	go m.sweep(time.Second)
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}
	token := newToken()
	m.locks[key] = lockEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryManager) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

// Held reports whether key is currently locked.
func (m *MemoryManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	return ok && m.now().Before(e.expiresAt)
}

func (m *MemoryManager) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, e := range m.locks {
				if !now.Before(e.expiresAt) {
					delete(m.locks, key)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// Stop ends the sweeper goroutine.
func (m *MemoryManager) Stop() {
	m.once.Do(func() { close(m.stop) })
}
