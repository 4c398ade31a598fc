package concurrency

import "sync"

// KeyedMutex serializes work per key. Callers blocked on the same key are
// released in lock-acquisition order (sync.Mutex hands off to waiters), which
// gives each tenant a FIFO serialization slot while distinct tenants proceed
// in parallel.
type KeyedMutex struct {
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	lock.Lock()
}

func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	m.mu.Unlock()
	if ok {
		lock.Unlock()
	}
}

// TryLock acquires the key's slot only if it is free.
func (m *KeyedMutex) TryLock(key string) bool {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	return lock.TryLock()
}
