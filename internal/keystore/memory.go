// Package keystore holds thread session keys in memory. The delivery core
// only reads from it; keys are deposited by the key-exchange process (see
// repository/threadkey for the Mongo loader).
package keystore

import (
	"crypto/subtle"
	"sync"
)

const KeySize = 32

type Key = [KeySize]byte

type Memory struct {
	mu      sync.RWMutex
	keys    map[string]*Key
	version uint64

	subMu  sync.Mutex
	subs   map[int]func(version uint64)
	nextID int
}

func NewMemory() *Memory {
	return &Memory{
		keys: make(map[string]*Key),
		subs: make(map[int]func(uint64)),
	}
}

func (m *Memory) HasKey(threadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[threadID]
	return ok
}

// Key returns a copy of the thread key.
func (m *Memory) Key(threadID string) (*Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[threadID]
	if !ok {
		return nil, false
	}
	cp := *k
	return &cp, true
}

func (m *Memory) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Put stores key for threadID. The version only moves when contents change.
func (m *Memory) Put(threadID string, key *Key) bool {
	m.mu.Lock()
	if prev, ok := m.keys[threadID]; ok && subtle.ConstantTimeCompare(prev[:], key[:]) == 1 {
		m.mu.Unlock()
		return false
	}
	cp := *key
	m.keys[threadID] = &cp
	m.version++
	v := m.version
	m.mu.Unlock()

	m.notify(v)
	return true
}

func (m *Memory) Delete(threadID string) {
	m.mu.Lock()
	if _, ok := m.keys[threadID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.keys, threadID)
	m.version++
	v := m.version
	m.mu.Unlock()

	m.notify(v)
}

// Subscribe registers fn to run after every version change.
func (m *Memory) Subscribe(fn func(version uint64)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Memory) notify(version uint64) {
	m.subMu.Lock()
	fns := make([]func(uint64), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(version)
	}
}
