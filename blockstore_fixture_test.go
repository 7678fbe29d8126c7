package vault

import (
	"fmt"
	"sync"

	"github.com/mwatts/acid-store/blockstore"
)

// memStore is an in-process BlockStore fixture used only by this
// package's tests; production callers bring their own backend (spec
// keeps concrete backends out of scope, see blockstore.BlockStore).
type memStore struct {
	mu            sync.Mutex
	blocks        map[blockstore.ID][]byte
	exclusiveHeld bool
	sharedCount   int
	putCount      int
	failPut       int // if > 0, the failPut'th call to Put fails
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[blockstore.ID][]byte)}
}

func (m *memStore) Put(id blockstore.ID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCount++
	if m.failPut > 0 && m.putCount == m.failPut {
		return fmt.Errorf("memstore: injected failure on put #%d", m.putCount)
	}
	cp := append([]byte(nil), data...)
	m.blocks[id] = cp
	return nil
}

func (m *memStore) Get(id blockstore.ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, blockstore.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memStore) Remove(id blockstore.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}

func (m *memStore) List() ([]blockstore.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]blockstore.ID, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids, nil
}

// LockExclusive models single-writer exclusion: only one writable session
// may hold it at a time, regardless of any shared readers.
func (m *memStore) LockExclusive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exclusiveHeld {
		return fmt.Errorf("memstore: already locked")
	}
	m.exclusiveHeld = true
	return nil
}

// LockShared models a read-only session: it always succeeds, including
// while another session holds the exclusive lock, so a read-only Open can
// observe committed state concurrently with an active writer (spec's S5).
func (m *memStore) LockShared() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sharedCount++
	return nil
}

// Unlock releases whichever kind of lock the caller is holding. Since a
// caller only ever holds one kind at a time, prefer releasing a shared
// slot if any are outstanding.
func (m *memStore) Unlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sharedCount > 0 {
		m.sharedCount--
		return nil
	}
	m.exclusiveHeld = false
	return nil
}
