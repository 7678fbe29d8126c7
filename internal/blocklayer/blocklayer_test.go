package blocklayer

import (
	"sync"
	"testing"

	"github.com/mwatts/acid-store/blockstore"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-process BlockStore fixture, used only by this
// package's tests (spec places concrete backends out of this module's
// production scope; see blockstore.BlockStore's doc comment).
type memStore struct {
	mu     sync.Mutex
	blocks map[blockstore.ID][]byte
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[blockstore.ID][]byte)}
}

func (m *memStore) Put(id blockstore.ID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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

func (m *memStore) LockExclusive() error { return nil }
func (m *memStore) LockShared() error    { return nil }
func (m *memStore) Unlock() error        { return nil }

func testLayer(t *testing.T) (*Layer, *memStore) {
	t.Helper()
	store := newMemStore()
	var key [32]byte
	cd, err := codec.New(codec.Params{Hash: codec.HashBLAKE3, Compression: codec.CompressionLZ4, Encryption: codec.EncryptionXChaCha20Poly1305}, key)
	require.NoError(t, err)
	return New(store, cd, NewIndex()), store
}

func TestStoreChunkDedups(t *testing.T) {
	layer, store := testLayer(t)

	digest1, err := layer.StoreChunk([]byte("hello world"))
	require.NoError(t, err)
	digest2, err := layer.StoreChunk([]byte("hello world"))
	require.NoError(t, err)

	require.Equal(t, digest1, digest2)
	ref, ok := layer.Index().Get(digest1)
	require.True(t, ok)
	require.Equal(t, uint64(2), ref.RefCount)

	blocks, err := store.List()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}

func TestLoadChunkRoundTrips(t *testing.T) {
	layer, _ := testLayer(t)

	digest, err := layer.StoreChunk([]byte("payload bytes"))
	require.NoError(t, err)

	got, err := layer.LoadChunk(digest)
	require.NoError(t, err)
	require.Equal(t, []byte("payload bytes"), got)
}

func TestReleaseThenSweep(t *testing.T) {
	layer, store := testLayer(t)

	digest, err := layer.StoreChunk([]byte("solo chunk"))
	require.NoError(t, err)

	layer.Release(digest)

	freed := layer.SweepZeroRefs()
	require.Len(t, freed, 1)
	require.NoError(t, layer.DeleteBlocks(freed))

	blocks, err := store.List()
	require.NoError(t, err)
	require.Empty(t, blocks)

	_, ok := layer.Index().Get(digest)
	require.False(t, ok)
}

func TestReleaseSharedChunkKeepsBlock(t *testing.T) {
	layer, store := testLayer(t)

	digest, err := layer.StoreChunk([]byte("shared"))
	require.NoError(t, err)
	_, err = layer.StoreChunk([]byte("shared"))
	require.NoError(t, err)

	layer.Release(digest)

	freed := layer.SweepZeroRefs()
	require.Empty(t, freed)

	blocks, err := store.List()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	layer, store := testLayer(t)

	digest, err := layer.StoreChunk([]byte("integrity target"))
	require.NoError(t, err)

	ref, ok := layer.Index().Get(digest)
	require.True(t, ok)

	frame, err := store.Get(ref.BlockID)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF
	require.NoError(t, store.Put(ref.BlockID, frame))

	bad := layer.Verify()
	require.Contains(t, bad, digest)
}

func TestLoadChunkMissingBlock(t *testing.T) {
	layer, store := testLayer(t)

	digest, err := layer.StoreChunk([]byte("will vanish"))
	require.NoError(t, err)

	ref, ok := layer.Index().Get(digest)
	require.True(t, ok)
	require.NoError(t, store.Remove(ref.BlockID))

	// Bypass the plaintext cache so the removal above is actually
	// exercised: force the layer to go back to the block store.
	layer.cache.evict(digest)

	_, err = layer.LoadChunk(digest)
	require.ErrorIs(t, err, ErrMissingBlock)
}
