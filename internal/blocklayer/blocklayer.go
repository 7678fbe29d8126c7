// Package blocklayer implements the digest-addressed, refcounted block
// index and dedup logic (spec §4.4, component C4) sitting between the
// object handle and the codec pipeline / block store.
package blocklayer

import (
	"errors"
	"fmt"

	"github.com/mwatts/acid-store/blockstore"
	"github.com/mwatts/acid-store/internal/codec"
)

// ErrMissingBlock is returned by LoadChunk when the index has a Ref for a
// digest but the backing block is absent from the store.
var ErrMissingBlock = errors.New("blocklayer: missing block")

const defaultCacheSize = 256

// Layer is the block layer: it deduplicates by content digest, encodes
// and decodes through a Codec, and persists through a BlockStore.
type Layer struct {
	store blockstore.BlockStore
	codec *codec.Codec
	index *Index
	cache *plaintextCache
}

// New builds a Layer over an already-open store, codec, and index. The
// index is normally freshly loaded from the metadata root (Open) or
// empty (Create).
func New(store blockstore.BlockStore, cd *codec.Codec, index *Index) *Layer {
	return &Layer{store: store, codec: cd, index: index, cache: newPlaintextCache(defaultCacheSize)}
}

// Index exposes the underlying chunk index, e.g. for serializing into a
// metadata root at commit time.
func (l *Layer) Index() *Index {
	return l.index
}

// StoreChunk deduplicates and persists plaintext, returning its digest.
// If a chunk with the same digest is already indexed, its refcount is
// incremented and no new block is written.
func (l *Layer) StoreChunk(plaintext []byte) (codec.Digest, error) {
	digest := l.codec.Hash(plaintext)

	if _, ok := l.index.Get(digest); ok {
		l.index.Incref(digest)
		return digest, nil
	}

	_, frame, err := l.codec.Encode(plaintext)
	if err != nil {
		return codec.Digest{}, fmt.Errorf("blocklayer: encoding chunk: %w", err)
	}

	id := blockstore.NewID()
	if err := l.store.Put(id, frame); err != nil {
		return codec.Digest{}, blockstore.WrapBackend("put", err)
	}

	l.index.Put(Ref{Digest: digest, BlockID: id, RefCount: 1, Length: uint64(len(plaintext))})
	l.cache.put(digest, plaintext)
	return digest, nil
}

// LoadChunk resolves digest through the index and returns its plaintext,
// decoding from the backing block store if not already cached.
func (l *Layer) LoadChunk(digest codec.Digest) ([]byte, error) {
	if data, ok := l.cache.get(digest); ok {
		return data, nil
	}

	ref, ok := l.index.Get(digest)
	if !ok {
		return nil, ErrMissingBlock
	}

	frame, err := l.store.Get(ref.BlockID)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return nil, ErrMissingBlock
		}
		return nil, blockstore.WrapBackend("get", err)
	}

	plaintext, err := l.codec.Decode(frame, digest)
	if err != nil {
		return nil, err
	}

	l.cache.put(digest, plaintext)
	return plaintext, nil
}

// Release decrements the refcount for digest. It does not delete the
// block immediately; a refcount of zero only marks the digest eligible
// for removal by SweepZeroRefs at the next commit, matching spec §3's write-once
// block lifecycle.
func (l *Layer) Release(digest codec.Digest) {
	if count, ok := l.index.Decref(digest); ok && count == 0 {
		l.cache.evict(digest)
	}
}

// SweepZeroRefs removes every Ref whose count has reached zero from the
// index and returns the block ids that are now safe to delete from the
// backing store.
func (l *Layer) SweepZeroRefs() []blockstore.ID {
	var freed []blockstore.ID
	for _, ref := range l.index.All() {
		if ref.RefCount == 0 {
			freed = append(freed, ref.BlockID)
			l.index.Delete(ref.Digest)
		}
	}
	return freed
}

// DeleteBlocks removes each id from the backing store, tolerating ids
// that are already absent (best-effort reclamation).
func (l *Layer) DeleteBlocks(ids []blockstore.ID) error {
	for _, id := range ids {
		if err := l.store.Remove(id); err != nil && !errors.Is(err, blockstore.ErrNotFound) {
			return blockstore.WrapBackend("remove", err)
		}
	}
	return nil
}

// Verify checks that every indexed digest's backing block is present and
// decodes to a matching digest. It returns the digests that failed.
func (l *Layer) Verify() []codec.Digest {
	var bad []codec.Digest
	for _, ref := range l.index.All() {
		l.cache.evict(ref.Digest)
		if _, err := l.LoadChunk(ref.Digest); err != nil {
			bad = append(bad, ref.Digest)
		}
	}
	return bad
}
