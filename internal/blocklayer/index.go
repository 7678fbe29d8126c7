package blocklayer

import (
	"sync"

	"github.com/mwatts/acid-store/blockstore"
	"github.com/mwatts/acid-store/internal/codec"
)

// Ref is a chunk index entry: the mapping from a content digest to the
// backend block that stores its encoded frame, plus the bookkeeping
// needed for dedup and reclamation.
type Ref struct {
	Digest   codec.Digest
	BlockID  blockstore.ID
	RefCount uint64
	Length   uint64 // plaintext length
}

// Index is the in-memory digest -> Ref table (spec §4.4). It is not
// transactional, and Layer keeps no staged copy of it either: mutations
// apply to this table directly, and Repository.Rollback discards them by
// reloading the index from the last committed metadata root.
type Index struct {
	mu   sync.RWMutex
	refs map[codec.Digest]*Ref
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{refs: make(map[codec.Digest]*Ref)}
}

// Get returns a copy of the Ref for digest, if present.
func (idx *Index) Get(digest codec.Digest) (Ref, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.refs[digest]
	if !ok {
		return Ref{}, false
	}
	return *r, true
}

// Put inserts or replaces the Ref for its digest.
func (idx *Index) Put(r Ref) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cp := r
	idx.refs[r.Digest] = &cp
}

// Delete removes the Ref for digest.
func (idx *Index) Delete(digest codec.Digest) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.refs, digest)
}

// Incref bumps the refcount for an existing digest and returns the new
// count. It panics if digest is not present, since that indicates a bug
// in the caller (Incref is only ever called after confirming presence).
func (idx *Index) Incref(digest codec.Digest) uint64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.refs[digest]
	if !ok {
		panic("blocklayer: Incref of unknown digest")
	}
	r.RefCount++
	return r.RefCount
}

// Decref drops the refcount for digest and returns the new count. It
// returns (0, false) if digest is not present.
func (idx *Index) Decref(digest codec.Digest) (uint64, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	r, ok := idx.refs[digest]
	if !ok {
		return 0, false
	}
	if r.RefCount > 0 {
		r.RefCount--
	}
	return r.RefCount, true
}

// All returns a snapshot slice of every Ref currently indexed, used for
// serializing the chunk index into the metadata root and for verify/clean
// scans.
func (idx *Index) All() []Ref {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Ref, 0, len(idx.refs))
	for _, r := range idx.refs {
		out = append(out, *r)
	}
	return out
}

// Reset replaces the index contents with refs, used when rebuilding from
// a freshly loaded metadata root (open, rollback).
func (idx *Index) Reset(refs []Ref) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.refs = make(map[codec.Digest]*Ref, len(refs))
	for _, r := range refs {
		cp := r
		idx.refs[r.Digest] = &cp
	}
}

// Len reports how many distinct digests are indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.refs)
}
