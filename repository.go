// Package vault implements an encrypted, deduplicating, transactional
// object repository over a pluggable block backend (the blockstore
// package's BlockStore capability). See SPEC_FULL.md for the full
// component breakdown; concrete backends are not part of this package.
package vault

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mwatts/acid-store/blockstore"
	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
	"github.com/mwatts/acid-store/internal/metadata"
)

// Repository is the top-level engine: object table, chunk index, and
// header lifecycle (spec §4.7, component C7). A Repository is not safe
// for concurrent use by multiple goroutines performing mutations; spec's
// Non-goals exclude multi-writer concurrency on one repository.
type Repository struct {
	mu sync.Mutex

	store     blockstore.BlockStore
	codec     *codec.Codec
	masterKey [32]byte
	layer     *blocklayer.Layer
	config    RepositoryConfig
	log       *logrus.Logger

	header     Header
	activeSlot uint8

	root metadata.Root

	// openHandles caches the live ObjectHandle for each key that currently
	// has one outstanding, so Get/Insert called twice for the same key
	// before it is closed return the same handle rather than two
	// independent snapshots of its span list (spec §4.6's "share a
	// logical copy" for concurrent handles on one key).
	openHandles  map[string]*ObjectHandle
	dirty        bool
	poisoned     bool
	closed       bool
	readOnly     bool
	savepointGen uint64
}

// OpenOption customizes Open.
type OpenOption func(*openOptions)

type openOptions struct {
	verify   bool
	readOnly bool
}

// WithVerify runs a full integrity scan immediately after loading the
// repository, failing Open if any object has a chunk that fails to
// decode.
func WithVerify() OpenOption {
	return func(o *openOptions) { o.verify = true }
}

// WithReadOnly opens the repository under a shared lock instead of an
// exclusive one, so it can coexist with a concurrent writer and observe
// its committed state. The resulting Repository rejects any mutating
// call (Insert, Remove, Commit, Rollback, Clean, ChangePassword, Restore,
// and writes through an ObjectHandle) with a Backend-kind error.
func WithReadOnly() OpenOption {
	return func(o *openOptions) { o.readOnly = true }
}

// Create initializes a brand-new repository on store: a fresh UUID, the
// codec parameters from cfg, a KDF-wrapped master key derived from
// secret, and a header pointing at an empty metadata root.
func Create(store blockstore.BlockStore, cfg RepositoryConfig, secret []byte) (*Repository, error) {
	if err := cfg.validate(); err != nil {
		return nil, newErr("Create", KindUnsupportedFormat, err)
	}
	if err := store.LockExclusive(); err != nil {
		return nil, newErr("Create", KindLocked, err)
	}

	kdf, err := codec.NewKDFParams()
	if err != nil {
		return nil, newErr("Create", KindBackend, err)
	}
	masterKey, err := codec.GenerateMasterKey()
	if err != nil {
		return nil, newErr("Create", KindBackend, err)
	}
	kek := codec.DeriveKEK(secret, kdf)
	wrapped, err := codec.WrapMasterKey(kek, masterKey)
	if err != nil {
		return nil, newErr("Create", KindBackend, err)
	}

	params := cfg.codecParams(kdf)
	cd, err := codec.New(params, masterKey)
	if err != nil {
		return nil, newErr("Create", KindBackend, err)
	}

	layer := blocklayer.New(store, cd, blocklayer.NewIndex())
	root := metadata.NewRoot()

	refs, err := writeMetadataRoot(layer, cfg.chunkerParams(), root)
	if err != nil {
		return nil, newErr("Create", KindBackend, err)
	}

	header := Header{
		RepoUUID:      uuid.New(),
		CommitCounter: 1,
		CodecParams:   params,
		WrappedKey:    wrapped,
		MetadataRoot:  refs,
	}
	if err := writeHeader(store, header, 0); err != nil {
		return nil, newErr("Create", KindBackend, err)
	}

	r := &Repository{
		store:       store,
		codec:       cd,
		masterKey:   masterKey,
		layer:       layer,
		config:      cfg,
		log:         cfg.logger(),
		header:      header,
		activeSlot:  0,
		root:        root,
		openHandles: make(map[string]*ObjectHandle),
	}
	r.log.WithField("repo", header.RepoUUID).Debug("vault: created repository")
	return r, nil
}

// Open loads an existing repository from store, unwrapping its master
// key with secret.
func Open(store blockstore.BlockStore, secret []byte, opts ...OpenOption) (*Repository, error) {
	var oo openOptions
	for _, opt := range opts {
		opt(&oo)
	}

	if oo.readOnly {
		if err := store.LockShared(); err != nil {
			return nil, newErr("Open", KindLocked, err)
		}
	} else if err := store.LockExclusive(); err != nil {
		return nil, newErr("Open", KindLocked, err)
	}

	header, slot, err := readActiveHeader(store)
	if err != nil {
		store.Unlock()
		return nil, newErr("Open", KindCorrupt, err)
	}

	kek := codec.DeriveKEK(secret, header.CodecParams.KDF)
	masterKey, err := codec.UnwrapMasterKey(kek, header.WrappedKey)
	if err != nil {
		store.Unlock()
		return nil, newErr("Open", KindPassword, err)
	}

	cd, err := codec.New(header.CodecParams, masterKey)
	if err != nil {
		store.Unlock()
		return nil, newErr("Open", KindBackend, err)
	}

	layer := blocklayer.New(store, cd, blocklayer.NewIndex())
	root, err := loadMetadataRoot(store, cd, layer, header)
	if err != nil {
		store.Unlock()
		return nil, newErr("Open", KindIntegrity, err)
	}

	r := &Repository{
		store:       store,
		codec:       cd,
		masterKey:   masterKey,
		layer:       layer,
		config:      RepositoryConfig{Hash: header.CodecParams.Hash, Compression: header.CodecParams.Compression, Encryption: header.CodecParams.Encryption, ChunkMinSize: header.CodecParams.ChunkMinSize, ChunkAvgSize: header.CodecParams.ChunkAvgSize, ChunkMaxSize: header.CodecParams.ChunkMaxSize},
		log:         logrus.New(),
		header:      header,
		activeSlot:  slot,
		root:        root,
		readOnly:    oo.readOnly,
		openHandles: make(map[string]*ObjectHandle),
	}

	if oo.verify {
		if bad, err := r.Verify(); err != nil || len(bad) > 0 {
			store.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, newErr("Open", KindIntegrity, fmt.Errorf("%d object(s) failed verification", len(bad)))
		}
	}

	r.log.WithField("repo", header.RepoUUID).Debug("vault: opened repository")
	return r, nil
}

// writeMetadataRoot serializes root, chunks it, dedups each chunk through
// layer, and returns the BlockRef list for the header. Metadata chunks
// are deliberately not run through StoreChunk's shared digest index in
// the sense of being reachable by content lookup from object data; they
// share the same encode/dedup path but are addressed only via the
// header's MetadataRoot, never by digest lookup from an object.
func writeMetadataRoot(layer *blocklayer.Layer, cp chunker.Params, root metadata.Root) ([]BlockRef, error) {
	root.ChunkRefs = metadata.FromIndex(layer.Index())
	data, err := metadata.Encode(root)
	if err != nil {
		return nil, err
	}
	chunks, err := chunker.SplitBytes(data, cp)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	refs := make([]BlockRef, 0, len(chunks))
	for _, chunk := range chunks {
		digest, err := layer.StoreChunk(chunk)
		if err != nil {
			return nil, err
		}
		ref, _ := layer.Index().Get(digest)
		refs = append(refs, BlockRef{BlockID: ref.BlockID, Digest: digest, Length: ref.Length})
	}
	return refs, nil
}

// loadMetadataRoot fetches and decodes every block named by header's
// MetadataRoot directly by block id (bypassing the not-yet-loaded chunk
// index, see BlockRef's doc comment), then rebuilds the chunk index from
// the decoded root's ChunkRefs, merged with the metadata blocks
// themselves so a later commit's writeMetadataRoot can dedup an unchanged
// metadata region against them instead of writing it again.
func loadMetadataRoot(store blockstore.BlockStore, cd *codec.Codec, layer *blocklayer.Layer, header Header) (metadata.Root, error) {
	var data []byte
	metaRefs := make([]blocklayer.Ref, 0, len(header.MetadataRoot))
	for _, ref := range header.MetadataRoot {
		frame, err := store.Get(ref.BlockID)
		if err != nil {
			return metadata.Root{}, fmt.Errorf("repository: fetching metadata block: %w", err)
		}
		plain, err := cd.Decode(frame, ref.Digest)
		if err != nil {
			return metadata.Root{}, fmt.Errorf("repository: decoding metadata block: %w", err)
		}
		data = append(data, plain...)
		metaRefs = append(metaRefs, blocklayer.Ref{Digest: ref.Digest, BlockID: ref.BlockID, RefCount: 1, Length: ref.Length})
	}

	root, err := metadata.Decode(data)
	if err != nil {
		return metadata.Root{}, err
	}

	merged := make(map[codec.Digest]blocklayer.Ref, len(root.ChunkRefs)+len(metaRefs))
	for _, ref := range metadata.ToRefs(root.ChunkRefs) {
		merged[ref.Digest] = ref
	}
	for _, ref := range metaRefs {
		if _, exists := merged[ref.Digest]; !exists {
			merged[ref.Digest] = ref
		}
	}
	all := make([]blocklayer.Ref, 0, len(merged))
	for _, ref := range merged {
		all = append(all, ref)
	}
	layer.Index().Reset(all)
	return root, nil
}

func (r *Repository) chunkerParams() chunker.Params {
	return r.config.chunkerParams()
}

// checkOpen rejects calls on a closed repository, without regard to
// read-only status; it is used by operations that only observe state.
func (r *Repository) checkOpen(op string) error {
	if r.closed {
		return newErr(op, KindBackend, fmt.Errorf("repository is closed"))
	}
	return nil
}

func (r *Repository) checkWritable(op string) error {
	if err := r.checkOpen(op); err != nil {
		return err
	}
	if r.readOnly {
		return newErr(op, KindBackend, fmt.Errorf("repository was opened read-only"))
	}
	if r.poisoned {
		return newErr(op, KindPoisoned, fmt.Errorf("repository poisoned by a prior failure"))
	}
	return nil
}

// Insert creates a new, empty object under key and returns a handle open
// for writing.
func (r *Repository) Insert(key []byte) (*ObjectHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable("Insert"); err != nil {
		return nil, err
	}
	k := string(key)
	if _, exists := r.root.Objects[k]; exists {
		return nil, newErr("Insert", KindAlreadyExists, nil)
	}
	record := metadata.ObjectRecord{}
	r.root.Objects[k] = record
	r.dirty = true

	h := newObjectHandle(r, k, record)
	r.openHandles[k] = h
	return h, nil
}

// Remove deletes the object at key, releasing its chunk references. It
// reports whether the key existed.
func (r *Repository) Remove(key []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable("Remove"); err != nil {
		return false, err
	}
	k := string(key)
	record, exists := r.root.Objects[k]
	if !exists {
		return false, nil
	}
	for _, span := range record.Spans {
		r.layer.Release(span.Digest)
	}
	delete(r.root.Objects, k)
	if h, open := r.openHandles[k]; open {
		h.closed = true
		delete(r.openHandles, k)
	}
	r.dirty = true
	return true, nil
}

// Get opens an existing object for reading and writing.
func (r *Repository) Get(key []byte) (*ObjectHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen("Get"); err != nil {
		return nil, err
	}
	k := string(key)
	if h, open := r.openHandles[k]; open {
		return h, nil
	}
	record, exists := r.root.Objects[k]
	if !exists {
		return nil, newErr("Get", KindNotFound, nil)
	}
	h := newObjectHandle(r, k, record)
	r.openHandles[k] = h
	return h, nil
}

// Contains reports whether key names an existing object.
func (r *Repository) Contains(key []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.root.Objects[string(key)]
	return exists
}

// Keys returns every object key currently in the repository, staged or
// committed.
func (r *Repository) Keys() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([][]byte, 0, len(r.root.Objects))
	for k := range r.root.Objects {
		keys = append(keys, []byte(k))
	}
	return keys
}

// Commit flushes every open handle, serializes the object table and
// chunk index into a new metadata root, and atomically swaps the header
// to reference it via the well-known pointer block flip (spec §4.7).
func (r *Repository) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable("Commit"); err != nil {
		return err
	}

	for _, h := range r.openHandles {
		if h.closed {
			continue
		}
		if err := h.Flush(); err != nil {
			r.poisoned = true
			return err
		}
	}

	refs, err := writeMetadataRoot(r.layer, r.chunkerParams(), r.root)
	if err != nil {
		r.poisoned = true
		return newErr("Commit", KindBackend, err)
	}

	newHeader := r.header
	newHeader.CommitCounter++
	newHeader.MetadataRoot = refs
	targetSlot := otherSlot(r.activeSlot)

	if err := writeHeader(r.store, newHeader, targetSlot); err != nil {
		// Nothing observable has changed yet: the old slot and pointer
		// are untouched, so the repository is not poisoned by this.
		return newErr("Commit", KindBackend, err)
	}

	oldMetadataIDs := make([]blockstore.ID, 0, len(r.header.MetadataRoot))
	for _, ref := range r.header.MetadataRoot {
		oldMetadataIDs = append(oldMetadataIDs, ref.BlockID)
	}
	if err := deleteBlocks(r.store, oldMetadataIDs); err != nil {
		r.log.WithError(err).Warn("vault: failed removing superseded metadata blocks")
	}

	freed := r.layer.SweepZeroRefs()
	if err := r.layer.DeleteBlocks(freed); err != nil {
		r.log.WithError(err).Warn("vault: failed reclaiming zero-refcount blocks")
	}

	r.header = newHeader
	r.activeSlot = targetSlot
	r.dirty = false
	r.savepointGen++
	r.log.WithField("commit_counter", newHeader.CommitCounter).Debug("vault: committed")
	return nil
}

// Rollback discards every mutation staged since the last successful
// Commit (or Open) by reloading the object table and chunk index fresh
// from the currently active header, and clears any poisoned state.
func (r *Repository) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen("Rollback"); err != nil {
		return err
	}
	if r.readOnly {
		return newErr("Rollback", KindBackend, fmt.Errorf("repository was opened read-only"))
	}

	root, err := loadMetadataRoot(r.store, r.codec, r.layer, r.header)
	if err != nil {
		return newErr("Rollback", KindIntegrity, err)
	}
	r.root = root
	r.dirty = false
	r.poisoned = false
	for _, h := range r.openHandles {
		h.closed = true
	}
	r.openHandles = make(map[string]*ObjectHandle)
	return nil
}

// Clean scans the backend for blocks that are neither referenced by the
// current chunk index nor part of the current header/metadata root, and
// removes them. It complements the best-effort reclamation Commit
// already performs, covering blocks orphaned by a crash between a
// header write and its cleanup step.
func (r *Repository) Clean() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable("Clean"); err != nil {
		return err
	}

	live := make(map[blockstore.ID]struct{})
	live[pointerBlockID] = struct{}{}
	live[slotABlockID] = struct{}{}
	live[slotBBlockID] = struct{}{}
	for _, ref := range r.header.MetadataRoot {
		live[ref.BlockID] = struct{}{}
	}
	for _, ref := range r.layer.Index().All() {
		live[ref.BlockID] = struct{}{}
	}

	ids, err := r.store.List()
	if err != nil {
		return newErr("Clean", KindBackend, err)
	}
	var stale []blockstore.ID
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := deleteBlocks(r.store, stale); err != nil {
		return newErr("Clean", KindBackend, err)
	}
	r.log.WithField("removed", len(stale)).Debug("vault: clean swept orphaned blocks")
	return nil
}

// Verify decodes every chunk backing every object and returns the keys
// of any objects that fail to round-trip.
func (r *Repository) Verify() ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bad := make(map[codec.Digest]struct{})
	for _, digest := range r.layer.Verify() {
		bad[digest] = struct{}{}
	}

	var badKeys [][]byte
	for key, record := range r.root.Objects {
		for _, span := range record.Spans {
			if _, ok := bad[span.Digest]; ok {
				badKeys = append(badKeys, []byte(key))
				break
			}
		}
	}
	if len(bad) > 0 {
		r.poisoned = true
	}
	return badKeys, nil
}

// ChangePassword re-derives the key-encryption key from newSecret and
// rewraps the already-unwrapped master key under it, without rewriting
// any content block: rotating the password only ever touches the header.
func (r *Repository) ChangePassword(newSecret []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable("ChangePassword"); err != nil {
		return err
	}

	kdf, err := codec.NewKDFParams()
	if err != nil {
		return newErr("ChangePassword", KindBackend, err)
	}
	kek := codec.DeriveKEK(newSecret, kdf)
	wrapped, err := codec.WrapMasterKey(kek, r.masterKey)
	if err != nil {
		return newErr("ChangePassword", KindBackend, err)
	}

	newHeader := r.header
	newHeader.CommitCounter++
	newHeader.CodecParams.KDF = kdf
	newHeader.WrappedKey = wrapped
	targetSlot := otherSlot(r.activeSlot)

	if err := writeHeader(r.store, newHeader, targetSlot); err != nil {
		return newErr("ChangePassword", KindBackend, err)
	}
	r.header = newHeader
	r.activeSlot = targetSlot
	r.log.Debug("vault: rotated password")
	return nil
}

// Savepoint captures the current staged object table and chunk index so
// they can be cheaply restored later without a full Rollback to the last
// commit. It is invalidated by the next Commit.
type Savepoint struct {
	generation uint64
	objects    map[string]metadata.ObjectRecord
	refs       []blocklayer.Ref
}

// Savepoint snapshots the repository's current in-memory state.
func (r *Repository) Savepoint() *Savepoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	objects := make(map[string]metadata.ObjectRecord, len(r.root.Objects))
	for k, v := range r.root.Objects {
		objects[k] = v
	}
	return &Savepoint{
		generation: r.savepointGen,
		objects:    objects,
		refs:       r.layer.Index().All(),
	}
}

// Restore swaps the repository's staged state back to sp. It fails if a
// Commit has happened since sp was taken.
func (r *Repository) Restore(sp *Savepoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen("Restore"); err != nil {
		return err
	}
	if r.readOnly {
		return newErr("Restore", KindBackend, fmt.Errorf("repository was opened read-only"))
	}
	if sp.generation != r.savepointGen {
		return newErr("Restore", KindUnsupportedFormat, fmt.Errorf("savepoint invalidated by a later commit"))
	}

	objects := make(map[string]metadata.ObjectRecord, len(sp.objects))
	for k, v := range sp.objects {
		objects[k] = v
	}
	r.root.Objects = objects
	r.layer.Index().Reset(sp.refs)
	for _, h := range r.openHandles {
		h.closed = true
	}
	r.openHandles = make(map[string]*ObjectHandle)
	return nil
}

// Close discards any uncommitted mutations and releases the backend
// lock. It does not commit; callers must call Commit explicitly first.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.store.Unlock(); err != nil {
		return newErr("Close", KindBackend, err)
	}
	return nil
}

func deleteBlocks(store blockstore.BlockStore, ids []blockstore.ID) error {
	for _, id := range ids {
		if err := store.Remove(id); err != nil {
			return blockstore.WrapBackend("remove", err)
		}
	}
	return nil
}
