package vault

import (
	"fmt"
	"io"
	"sort"

	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/metadata"
)

// ObjectHandle is a seekable, copy-on-write view over one object's chunk
// list (spec §4.6, component C6). A Write or a growing Truncate opens an
// edit session that buffers only the chunk range touched by the edit -
// the chunk straddling the start of the write, any newly written bytes,
// and the chunk straddling the end of the write - and re-chunks just
// that buffer on commit. Chunks entirely before or after the edited
// range are never loaded, re-split, or re-stored, so the cost of an
// edit is bounded by the size of the edit plus at most two boundary
// chunks, not by the size of the object (spec §4.6, "COW locality").
type ObjectHandle struct {
	repo *Repository
	key  string

	record  metadata.ObjectRecord
	offsets []int64 // cumulative offsets, len(record.Spans)+1; lazily built

	size int64 // current logical size; kept in sync outside of edit sessions
	pos  int64

	editing    bool
	startIndex int    // record.Spans index where the open edit session begins
	pending    []byte // buffered plaintext for the touched chunk range

	closed bool
}

func newObjectHandle(repo *Repository, key string, record metadata.ObjectRecord) *ObjectHandle {
	return &ObjectHandle{repo: repo, key: key, record: record, size: int64(record.Size)}
}

func (o *ObjectHandle) buildOffsets() {
	if o.offsets != nil {
		return
	}
	offsets := make([]int64, len(o.record.Spans)+1)
	var total int64
	for i, span := range o.record.Spans {
		offsets[i] = total
		total += int64(span.Length)
	}
	offsets[len(o.record.Spans)] = total
	o.offsets = offsets
}

// locate returns the span index covering byte offset off, and the offset
// within that span, via binary search over the cached cumulative offsets
// (spec §4.6 asks for this explicitly, generalizing the original's linear
// scan; see SPEC_FULL.md §6).
func (o *ObjectHandle) locate(off int64) (spanIndex int, withinSpan int64) {
	o.buildOffsets()
	n := len(o.record.Spans)
	if n == 0 {
		return 0, 0
	}
	i := sort.Search(n, func(i int) bool { return o.offsets[i+1] > off })
	if i >= n {
		return n - 1, int64(o.record.Spans[n-1].Length)
	}
	return i, off - o.offsets[i]
}

// Size returns the object's current length.
func (o *ObjectHandle) Size() int64 {
	return o.size
}

// beginEdit opens an edit session anchored at the span containing o.pos,
// seeding the pending buffer with that span's prefix up to o.pos (or
// nothing, if o.pos falls on or past the object's current end - a fresh
// object or an append past the end starts a session with no boundary
// chunk to preserve, unlike the original this technique is grounded on,
// which panics locating a chunk past the end of an empty or short object).
func (o *ObjectHandle) beginEdit() error {
	if o.editing {
		return nil
	}
	o.buildOffsets()
	n := len(o.record.Spans)
	originalTotal := o.offsets[n]

	var idx int
	var startOff int64
	var prefix []byte

	if n == 0 || o.pos >= originalTotal {
		idx = n
		startOff = originalTotal
	} else {
		i, within := o.locate(o.pos)
		idx = i
		startOff = o.offsets[i]
		span := o.record.Spans[i]
		plain, err := o.repo.layer.LoadChunk(span.Digest)
		if err != nil {
			return newErr("write", KindIntegrity, err)
		}
		cut := within
		if cut > int64(len(plain)) {
			cut = int64(len(plain))
		}
		prefix = append([]byte(nil), plain[:cut]...)
	}

	if gap := o.pos - (startOff + int64(len(prefix))); gap > 0 {
		prefix = append(prefix, make([]byte, gap)...)
	}

	o.startIndex = idx
	o.pending = prefix
	o.editing = true
	return nil
}

// spliceRefcounts releases one reference for every occurrence present in
// oldSpans, counted per occurrence rather than per distinct digest.
// References for newSpans were already incremented by StoreChunk as each
// chunk was produced, so a digest present in both ranges nets out
// unchanged and one that did not survive into newSpans is decremented
// once per lost occurrence (spec §3 invariant 2, refcount soundness).
func (o *ObjectHandle) spliceRefcounts(oldSpans, newSpans []metadata.ChunkSpan) {
	for _, s := range oldSpans {
		o.repo.layer.Release(s.Digest)
	}
}

// commitEdit closes the open edit session: it appends the suffix of the
// boundary chunk at the session's current end (the untouched tail of
// whatever chunk o.pos landed in, if any), re-chunks only the buffered
// range, dedups the result against the chunk index, and splices the
// resulting spans into record.Spans[startIndex:spliceEnd]. Every span
// outside that range - the bulk of the object for a small edit - is
// left untouched: never loaded, never re-hashed, never re-stored.
func (o *ObjectHandle) commitEdit() error {
	if !o.editing {
		return nil
	}
	o.buildOffsets()
	originalTotal := o.offsets[len(o.record.Spans)]
	spliceEnd := len(o.record.Spans)

	if o.pos < originalTotal {
		idx, within := o.locate(o.pos)
		span := o.record.Spans[idx]
		plain, err := o.repo.layer.LoadChunk(span.Digest)
		if err != nil {
			return newErr("flush", KindIntegrity, err)
		}
		if within < int64(len(plain)) {
			o.pending = append(o.pending, plain[within:]...)
		}
		spliceEnd = idx + 1
	}

	var newSpans []metadata.ChunkSpan
	if len(o.pending) > 0 {
		chunks, err := chunker.SplitBytes(o.pending, o.repo.chunkerParams())
		if err != nil {
			return newErr("flush", KindBackend, err)
		}
		newSpans = make([]metadata.ChunkSpan, 0, len(chunks))
		for _, chunk := range chunks {
			digest, err := o.repo.layer.StoreChunk(chunk)
			if err != nil {
				o.repo.poisoned = true
				return newErr("flush", KindBackend, err)
			}
			newSpans = append(newSpans, metadata.ChunkSpan{Digest: digest, Length: uint64(len(chunk))})
		}
	}

	oldRange := o.record.Spans[o.startIndex:spliceEnd]
	o.spliceRefcounts(oldRange, newSpans)

	spans := make([]metadata.ChunkSpan, 0, o.startIndex+len(newSpans)+(len(o.record.Spans)-spliceEnd))
	spans = append(spans, o.record.Spans[:o.startIndex]...)
	spans = append(spans, newSpans...)
	spans = append(spans, o.record.Spans[spliceEnd:]...)

	o.record = metadata.ObjectRecord{Spans: spans, Size: uint64(o.size)}
	o.offsets = nil
	o.editing = false
	o.pending = nil
	o.repo.root.Objects[o.key] = o.record
	o.repo.dirty = true
	return nil
}

// Read implements io.Reader. A pending edit session is committed first,
// so a read always sees the bytes most recently written to this handle.
func (o *ObjectHandle) Read(p []byte) (int, error) {
	if o.closed {
		return 0, fmt.Errorf("object: read after close")
	}
	if o.editing {
		if err := o.commitEdit(); err != nil {
			return 0, err
		}
	}

	size := o.size
	if o.pos >= size {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && o.pos < size {
		idx, within := o.locate(o.pos)
		span := o.record.Spans[idx]
		plain, err := o.repo.layer.LoadChunk(span.Digest)
		if err != nil {
			return n, newErr("read", KindIntegrity, err)
		}
		copied := copy(p[n:], plain[within:])
		n += copied
		o.pos += int64(copied)
	}
	return n, nil
}

// Write implements io.Writer, overwriting content starting at the current
// position and extending the object if the write runs past its end. It
// buffers the affected chunk range in the open edit session rather than
// materializing the whole object; the buffer is re-chunked and spliced
// in on the next Read, Seek, Truncate, or Close.
func (o *ObjectHandle) Write(p []byte) (int, error) {
	if o.closed {
		return 0, fmt.Errorf("object: write after close")
	}
	if o.repo.readOnly {
		return 0, newErr("Write", KindBackend, fmt.Errorf("repository was opened read-only"))
	}
	if !o.editing {
		if err := o.beginEdit(); err != nil {
			return 0, err
		}
	}
	o.pending = append(o.pending, p...)
	o.pos += int64(len(p))
	if o.pos > o.size {
		o.size = o.pos
	}
	return len(p), nil
}

// Seek implements io.Seeker. An open edit session is committed first,
// since a seek may leave the touched range for good.
func (o *ObjectHandle) Seek(offset int64, whence int) (int64, error) {
	if o.editing {
		if err := o.commitEdit(); err != nil {
			return 0, err
		}
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = o.pos
	case io.SeekEnd:
		base = o.size
	default:
		return 0, fmt.Errorf("object: invalid whence %d", whence)
	}
	newPos := base + offset
	if newPos < 0 {
		return 0, fmt.Errorf("object: negative seek position")
	}
	o.pos = newPos
	return newPos, nil
}

// shrink truncates the object to size < o.size. Only the chunk straddling
// the new end is touched: its prefix up to size (if any) is stored as a
// single replacement chunk, and every span from that chunk onward is
// released. Everything before it is untouched.
func (o *ObjectHandle) shrink(size int64) error {
	o.buildOffsets()
	idx, within := o.locate(size)

	var newSpans []metadata.ChunkSpan
	if within > 0 {
		span := o.record.Spans[idx]
		plain, err := o.repo.layer.LoadChunk(span.Digest)
		if err != nil {
			return newErr("truncate", KindIntegrity, err)
		}
		cut := within
		if cut > int64(len(plain)) {
			cut = int64(len(plain))
		}
		kept := append([]byte(nil), plain[:cut]...)
		digest, err := o.repo.layer.StoreChunk(kept)
		if err != nil {
			o.repo.poisoned = true
			return newErr("truncate", KindBackend, err)
		}
		newSpans = []metadata.ChunkSpan{{Digest: digest, Length: uint64(len(kept))}}
	}

	oldRange := o.record.Spans[idx:]
	o.spliceRefcounts(oldRange, newSpans)

	spans := append(append([]metadata.ChunkSpan(nil), o.record.Spans[:idx]...), newSpans...)
	o.record = metadata.ObjectRecord{Spans: spans, Size: uint64(size)}
	o.offsets = nil
	o.size = size
	o.repo.root.Objects[o.key] = o.record
	o.repo.dirty = true
	return nil
}

// Truncate resizes the object to size, zero-extending if size is larger
// than the current length. Growth is committed synchronously (via a
// one-off edit session over the appended zero bytes) so Size reflects
// the new length immediately, without waiting for Close.
func (o *ObjectHandle) Truncate(size int64) error {
	if o.repo.readOnly {
		return newErr("Truncate", KindBackend, fmt.Errorf("repository was opened read-only"))
	}
	if o.editing {
		if err := o.commitEdit(); err != nil {
			return err
		}
	}

	switch {
	case size < o.size:
		if err := o.shrink(size); err != nil {
			return err
		}
	case size > o.size:
		savedPos := o.pos
		o.pos = o.size
		if err := o.beginEdit(); err != nil {
			return err
		}
		o.pending = append(o.pending, make([]byte, size-o.size)...)
		o.pos = size
		o.size = size
		if err := o.commitEdit(); err != nil {
			return err
		}
		o.pos = savedPos
	}

	if o.pos > size {
		o.pos = size
	}
	return nil
}

// Flush commits any open edit session, staging the resulting chunk list
// into the repository's object table. It is a no-op if the handle has no
// pending writes.
func (o *ObjectHandle) Flush() error {
	return o.commitEdit()
}

// Close flushes pending writes, detaches the handle from its repository,
// and stops the repository from returning it to a later Get/Insert on
// the same key. Closing without a prior Commit does not discard the
// staged mutation - per spec, only Repository.Rollback or a fresh Open
// discards uncommitted state; Close only releases the handle itself.
func (o *ObjectHandle) Close() error {
	if o.closed {
		return nil
	}
	err := o.Flush()
	o.closed = true
	if o.repo.openHandles[o.key] == o {
		delete(o.repo.openHandles, o.key)
	}
	return err
}

// Verify decodes every chunk backing the object and reports whether they
// all round-trip cleanly, without touching the rest of the repository
// (cheaper than Repository.Verify's full scan).
func (o *ObjectHandle) Verify() (bool, error) {
	for _, span := range o.record.Spans {
		// Read and decode the stored frame directly, bypassing the block
		// layer's plaintext cache, so a corrupted block is not masked by
		// an earlier cached decode.
		ref, ok := o.repo.layer.Index().Get(span.Digest)
		if !ok {
			return false, nil
		}
		frame, err := o.repo.store.Get(ref.BlockID)
		if err != nil {
			return false, nil
		}
		if _, err := o.repo.codec.Decode(frame, span.Digest); err != nil {
			return false, nil
		}
	}
	return true, nil
}
