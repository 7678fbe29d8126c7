// Package metadata defines the self-describing records that make up a
// repository's metadata root: the object table and the serialized chunk
// index (spec §4, component C5). Records are encoded with CBOR rather
// than the teacher's protobuf, since the schema is small, versioned by
// hand, and needs no cross-language codegen (see DESIGN.md).
package metadata

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mwatts/acid-store/internal/blocklayer"
	"github.com/mwatts/acid-store/internal/codec"
)

// schemaVersion guards against loading a metadata root written by an
// incompatible future layout.
const schemaVersion = 1

// ChunkSpan is one content chunk within an object, in order.
type ChunkSpan struct {
	Digest codec.Digest `cbor:"1,keyasint"`
	Length uint64       `cbor:"2,keyasint"`
}

// ObjectRecord is the metadata for a single named object: its ordered
// list of chunk spans plus its total size. ObjectHandle builds its
// cumulative offsets for binary search by summing the span lengths.
type ObjectRecord struct {
	Spans []ChunkSpan `cbor:"1,keyasint"`
	Size  uint64      `cbor:"2,keyasint"`
}

// ChunkRefRecord mirrors blocklayer.Ref in a form stable across encoding
// versions; blocklayer.Ref itself is free to gain fields.
type ChunkRefRecord struct {
	Digest   codec.Digest `cbor:"1,keyasint"`
	BlockID  uuid.UUID    `cbor:"2,keyasint"`
	RefCount uint64       `cbor:"3,keyasint"`
	Length   uint64       `cbor:"4,keyasint"`
}

// Root is the full decoded contents of a metadata root block: the object
// table plus the chunk index, everything Repository needs to resume
// operation after Open.
type Root struct {
	Version   uint32                  `cbor:"1,keyasint"`
	Objects   map[string]ObjectRecord `cbor:"2,keyasint"`
	ChunkRefs []ChunkRefRecord        `cbor:"3,keyasint"`
}

// NewRoot returns an empty Root ready for a freshly created repository.
func NewRoot() Root {
	return Root{Version: schemaVersion, Objects: make(map[string]ObjectRecord)}
}

// Encode serializes root to CBOR.
func Encode(root Root) ([]byte, error) {
	data, err := cbor.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("metadata: marshal root: %w", err)
	}
	return data, nil
}

// Decode parses a CBOR-encoded Root, rejecting unknown schema versions.
func Decode(data []byte) (Root, error) {
	var root Root
	if err := cbor.Unmarshal(data, &root); err != nil {
		return Root{}, fmt.Errorf("metadata: unmarshal root: %w", err)
	}
	if root.Version != schemaVersion {
		return Root{}, fmt.Errorf("metadata: unsupported schema version %d", root.Version)
	}
	if root.Objects == nil {
		root.Objects = make(map[string]ObjectRecord)
	}
	return root, nil
}

// FromIndex snapshots a blocklayer.Index into its wire representation.
func FromIndex(idx *blocklayer.Index) []ChunkRefRecord {
	all := idx.All()
	out := make([]ChunkRefRecord, 0, len(all))
	for _, ref := range all {
		out = append(out, ChunkRefRecord{
			Digest:   ref.Digest,
			BlockID:  uuid.UUID(ref.BlockID),
			RefCount: ref.RefCount,
			Length:   ref.Length,
		})
	}
	return out
}

// ToRefs converts wire chunk ref records back into blocklayer.Ref values,
// ready for blocklayer.Index.Reset.
func ToRefs(records []ChunkRefRecord) []blocklayer.Ref {
	out := make([]blocklayer.Ref, 0, len(records))
	for _, r := range records {
		out = append(out, blocklayer.Ref{
			Digest:   r.Digest,
			BlockID:  [16]byte(r.BlockID),
			RefCount: r.RefCount,
			Length:   r.Length,
		})
	}
	return out
}
