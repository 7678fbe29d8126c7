package vault

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mwatts/acid-store/blockstore"
	"github.com/mwatts/acid-store/internal/codec"
)

// headerMagic identifies a slot block as holding a repository header,
// distinguishing it from a stray or foreign block at the same well-known
// id.
var headerMagic = [8]byte{'A', 'C', 'I', 'D', 'V', 'L', 'T', '1'}

const headerVersion = 1

// Well-known block ids. The pointer block is the single "live" value
// whose overwrite makes a commit visible; slots A and B hold full header
// records and are overwritten alternately so a torn write to one slot
// never touches the other.
var (
	pointerBlockID = blockstore.ID(uuid.MustParse("00000000-0000-0000-0000-000000000000"))
	slotABlockID   = blockstore.ID(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	slotBBlockID   = blockstore.ID(uuid.MustParse("00000000-0000-0000-0000-000000000002"))
)

func slotBlockID(slot uint8) blockstore.ID {
	if slot == 0 {
		return slotABlockID
	}
	return slotBBlockID
}

// BlockRef locates one block of the serialized metadata blob directly by
// block id, so Open can fetch and decode the metadata root before the
// chunk index that would otherwise be needed to resolve a digest to a
// block id has been loaded.
type BlockRef struct {
	BlockID blockstore.ID `cbor:"1,keyasint"`
	Digest  codec.Digest  `cbor:"2,keyasint"`
	Length  uint64        `cbor:"3,keyasint"`
}

// Header is the repository-wide record naming its codec configuration,
// wrapped master key, and current metadata root.
type Header struct {
	RepoUUID      uuid.UUID        `cbor:"1,keyasint"`
	CommitCounter uint64           `cbor:"2,keyasint"`
	CodecParams   codec.Params     `cbor:"3,keyasint"`
	WrappedKey    codec.WrappedKey `cbor:"4,keyasint"`
	MetadataRoot  []BlockRef       `cbor:"5,keyasint"`
}

// pointerRecord is the tiny value stored at the well-known pointer block:
// which slot is currently active, and the digest its contents must hash
// to. Flipping this single block is the atomic step that makes a commit
// visible.
type pointerRecord struct {
	ActiveSlot uint8
	Digest     [32]byte
}

const pointerRecordSize = 1 + 32

func encodePointer(p pointerRecord) []byte {
	buf := make([]byte, pointerRecordSize)
	buf[0] = p.ActiveSlot
	copy(buf[1:], p.Digest[:])
	return buf
}

func decodePointer(data []byte) (pointerRecord, error) {
	if len(data) != pointerRecordSize {
		return pointerRecord{}, fmt.Errorf("header: pointer block has wrong length %d", len(data))
	}
	var p pointerRecord
	p.ActiveSlot = data[0]
	copy(p.Digest[:], data[1:])
	return p, nil
}

// encodeHeader serializes h with its magic/version prefix. The header's
// own integrity digest is computed over this encoding by the caller
// rather than embedded in it, since a slot must be verifiable before its
// own CodecParams (which might describe a hash algorithm) can be trusted.
func encodeHeader(h Header) ([]byte, error) {
	body, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("header: marshal: %w", err)
	}
	buf := make([]byte, 0, len(headerMagic)+4+len(body))
	buf = append(buf, headerMagic[:]...)
	buf = append(buf, byte(headerVersion), 0, 0, 0)
	buf = append(buf, body...)
	return buf, nil
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < len(headerMagic)+4 {
		return Header{}, fmt.Errorf("header: block too short")
	}
	for i, b := range headerMagic {
		if data[i] != b {
			return Header{}, fmt.Errorf("header: bad magic")
		}
	}
	version := data[len(headerMagic)]
	if version != headerVersion {
		return Header{}, fmt.Errorf("header: unsupported version %d", version)
	}
	var h Header
	if err := cbor.Unmarshal(data[len(headerMagic)+4:], &h); err != nil {
		return Header{}, fmt.Errorf("header: unmarshal: %w", err)
	}
	return h, nil
}

// headerDigest is computed with a fixed hash independent of the
// repository's own configurable hash algorithm, since it must be
// checkable before CodecParams has been trusted.
func headerDigest(encoded []byte) [32]byte {
	return sha256.Sum256(encoded)
}

// writeHeader durably persists h to targetSlot and then flips the
// pointer block to name it, per spec's two-phase commit: the payload is
// fully written before the single mutable pointer that makes it live is
// ever touched, so an interrupted write between the two leaves the old
// header valid.
func writeHeader(store blockstore.BlockStore, h Header, targetSlot uint8) error {
	encoded, err := encodeHeader(h)
	if err != nil {
		return err
	}
	digest := headerDigest(encoded)

	if err := store.Put(slotBlockID(targetSlot), encoded); err != nil {
		return blockstore.WrapBackend("put", err)
	}

	pointer := encodePointer(pointerRecord{ActiveSlot: targetSlot, Digest: digest})
	if err := store.Put(pointerBlockID, pointer); err != nil {
		return blockstore.WrapBackend("put", err)
	}
	return nil
}

// readSlot loads and integrity-checks the header stored in slot, without
// consulting the pointer block.
func readSlot(store blockstore.BlockStore, slot uint8) (Header, [32]byte, error) {
	encoded, err := store.Get(slotBlockID(slot))
	if err != nil {
		return Header{}, [32]byte{}, err
	}
	h, err := decodeHeader(encoded)
	if err != nil {
		return Header{}, [32]byte{}, err
	}
	return h, headerDigest(encoded), nil
}

// readActiveHeader recovers the current header. It trusts the pointer
// block when present and its named slot passes integrity; failing that
// (a torn pointer write, or a torn slot write), it falls back to
// whichever of the two slots decodes cleanly and has the higher
// commit counter, per spec's recovery rule.
func readActiveHeader(store blockstore.BlockStore) (Header, uint8, error) {
	if raw, err := store.Get(pointerBlockID); err == nil {
		if ptr, err := decodePointer(raw); err == nil {
			if h, digest, err := readSlot(store, ptr.ActiveSlot); err == nil && digest == ptr.Digest {
				return h, ptr.ActiveSlot, nil
			}
		}
	}

	var (
		best      Header
		bestSlot  uint8
		bestFound bool
	)
	for slot := uint8(0); slot < 2; slot++ {
		h, _, err := readSlot(store, slot)
		if err != nil {
			continue
		}
		if !bestFound || h.CommitCounter > best.CommitCounter {
			best, bestSlot, bestFound = h, slot, true
		}
	}
	if !bestFound {
		return Header{}, 0, fmt.Errorf("header: no valid header found")
	}
	return best, bestSlot, nil
}

func otherSlot(slot uint8) uint8 {
	if slot == 0 {
		return 1
	}
	return 0
}
