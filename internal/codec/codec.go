// Package codec implements the compression + authenticated-encryption +
// hashing pipeline that sits between object plaintext and blockstore
// frames (spec §4.2, component C2).
package codec

import (
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Digest is the content hash used both as the dedup key and the on-disk
// integrity check. All supported hash algorithms are configured to a
// 32-byte output so a single fixed-size type serves every codec.
type Digest [32]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", [32]byte(d))
}

// HashAlgorithm selects the digest function used for content addressing.
type HashAlgorithm uint8

const (
	HashBLAKE3 HashAlgorithm = iota
	HashBLAKE2b
	HashSHA256
	HashSHA3_256
)

// CompressionAlgorithm selects the compressor applied before encryption.
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionLZ4
)

// EncryptionAlgorithm selects the AEAD applied after compression.
type EncryptionAlgorithm uint8

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionXChaCha20Poly1305
)

const (
	frameVersion = 1

	flagCompressed = 1 << 0
	flagEncrypted  = 1 << 1

	nonceSize = chacha20poly1305.NonceSizeX // 24 bytes
)

// Params are the codec parameters persisted verbatim in the repository
// header. Every implementation opening the same header must reproduce
// identical chunk boundaries and frame bytes, so nothing here may vary at
// runtime once a repository has been created.
type Params struct {
	Hash        HashAlgorithm
	Compression CompressionAlgorithm
	Encryption  EncryptionAlgorithm

	ChunkMinSize uint32
	ChunkAvgSize uint32
	ChunkMaxSize uint32

	KDF KDFParams
}

// Codec performs Encode/Decode against a single unwrapped master key.
type Codec struct {
	params    Params
	masterKey [32]byte
	aead      cipher.AEAD // nil when EncryptionNone
}

// New builds a Codec bound to an already-unwrapped master key.
func New(params Params, masterKey [32]byte) (*Codec, error) {
	c := &Codec{params: params, masterKey: masterKey}
	if params.Encryption == EncryptionXChaCha20Poly1305 {
		aead, err := chacha20poly1305.NewX(masterKey[:])
		if err != nil {
			return nil, fmt.Errorf("codec: building AEAD: %w", err)
		}
		c.aead = aead
	}
	return c, nil
}

// Hash returns the content digest of plaintext under the configured hash
// algorithm, independent of compression/encryption.
func (c *Codec) Hash(plaintext []byte) Digest {
	return hashBytes(c.params.Hash, plaintext)
}

// Frame is a decoded (or about-to-be-encoded) on-disk block payload, laid
// out per spec §6:
//
//	u8 version | u8 flags | u24 reserved | nonce? | payload | tag?
type Frame struct {
	Digest    Digest
	Plaintext []byte
}

// ErrIntegrity is returned (wrapped with more context) whenever a frame
// fails to decode to its expected digest: corrupt bytes, a failed AEAD
// tag, or a frame too short to parse.
type ErrIntegrity struct {
	Reason string
}

func (e *ErrIntegrity) Error() string {
	return "codec: integrity: " + e.Reason
}

// Encode hashes, compresses, and encrypts plaintext, returning its digest
// and the frame bytes to store under a fresh block id.
func (c *Codec) Encode(plaintext []byte) (Digest, []byte, error) {
	digest := c.Hash(plaintext)

	compressed, err := compress(c.params.Compression, plaintext)
	if err != nil {
		return Digest{}, nil, fmt.Errorf("codec: compressing: %w", err)
	}

	flags := byte(0)
	if c.params.Compression != CompressionNone {
		flags |= flagCompressed
	}

	header := make([]byte, 5)
	header[0] = frameVersion
	header[1] = flags
	// bytes 2-4 are the reserved u24, left zero.

	if c.aead == nil {
		frame := append(header, compressed...)
		return digest, frame, nil
	}

	flags |= flagEncrypted
	header[1] = flags

	nonce := make([]byte, nonceSize)
	if err := randRead(nonce); err != nil {
		return Digest{}, nil, fmt.Errorf("codec: generating nonce: %w", err)
	}

	ad := associatedData(digest, frameVersion)
	ciphertext := c.aead.Seal(nil, nonce, compressed, ad)

	frame := make([]byte, 0, len(header)+len(nonce)+len(ciphertext))
	frame = append(frame, header...)
	frame = append(frame, nonce...)
	frame = append(frame, ciphertext...)
	return digest, frame, nil
}

// Decode parses frame, decrypts and decompresses it, and verifies the
// result hashes to expectedDigest.
func (c *Codec) Decode(frame []byte, expectedDigest Digest) ([]byte, error) {
	if len(frame) < 5 {
		return nil, &ErrIntegrity{Reason: "frame shorter than header"}
	}
	version := frame[0]
	flags := frame[1]
	if version != frameVersion {
		return nil, &ErrIntegrity{Reason: fmt.Sprintf("unsupported frame version %d", version)}
	}

	rest := frame[5:]
	var compressed []byte

	if flags&flagEncrypted != 0 {
		if c.aead == nil {
			return nil, &ErrIntegrity{Reason: "frame is encrypted but codec has no key configured"}
		}
		if len(rest) < nonceSize {
			return nil, &ErrIntegrity{Reason: "frame shorter than nonce"}
		}
		nonce := rest[:nonceSize]
		ciphertext := rest[nonceSize:]
		ad := associatedData(expectedDigest, frameVersion)
		plain, err := c.aead.Open(nil, nonce, ciphertext, ad)
		if err != nil {
			return nil, &ErrIntegrity{Reason: "AEAD authentication failed"}
		}
		compressed = plain
	} else {
		compressed = rest
	}

	plaintext, err := decompress(flags&flagCompressed != 0, compressed)
	if err != nil {
		return nil, &ErrIntegrity{Reason: fmt.Sprintf("decompression failed: %v", err)}
	}

	actual := c.Hash(plaintext)
	if subtle.ConstantTimeCompare(actual[:], expectedDigest[:]) != 1 {
		return nil, &ErrIntegrity{Reason: "digest mismatch after decode"}
	}

	return plaintext, nil
}

func associatedData(digest Digest, version byte) []byte {
	ad := make([]byte, len(digest)+1)
	copy(ad, digest[:])
	ad[len(digest)] = version
	return ad
}
