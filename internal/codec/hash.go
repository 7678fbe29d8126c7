package codec

import (
	"crypto/sha256"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

func hashBytes(alg HashAlgorithm, data []byte) Digest {
	switch alg {
	case HashBLAKE3:
		return Digest(blake3.Sum256(data))
	case HashBLAKE2b:
		return Digest(blake2b.Sum256(data))
	case HashSHA3_256:
		return Digest(sha3.Sum256(data))
	case HashSHA256:
		fallthrough
	default:
		return Digest(sha256.Sum256(data))
	}
}
