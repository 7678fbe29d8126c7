package vault

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mwatts/acid-store/internal/chunker"
	"github.com/mwatts/acid-store/internal/codec"
)

// RepositoryConfig selects the codec parameters a repository is created
// with. Once a repository exists these are read back from its header on
// every Open, not from a fresh RepositoryConfig, since every writer must
// agree on chunk boundaries and frame layout bit-for-bit.
type RepositoryConfig struct {
	Hash        codec.HashAlgorithm
	Compression codec.CompressionAlgorithm
	Encryption  codec.EncryptionAlgorithm

	ChunkMinSize uint32
	ChunkAvgSize uint32
	ChunkMaxSize uint32

	// Logger receives debug-level logs for repository creation, commits,
	// clean and password rotation, and warnings when block reclamation
	// after a commit fails. Defaults to logrus.New() if nil.
	Logger *logrus.Logger
}

// DefaultConfig returns sensible defaults: BLAKE3 content hashing, LZ4
// compression, XChaCha20-Poly1305 encryption, and the chunker's default
// size bounds.
func DefaultConfig() RepositoryConfig {
	return RepositoryConfig{
		Hash:         codec.HashBLAKE3,
		Compression:  codec.CompressionLZ4,
		Encryption:   codec.EncryptionXChaCha20Poly1305,
		ChunkMinSize: chunker.DefaultParams.MinSize,
		ChunkAvgSize: chunker.DefaultParams.AvgSize,
		ChunkMaxSize: chunker.DefaultParams.MaxSize,
	}
}

func (c RepositoryConfig) validate() error {
	switch c.Hash {
	case codec.HashBLAKE3, codec.HashBLAKE2b, codec.HashSHA256, codec.HashSHA3_256:
	default:
		return fmt.Errorf("config: unknown hash algorithm %d", c.Hash)
	}
	switch c.Compression {
	case codec.CompressionNone, codec.CompressionLZ4:
	default:
		return fmt.Errorf("config: unknown compression algorithm %d", c.Compression)
	}
	switch c.Encryption {
	case codec.EncryptionNone, codec.EncryptionXChaCha20Poly1305:
	default:
		return fmt.Errorf("config: unknown encryption algorithm %d", c.Encryption)
	}

	cp := chunker.Params{MinSize: c.ChunkMinSize, AvgSize: c.ChunkAvgSize, MaxSize: c.ChunkMaxSize}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c RepositoryConfig) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.New()
}

func (c RepositoryConfig) chunkerParams() chunker.Params {
	return chunker.Params{MinSize: c.ChunkMinSize, AvgSize: c.ChunkAvgSize, MaxSize: c.ChunkMaxSize}
}

func (c RepositoryConfig) codecParams(kdf codec.KDFParams) codec.Params {
	return codec.Params{
		Hash:         c.Hash,
		Compression:  c.Compression,
		Encryption:   c.Encryption,
		ChunkMinSize: c.ChunkMinSize,
		ChunkAvgSize: c.ChunkAvgSize,
		ChunkMaxSize: c.ChunkMaxSize,
		KDF:          kdf,
	}
}
