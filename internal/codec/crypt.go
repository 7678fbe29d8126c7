package codec

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// KDFParams are the memory-hard KDF parameters stored in the header so a
// rewrap or reopen derives the identical key-encryption key from the
// user secret.
type KDFParams struct {
	Salt        [16]byte
	TimeCost    uint32
	MemoryCostM uint32 // KiB, per argon2's convention
	Threads     uint8
}

// NewKDFParams returns parameters with a fresh random salt and
// interactive-strength Argon2id costs.
func NewKDFParams() (KDFParams, error) {
	p := KDFParams{
		TimeCost:    3,
		MemoryCostM: 64 * 1024,
		Threads:     4,
	}
	if err := randRead(p.Salt[:]); err != nil {
		return KDFParams{}, fmt.Errorf("codec: generating KDF salt: %w", err)
	}
	return p, nil
}

// DeriveKEK derives a 32-byte key-encryption key from the user secret and
// the stored KDF parameters.
func DeriveKEK(secret []byte, p KDFParams) [32]byte {
	raw := argon2.IDKey(secret, p.Salt[:], p.TimeCost, p.MemoryCostM, p.Threads, 32)
	var kek [32]byte
	copy(kek[:], raw)
	return kek
}

// WrappedKey is a master key encrypted under a key-encryption key derived
// from the user secret. Rotating the user secret only re-derives the KEK
// and re-wraps; the master key itself, and every block encrypted under
// it, never changes.
type WrappedKey struct {
	Nonce      [chacha20poly1305.NonceSize]byte
	Ciphertext []byte // masterKey sealed with AEAD, tag included
}

// GenerateMasterKey returns a fresh random 32-byte master key.
func GenerateMasterKey() ([32]byte, error) {
	var key [32]byte
	if err := randRead(key[:]); err != nil {
		return key, fmt.Errorf("codec: generating master key: %w", err)
	}
	return key, nil
}

// WrapMasterKey seals masterKey under kek using plain (non-extended)
// ChaCha20-Poly1305; the header's wrapped key is a single small value, not
// a per-block frame, so it doesn't need XChaCha20's larger nonce space.
func WrapMasterKey(kek [32]byte, masterKey [32]byte) (WrappedKey, error) {
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return WrappedKey{}, fmt.Errorf("codec: building key-wrap AEAD: %w", err)
	}
	var wk WrappedKey
	if err := randRead(wk.Nonce[:]); err != nil {
		return WrappedKey{}, fmt.Errorf("codec: generating key-wrap nonce: %w", err)
	}
	wk.Ciphertext = aead.Seal(nil, wk.Nonce[:], masterKey[:], nil)
	return wk, nil
}

// UnwrapMasterKey reverses WrapMasterKey. A wrong kek (i.e. wrong user
// secret) fails the AEAD tag check and returns an error; callers should
// surface this as KindPassword.
func UnwrapMasterKey(kek [32]byte, wk WrappedKey) ([32]byte, error) {
	var masterKey [32]byte
	aead, err := chacha20poly1305.New(kek[:])
	if err != nil {
		return masterKey, fmt.Errorf("codec: building key-wrap AEAD: %w", err)
	}
	plain, err := aead.Open(nil, wk.Nonce[:], wk.Ciphertext, nil)
	if err != nil {
		return masterKey, fmt.Errorf("codec: unwrapping master key: %w", err)
	}
	copy(masterKey[:], plain)
	return masterKey, nil
}
