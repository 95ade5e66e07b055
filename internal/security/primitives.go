package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// Primitive errors not already declared in crypto.go.
var (
	ErrNonceReuse    = errors.New("security: AEAD nonce must be freshly generated")
	ErrCiphertext    = errors.New("security: ciphertext too short or malformed")
	ErrEd25519Seed   = errors.New("security: ed25519 private key must be seed-sized")
	ErrEd25519PubKey = errors.New("security: invalid ed25519 public key")
	ErrInvalidKey    = errors.New("security: invalid key")
)

// Argon2idParams controls password-based key derivation.
type Argon2idParams struct {
	Time    uint32
	MemoryKiB uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2idParams matches spec.md §4.A: time=3, memory=64MiB, parallelism=4.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: 32}
}

// DeriveKeyArgon2id derives a key from a password and salt using Argon2id.
func DeriveKeyArgon2id(password, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, p.KeyLen)
}

// BLAKE3Sum256 computes the 32-byte BLAKE3 hash of data.
func BLAKE3Sum256(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// NewBLAKE3 returns a streaming BLAKE3 hasher producing 32-byte digests.
func NewBLAKE3() *blake3.Hasher {
	return blake3.New(32, nil)
}

// XChaCha20Poly1305Seal encrypts plaintext with a fresh random 24-byte nonce.
// The returned ciphertext is nonce || sealed, so callers never have to manage
// nonces themselves, and the primitive can never be called with a reused one.
func XChaCha20Poly1305Seal(key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if err := GenerateSecureRandom(nonce); err != nil {
		return nil, err
	}

	out := aead.Seal(nil, nonce, plaintext, associatedData)
	return append(nonce, out...), nil
}

// XChaCha20Poly1305Open decrypts a blob produced by XChaCha20Poly1305Seal.
func XChaCha20Poly1305Open(key, sealed, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeySize, err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertext
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, associatedData)
	if err != nil {
		return nil, fmt.Errorf("security: AEAD open failed: %w", err)
	}
	return pt, nil
}

// Ed25519SeedToX25519 converts an Ed25519 private key (seed form) to an X25519
// scalar per RFC 7748: SHA-512 the 32-byte seed, clamp the first 32 bytes.
//
// This is the ONLY supported conversion method; library helpers that take a
// shortcut (e.g. deriving from the expanded 64-byte key directly) are not used
// because that would not match spec.md §9's normative algorithm.
func Ed25519SeedToX25519(priv ed25519.PrivateKey) ([32]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return [32]byte{}, ErrEd25519Seed
	}
	seed := priv.Seed()

	h := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], h[:32])
	clamp(&scalar)
	return scalar, nil
}

// clamp applies the RFC 7748 X25519 scalar clamp in place.
func clamp(scalar *[32]byte) {
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
}

// Ed25519PubToX25519 converts an Ed25519 public key (Edwards point) to its
// X25519 (Montgomery u-coordinate) equivalent.
func Ed25519PubToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return [32]byte{}, ErrEd25519PubKey
	}
	var edY [32]byte
	copy(edY[:], pub)
	return edwardsYToMontgomeryU(edY)
}

// edwardsYToMontgomeryU maps a compressed Edwards25519 y-coordinate to the
// corresponding Montgomery u-coordinate: u = (1+y)/(1-y) mod p, computed over
// the field used by curve25519 via modular inverse.
func edwardsYToMontgomeryU(edY [32]byte) ([32]byte, error) {
	y := edY
	y[31] &= 0x7F // clear the sign bit; only the y-coordinate is needed

	yInt := feFromBytes(y)
	one := feOne()

	num := feAdd(one, yInt)   // 1 + y
	den := feSub(one, yInt)   // 1 - y
	denInv, ok := feInvert(den)
	if !ok {
		return [32]byte{}, errors.New("security: invalid edwards point (y == 1)")
	}
	u := feMul(num, denInv)

	return feToBytes(u), nil
}

// X25519 performs the Diffie-Hellman scalar multiplication.
func X25519(scalar [32]byte, point [32]byte) ([32]byte, error) {
	out, err := curve25519.X25519(scalar[:], point[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var result [32]byte
	copy(result[:], out)
	return result, nil
}

// X25519Basepoint computes the public key for a clamped X25519 scalar.
func X25519Basepoint(scalar [32]byte) ([32]byte, error) {
	return X25519(scalar, [32]byte(curve25519.Basepoint[:32]))
}

// GenerateX25519Keypair generates a fresh random X25519 keypair (used for
// ratchet and X3DH ephemeral keys).
func GenerateX25519Keypair() (secret [32]byte, public [32]byte, err error) {
	if _, err := rand.Read(secret[:]); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	public, err = X25519Basepoint(secret)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return secret, public, nil
}

// ConstantTimeCompare32 compares two 32-byte arrays in constant time.
func ConstantTimeCompare32(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// FreshNonce24 returns 24 cryptographically secure random bytes, the size
// required for an XChaCha20-Poly1305 nonce.
func FreshNonce24() ([24]byte, error) {
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return n, nil
}
