// Package identity implements long-term Ed25519 identity keys, device
// certificates signed by an identity key, and public-key fingerprinting.
package identity

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"darklock/internal/errs"
	"darklock/internal/security"
)

// PublicKeyBytes is a 32-byte Ed25519 public key with fingerprint helpers.
type PublicKeyBytes [ed25519.PublicKeySize]byte

// NewPublicKeyBytes wraps a raw Ed25519 public key.
func NewPublicKeyBytes(raw []byte) (PublicKeyBytes, error) {
	var pk PublicKeyBytes
	if len(raw) != ed25519.PublicKeySize {
		return pk, errs.New(errs.InvalidKey, "identity.NewPublicKeyBytes", fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(raw)))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Base64URL returns the unpadded base64url encoding of the key.
func (pk PublicKeyBytes) Base64URL() string {
	return base64.RawURLEncoding.EncodeToString(pk[:])
}

// Ed25519 returns the key as an ed25519.PublicKey.
func (pk PublicKeyBytes) Ed25519() ed25519.PublicKey {
	return ed25519.PublicKey(pk[:])
}

// ShortFingerprint returns the 160-bit (20-byte) truncated BLAKE3 fingerprint
// of the key, rendered as hex in 4-hex-character groups separated by spaces,
// e.g. "a1b2 c3d4 e5f6 ...".
func (pk PublicKeyBytes) ShortFingerprint() string {
	sum := fingerprintHash(pk)
	out := make([]byte, 0, 20*2+9)
	hexDigits := "0123456789abcdef"
	for i := 0; i < 20; i++ {
		if i > 0 && i%2 == 0 {
			out = append(out, ' ')
		}
		b := sum[i]
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(out)
}

// NumericFingerprint renders the same 160-bit hash as 12 groups of 5 decimal
// digits, the scheme used by several E2EE clients for out-of-band comparison.
func (pk PublicKeyBytes) NumericFingerprint() string {
	sum := fingerprintHash(pk)

	// 20 bytes = 160 bits; each of the 12 five-digit groups reads a window
	// of up to 5 bytes starting at byte g*20/12 (the windows overlap and
	// together cover all 20 bytes) as a big-endian integer mod 100000.
	groups := make([]string, 0, 12)
	for g := 0; g < 12; g++ {
		start := (g * len(sum)) / 12
		end := start + 5
		if end > len(sum) {
			end = len(sum)
		}
		window := sum[start:end]
		var buf [8]byte
		copy(buf[8-len(window):], window)
		v := binary.BigEndian.Uint64(buf[:]) % 100000
		groups = append(groups, fmt.Sprintf("%05d", v))
	}

	out := groups[0]
	for _, g := range groups[1:] {
		out += " " + g
	}
	return out
}

// fingerprintHash returns the 20-byte (160-bit) truncated BLAKE3 digest used
// by both fingerprint renderings.
func fingerprintHash(pk PublicKeyBytes) [20]byte {
	full := security.BLAKE3Sum256(pk[:])
	var short [20]byte
	copy(short[:], full[:20])
	return short
}

// Equal compares two public keys in constant time.
func (pk PublicKeyBytes) Equal(other PublicKeyBytes) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// IdentityKeyPair is a long-term Ed25519 signing identity. Secret bytes are
// held in a zeroize-on-drop container; callers must call Destroy when done.
type IdentityKeyPair struct {
	public PublicKeyBytes
	secret *security.SecureBytes
}

// GenerateIdentityKeyPair creates a fresh random identity keypair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateIdentityKeyPair", err)
	}
	return newIdentityKeyPair(pub, priv)
}

// LoadIdentityKeyPair wraps an existing Ed25519 private key (64-byte form).
func LoadIdentityKeyPair(priv ed25519.PrivateKey) (*IdentityKeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errs.New(errs.InvalidKey, "identity.LoadIdentityKeyPair", fmt.Errorf("want %d bytes, got %d", ed25519.PrivateKeySize, len(priv)))
	}
	pub := priv.Public().(ed25519.PublicKey)
	return newIdentityKeyPair(pub, priv)
}

func newIdentityKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*IdentityKeyPair, error) {
	pkb, err := NewPublicKeyBytes(pub)
	if err != nil {
		return nil, err
	}
	sb, err := security.FromBytes(append([]byte(nil), priv...))
	if err != nil {
		return nil, errs.New(errs.Crypto, "identity.newIdentityKeyPair", err)
	}
	return &IdentityKeyPair{public: pkb, secret: sb}, nil
}

// Public returns the identity's public key.
func (kp *IdentityKeyPair) Public() PublicKeyBytes { return kp.public }

// Sign signs a message with the identity's Ed25519 key.
func (kp *IdentityKeyPair) Sign(message []byte) []byte {
	priv := ed25519.PrivateKey(kp.secret.Bytes())
	return ed25519.Sign(priv, message)
}

// Verify checks an Ed25519 signature against a public key (static, no
// IdentityKeyPair instance required).
func Verify(pub PublicKeyBytes, message, signature []byte) bool {
	return ed25519.Verify(pub.Ed25519(), message, signature)
}

// X25519Secret converts the identity's Ed25519 private key to an X25519
// scalar for use in X3DH/DH-ratchet computations.
func (kp *IdentityKeyPair) X25519Secret() ([32]byte, error) {
	priv := ed25519.PrivateKey(kp.secret.Bytes())
	scalar, err := security.Ed25519SeedToX25519(priv)
	if err != nil {
		return [32]byte{}, errs.New(errs.Crypto, "identity.X25519Secret", err)
	}
	return scalar, nil
}

// X25519Public converts a public identity key to its X25519 equivalent.
func (pk PublicKeyBytes) X25519Public() ([32]byte, error) {
	u, err := security.Ed25519PubToX25519(pk.Ed25519())
	if err != nil {
		return [32]byte{}, errs.New(errs.Crypto, "identity.X25519Public", err)
	}
	return u, nil
}

// Destroy wipes the identity's secret key material.
func (kp *IdentityKeyPair) Destroy() {
	kp.secret.Destroy()
}

// clockNow allows tests to override time without touching system clock.
var clockNow = time.Now
