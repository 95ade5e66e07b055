package security

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestXChaCha20Poly1305RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if err := GenerateSecureRandom(key); err != nil {
		t.Fatalf("GenerateSecureRandom: %v", err)
	}
	plaintext := []byte("restore engine staging write payload")
	ad := []byte("session-id-1234")

	sealed, err := XChaCha20Poly1305Seal(key, plaintext, ad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := XChaCha20Poly1305Open(key, sealed, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestXChaCha20Poly1305SealProducesFreshNonces(t *testing.T) {
	key := make([]byte, 32)
	GenerateSecureRandom(key)

	a, err := XChaCha20Poly1305Seal(key, []byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := XChaCha20Poly1305Seal(key, []byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(a[:24], b[:24]) {
		t.Fatal("two seals of the same plaintext reused a nonce")
	}
}

func TestXChaCha20Poly1305OpenRejectsWrongAD(t *testing.T) {
	key := make([]byte, 32)
	GenerateSecureRandom(key)

	sealed, err := XChaCha20Poly1305Seal(key, []byte("msg"), []byte("session-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := XChaCha20Poly1305Open(key, sealed, []byte("session-b")); err == nil {
		t.Fatal("expected Open to fail with mismatched associated data")
	}
}

func TestBLAKE3Sum256Deterministic(t *testing.T) {
	data := []byte("hash me")
	a := BLAKE3Sum256(data)
	b := BLAKE3Sum256(data)
	if a != b {
		t.Fatal("BLAKE3Sum256 not deterministic")
	}
}

func TestNewBLAKE3MatchesSum256(t *testing.T) {
	data := []byte("streaming vs one-shot")
	h := NewBLAKE3()
	h.Write(data[:4])
	h.Write(data[4:])
	var streamed [32]byte
	h.Sum(streamed[:0])

	oneshot := BLAKE3Sum256(data)
	if streamed != oneshot {
		t.Fatal("streaming BLAKE3 hasher disagrees with one-shot Sum256")
	}
}

func TestEd25519X25519ConversionAgreesOnSharedSecret(t *testing.T) {
	aPub, aPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	bPub, bPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	aScalar, err := Ed25519SeedToX25519(aPriv)
	if err != nil {
		t.Fatalf("Ed25519SeedToX25519(a): %v", err)
	}
	bScalar, err := Ed25519SeedToX25519(bPriv)
	if err != nil {
		t.Fatalf("Ed25519SeedToX25519(b): %v", err)
	}

	aMontgomeryPub, err := Ed25519PubToX25519(bPub)
	if err != nil {
		t.Fatalf("Ed25519PubToX25519(bPub): %v", err)
	}
	bMontgomeryPub, err := Ed25519PubToX25519(aPub)
	if err != nil {
		t.Fatalf("Ed25519PubToX25519(aPub): %v", err)
	}

	sharedA, err := X25519(aScalar, aMontgomeryPub)
	if err != nil {
		t.Fatalf("X25519(a): %v", err)
	}
	sharedB, err := X25519(bScalar, bMontgomeryPub)
	if err != nil {
		t.Fatalf("X25519(b): %v", err)
	}

	if !ConstantTimeCompare32(sharedA, sharedB) {
		t.Fatal("converted X25519 keys did not agree on a shared secret")
	}
}

func TestX25519BasepointMatchesManualDH(t *testing.T) {
	var scalar [32]byte
	GenerateSecureRandom(scalar[:])

	pub, err := X25519Basepoint(scalar)
	if err != nil {
		t.Fatalf("X25519Basepoint: %v", err)
	}
	if pub == ([32]byte{}) {
		t.Fatal("basepoint multiplication produced an all-zero public key")
	}
}

func TestDeriveKeyArgon2idDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	p := DefaultArgon2idParams()

	a := DeriveKeyArgon2id([]byte("hunter2"), salt, p)
	b := DeriveKeyArgon2id([]byte("hunter2"), salt, p)
	if !bytes.Equal(a, b) {
		t.Fatal("Argon2id derivation not deterministic for identical inputs")
	}

	c := DeriveKeyArgon2id([]byte("different"), salt, p)
	if bytes.Equal(a, c) {
		t.Fatal("different passwords produced the same derived key")
	}
}
