package identity

import (
	"testing"
	"time"

	"darklock/internal/security"
)

func TestIdentityKeyPairSignVerify(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer kp.Destroy()

	msg := []byte("baseline signing digest")
	sig := kp.Sign(msg)
	if !Verify(kp.Public(), msg, sig) {
		t.Fatal("signature did not verify against the signer's own public key")
	}
	if Verify(kp.Public(), []byte("tampered"), sig) {
		t.Fatal("signature verified against a different message")
	}
}

func TestIdentityX25519ConversionAgreesOnSharedSecret(t *testing.T) {
	alice, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer alice.Destroy()
	bob, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer bob.Destroy()

	aScalar, err := alice.X25519Secret()
	if err != nil {
		t.Fatalf("X25519Secret: %v", err)
	}
	bPub, err := bob.Public().X25519Public()
	if err != nil {
		t.Fatalf("X25519Public: %v", err)
	}

	bScalar, err := bob.X25519Secret()
	if err != nil {
		t.Fatalf("X25519Secret: %v", err)
	}
	aPub, err := alice.Public().X25519Public()
	if err != nil {
		t.Fatalf("X25519Public: %v", err)
	}

	sharedAlice, err := security.X25519(aScalar, bPub)
	if err != nil {
		t.Fatalf("X25519(alice side): %v", err)
	}
	sharedBob, err := security.X25519(bScalar, aPub)
	if err != nil {
		t.Fatalf("X25519(bob side): %v", err)
	}
	if !security.ConstantTimeCompare32(sharedAlice, sharedBob) {
		t.Fatal("alice and bob derived different shared secrets from converted identity keys")
	}
}

func TestPublicKeyBytesFingerprintsAreStable(t *testing.T) {
	kp, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer kp.Destroy()

	short1 := kp.Public().ShortFingerprint()
	short2 := kp.Public().ShortFingerprint()
	if short1 != short2 {
		t.Fatal("ShortFingerprint is not deterministic")
	}

	numeric := kp.Public().NumericFingerprint()
	if len(numeric) == 0 {
		t.Fatal("NumericFingerprint empty")
	}
}

func TestPublicKeyBytesEqual(t *testing.T) {
	kp1, _ := GenerateIdentityKeyPair()
	defer kp1.Destroy()
	kp2, _ := GenerateIdentityKeyPair()
	defer kp2.Destroy()

	if !kp1.Public().Equal(kp1.Public()) {
		t.Fatal("key should equal itself")
	}
	if kp1.Public().Equal(kp2.Public()) {
		t.Fatal("distinct keys compared equal")
	}
}

func TestDeviceCertSignVerify(t *testing.T) {
	issuer, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer issuer.Destroy()
	device, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer device.Destroy()

	cert, err := NewDeviceCert(issuer, "user-1", "device-1", device.Public(), 24*time.Hour, []Capability{CapabilityMessaging, CapabilityContacts})
	if err != nil {
		t.Fatalf("NewDeviceCert: %v", err)
	}

	if err := cert.Verify(issuer.Public(), cert.IssuedAt.Add(time.Minute)); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := cert.Verify(issuer.Public(), cert.ExpiresAt.Add(time.Second)); err == nil {
		t.Fatal("expected expiry to be enforced")
	}

	other, _ := GenerateIdentityKeyPair()
	defer other.Destroy()
	if err := cert.Verify(other.Public(), cert.IssuedAt); err == nil {
		t.Fatal("expected verification against the wrong issuer to fail")
	}

	if !cert.HasCapability(CapabilityMessaging) {
		t.Fatal("expected messaging capability")
	}
	if cert.HasCapability(CapabilityGroups) {
		t.Fatal("did not expect groups capability")
	}
}

func TestSignedPrekeyRotationIsIdempotent(t *testing.T) {
	ik, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer ik.Destroy()

	spk, err := GenerateSignedPrekey(ik)
	if err != nil {
		t.Fatalf("GenerateSignedPrekey: %v", err)
	}
	defer spk.Destroy()

	rotated, err := RotateSignedPrekey(ik, spk)
	if err != nil {
		t.Fatalf("RotateSignedPrekey: %v", err)
	}
	if rotated != spk {
		t.Fatal("re-login rotation must return the existing SPK unchanged")
	}

	fresh, err := RotateSignedPrekey(ik, nil)
	if err != nil {
		t.Fatalf("RotateSignedPrekey(nil): %v", err)
	}
	defer fresh.Destroy()
	if fresh.Public() == spk.Public() {
		t.Fatal("a fresh rotation from nil should not coincidentally reuse the old public key")
	}
}

func TestPrekeyBundleSPKSignatureVerification(t *testing.T) {
	ik, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair: %v", err)
	}
	defer ik.Destroy()
	spk, err := GenerateSignedPrekey(ik)
	if err != nil {
		t.Fatalf("GenerateSignedPrekey: %v", err)
	}
	defer spk.Destroy()

	pub := spk.Public()
	bundle := &PrekeyBundle{
		UserID: "user-1",
		IKPub:  ik.Public().Base64URL(),
		SPKPub: b64(pub[:]),
		SPKSig: b64(spk.Signature()),
	}
	if err := bundle.VerifySPKSignature(); err != nil {
		t.Fatalf("VerifySPKSignature: %v", err)
	}

	tampered := append([]byte(nil), spk.Signature()...)
	tampered[0] ^= 0x01
	bundle.SPKSig = b64(tampered)
	if err := bundle.VerifySPKSignature(); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}
