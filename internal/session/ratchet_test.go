package session

import (
	"crypto/rand"
	"testing"

	"darklock/internal/security"
)

func randSharedKey(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return k
}

// newPair builds an Alice/Bob session pair sharing sk, with Bob's SPK
// standing in as his initial ratchet public key, mirroring how Initiate and
// Respond hand the derived X3DH shared key off to the ratchet layer.
func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	sk := randSharedKey(t)
	bobSecret, bobPub, err := security.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair: %v", err)
	}

	alice, err := InitAlice("sess-1", "bob", sk, bobPub)
	if err != nil {
		t.Fatalf("InitAlice: %v", err)
	}
	bob := InitBob("sess-1", "alice", sk, bobSecret, bobPub)
	return alice, bob
}

func TestFullRatchetRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	header, mk, err := alice.EncryptStep()
	if err != nil {
		t.Fatalf("EncryptStep: %v", err)
	}
	gotMK, err := bob.DecryptStep(header)
	if err != nil {
		t.Fatalf("DecryptStep: %v", err)
	}
	if gotMK != mk {
		t.Fatal("Bob's first derived message key must match Alice's")
	}

	// Bob replies on the sending chain his first DecryptStep set up; Alice's
	// decrypt of it triggers her DH ratchet step.
	replyHeader, replyMK, err := bob.EncryptStep()
	if err != nil {
		t.Fatalf("EncryptStep (bob): %v", err)
	}
	gotReplyMK, err := alice.DecryptStep(replyHeader)
	if err != nil {
		t.Fatalf("DecryptStep (alice): %v", err)
	}
	if gotReplyMK != replyMK {
		t.Fatal("Alice's derived reply message key must match Bob's")
	}

	// A second round trip, after both sides have ratcheted once.
	header2, mk2, err := alice.EncryptStep()
	if err != nil {
		t.Fatalf("EncryptStep (alice 2): %v", err)
	}
	gotMK2, err := bob.DecryptStep(header2)
	if err != nil {
		t.Fatalf("DecryptStep (bob 2): %v", err)
	}
	if gotMK2 != mk2 {
		t.Fatal("second round message key mismatch")
	}
}

func TestOutOfOrderMessagesUseSkippedKeyCache(t *testing.T) {
	alice, bob := newPair(t)

	var headers []Header
	var mks [][32]byte
	for i := 0; i < 3; i++ {
		h, mk, err := alice.EncryptStep()
		if err != nil {
			t.Fatalf("EncryptStep %d: %v", i, err)
		}
		headers = append(headers, h)
		mks = append(mks, mk)
	}

	// Deliver message 2 before message 0 and 1: this should skip-cache keys
	// for 0 and 1.
	mk2, err := bob.DecryptStep(headers[2])
	if err != nil {
		t.Fatalf("DecryptStep out-of-order: %v", err)
	}
	if mk2 != mks[2] {
		t.Fatal("message 2 key mismatch")
	}

	mk0, err := bob.DecryptStep(headers[0])
	if err != nil {
		t.Fatalf("DecryptStep skipped 0: %v", err)
	}
	if mk0 != mks[0] {
		t.Fatal("message 0 key mismatch (from skipped-key cache)")
	}

	mk1, err := bob.DecryptStep(headers[1])
	if err != nil {
		t.Fatalf("DecryptStep skipped 1: %v", err)
	}
	if mk1 != mks[1] {
		t.Fatal("message 1 key mismatch (from skipped-key cache)")
	}
}

func TestSkipMessageKeysRejectsExceedingMaxSkip(t *testing.T) {
	alice, bob := newPair(t)

	for i := 0; i < MaxSkip+2; i++ {
		if _, _, err := alice.EncryptStep(); err != nil {
			t.Fatalf("EncryptStep %d: %v", i, err)
		}
	}

	// Deliver only the last header (N = MaxSkip+2), forcing bob to skip
	// MaxSkip+2 keys.
	header, _, err := alice.EncryptStep()
	if err != nil {
		t.Fatalf("EncryptStep final: %v", err)
	}
	if _, err := bob.DecryptStep(header); err == nil {
		t.Fatal("expected skip count exceeding MaxSkip to be rejected")
	}
}

func TestDestroyZeroizesKeyMaterial(t *testing.T) {
	alice, _ := newPair(t)
	if _, _, err := alice.EncryptStep(); err != nil {
		t.Fatalf("EncryptStep: %v", err)
	}
	alice.Destroy()

	var zero [32]byte
	if alice.rootKey != zero {
		t.Fatal("rootKey must be zeroized after Destroy")
	}
	if alice.sendCK != zero {
		t.Fatal("sendCK must be zeroized after Destroy")
	}
}
