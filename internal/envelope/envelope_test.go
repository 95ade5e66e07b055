package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"darklock/internal/security"
	"darklock/internal/session"
)

func TestPadToBucketRoundTripAllModes(t *testing.T) {
	msg := []byte("hello, darklock")
	for _, mode := range []PaddingMode{PaddingNone, PaddingBuckets, PaddingMaximum} {
		padded, err := PadToBucket(msg, mode)
		if err != nil {
			t.Fatalf("PadToBucket mode=%v: %v", mode, err)
		}
		got, err := Unpad(padded)
		if err != nil {
			t.Fatalf("Unpad mode=%v: %v", mode, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("mode=%v: round trip mismatch: got %q want %q", mode, got, msg)
		}
	}
}

func TestPadToBucketLandsOnExpectedBucketBoundary(t *testing.T) {
	msg := make([]byte, 100)
	padded, err := PadToBucket(msg, PaddingBuckets)
	if err != nil {
		t.Fatalf("PadToBucket: %v", err)
	}
	validSizes := map[int]bool{256: true, 512: true, 1024: true, 4096: true, 16384: true, 65536: true}
	if !validSizes[len(padded)] {
		t.Fatalf("padded size %d is not one of the defined buckets", len(padded))
	}
	if len(padded) != 256 {
		t.Fatalf("a 100-byte message plus 4-byte prefix should land in the 256 bucket, got %d", len(padded))
	}
}

func TestPadToBucketMaximumAlwaysUsesLargestBucket(t *testing.T) {
	padded, err := PadToBucket([]byte("x"), PaddingMaximum)
	if err != nil {
		t.Fatalf("PadToBucket: %v", err)
	}
	if len(padded) != 65536 {
		t.Fatalf("PaddingMaximum must always pad to the largest bucket, got %d", len(padded))
	}
}

func TestUnpadRejectsTruncatedBuffer(t *testing.T) {
	if _, err := Unpad([]byte{1, 2}); err == nil {
		t.Fatal("expected Unpad to reject a buffer shorter than the length prefix")
	}
	if _, err := Unpad([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected Unpad to reject a length prefix exceeding the buffer")
	}
}

func TestChainLinkIsDeterministicAndSensitiveToEachInput(t *testing.T) {
	var prev [32]byte
	ct := []byte("ciphertext-bytes")
	sentAt := time.Unix(1_700_000_000, 0)

	a := ChainLink(prev, "msg-1", ct, sentAt)
	b := ChainLink(prev, "msg-1", ct, sentAt)
	if a != b {
		t.Fatal("ChainLink must be deterministic for identical inputs")
	}

	if c := ChainLink(prev, "msg-2", ct, sentAt); c == a {
		t.Fatal("ChainLink must be sensitive to msg_id")
	}
	if c := ChainLink(prev, "msg-1", []byte("different"), sentAt); c == a {
		t.Fatal("ChainLink must be sensitive to ciphertext")
	}
	if c := ChainLink(prev, "msg-1", ct, sentAt.Add(2*time.Hour)); c == a {
		t.Fatal("ChainLink must be sensitive to the timestamp bucket")
	}
	var otherPrev [32]byte
	otherPrev[0] = 1
	if c := ChainLink(otherPrev, "msg-1", ct, sentAt); c == a {
		t.Fatal("ChainLink must be sensitive to the previous chain link")
	}
}

func newTestPair(t *testing.T) (*session.Session, *session.Session) {
	t.Helper()
	var sk [32]byte
	if _, err := rand.Read(sk[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	bobSecret, bobPub, err := security.GenerateX25519Keypair()
	if err != nil {
		t.Fatalf("GenerateX25519Keypair: %v", err)
	}
	alice, err := session.InitAlice("sess-1", "bob", sk, bobPub)
	if err != nil {
		t.Fatalf("InitAlice: %v", err)
	}
	bob := session.InitBob("sess-1", "alice", sk, bobSecret, bobPub)
	return alice, bob
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, bob := newTestPair(t)

	payload := PlaintextPayload{
		Version:      1,
		MessageID:    "m1",
		Content:      []byte("hi bob"),
		SentAt:       time.Now(),
		SenderUserID: "alice",
		PaddingBucket: 256,
	}

	env, err := Seal(alice, "env-1", "alice", "bob", payload, nil, PaddingBuckets)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(bob, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got.Content, payload.Content) {
		t.Fatalf("content mismatch: got %q want %q", got.Content, payload.Content)
	}
	if got.MessageID != payload.MessageID {
		t.Fatalf("message_id mismatch: got %q want %q", got.MessageID, payload.MessageID)
	}
}

func TestOpenRejectsUnsupportedVersion(t *testing.T) {
	alice, bob := newTestPair(t)

	payload := PlaintextPayload{Version: 1, MessageID: "m1", Content: []byte("hi"), SentAt: time.Now()}
	env, err := Seal(alice, "env-1", "alice", "bob", payload, nil, PaddingBuckets)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Version = 99

	if _, err := Open(bob, env); err == nil {
		t.Fatal("expected Open to reject an unsupported envelope version")
	}
}

func TestOpenRejectsTamperedSessionID(t *testing.T) {
	alice, bob := newTestPair(t)

	payload := PlaintextPayload{Version: 1, MessageID: "m1", Content: []byte("hi"), SentAt: time.Now()}
	env, err := Seal(alice, "env-1", "alice", "bob", payload, nil, PaddingBuckets)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.SessionID = "wrong-session"

	if _, err := Open(bob, env); err == nil {
		t.Fatal("expected Open to reject ciphertext whose associated data (session_id) was tampered with")
	}
}
