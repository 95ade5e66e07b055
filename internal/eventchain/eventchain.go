// Package eventchain implements a genesis-anchored, BLAKE3-linked,
// Ed25519-signed append-only log of security-relevant events.
package eventchain

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"darklock/internal/errs"
	"darklock/internal/logging"
	"darklock/internal/security"
)

// Severity is free-form metadata attached to an event; the chain itself is
// agnostic to its meaning.
type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

var genesisHash = make([]byte, 32)

// Event is one append-only record in the chain.
type Event struct {
	EventID      string
	Timestamp    time.Time
	EventType    string
	PathID       string
	Severity     Severity
	Payload      json.RawMessage
	PrevHashHex  string
	EventHashHex string
	SignatureHex string
}

// canonicalPayload re-marshals payload so object keys are in a deterministic
// (sorted) order; encoding/json already sorts map[string]any keys, so
// round-tripping through a generic value is sufficient.
func canonicalPayload(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func computeEventHash(prevHashHex string, timestamp time.Time, eventType string, payload json.RawMessage) (string, error) {
	canon, err := canonicalPayload(payload)
	if err != nil {
		return "", err
	}
	var buf []byte
	buf = append(buf, prevHashHex...)
	buf = append(buf, '|')
	buf = append(buf, timestamp.UTC().Format(time.RFC3339Nano)...)
	buf = append(buf, '|')
	buf = append(buf, eventType...)
	buf = append(buf, '|')
	buf = append(buf, canon...)

	sum := security.BLAKE3Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Chain is a single-writer, append-only, signed event log held in memory.
// A caller-supplied persistence layer durably stores Events(); the chain
// itself only guarantees linkage and signature correctness.
type Chain struct {
	mu            sync.Mutex
	events        []Event
	maxEvents     int
	priv          ed25519.PrivateKey
	pub           ed25519.PublicKey
	anchorLimiter *security.RateLimiter
}

// NewChain creates an empty chain that prunes to maxEvents (0 = unbounded).
// DailyAnchor is rate-limited to once every few seconds so a caller that
// anchors in a tight loop cannot turn a once-a-day operation into a
// BLAKE3-over-the-full-log hot path.
func NewChain(priv ed25519.PrivateKey, maxEvents int) *Chain {
	return &Chain{
		maxEvents:     maxEvents,
		priv:          priv,
		pub:           priv.Public().(ed25519.PublicKey),
		anchorLimiter: security.NewRateLimiter(1.0/5.0, 2),
	}
}

// Append adds a new signed event to the end of the chain.
func (c *Chain) Append(eventID, eventType, pathID string, severity Severity, payload json.RawMessage) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHashHex := hex.EncodeToString(genesisHash)
	if len(c.events) > 0 {
		prevHashHex = c.events[len(c.events)-1].EventHashHex
	}

	now := time.Now().UTC()
	eventHashHex, err := computeEventHash(prevHashHex, now, eventType, payload)
	if err != nil {
		return Event{}, errs.New(errs.Crypto, "eventchain.Append", err)
	}

	hashBytes, err := hex.DecodeString(eventHashHex)
	if err != nil {
		return Event{}, errs.New(errs.Crypto, "eventchain.Append", err)
	}
	sig := ed25519.Sign(c.priv, hashBytes)

	e := Event{
		EventID:      eventID,
		Timestamp:    now,
		EventType:    eventType,
		PathID:       pathID,
		Severity:     severity,
		Payload:      payload,
		PrevHashHex:  prevHashHex,
		EventHashHex: eventHashHex,
		SignatureHex: hex.EncodeToString(sig),
	}
	c.events = append(c.events, e)

	if c.maxEvents > 0 && len(c.events) > c.maxEvents {
		excess := len(c.events) - c.maxEvents
		c.events = append([]Event(nil), c.events[excess:]...)
	}

	logging.Info("event chain append", "event_id", eventID, "event_type", eventType, "path_id", pathID, "severity", string(severity))
	return e, nil
}

// Events returns a snapshot of the chain's events in order.
func (c *Chain) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// VerifyResult is the outcome of a whole-chain verification pass.
type VerifyResult struct {
	Valid            bool
	EventsVerified   int
	FirstInvalidID   string
	ErrorMessage     string
}

// Verify walks the whole chain, recomputing hashes and checking signatures,
// stopping at the first break.
func (c *Chain) Verify() VerifyResult {
	c.mu.Lock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	c.mu.Unlock()

	expectedPrev := hex.EncodeToString(genesisHash)
	for i, e := range events {
		if e.PrevHashHex != expectedPrev {
			logging.Error("event chain verify broke linkage", "event_id", e.EventID, "index", i)
			return VerifyResult{Valid: false, EventsVerified: i, FirstInvalidID: e.EventID, ErrorMessage: "prev_hash does not match preceding event"}
		}

		recomputed, err := computeEventHash(e.PrevHashHex, e.Timestamp, e.EventType, e.Payload)
		if err != nil {
			logging.Error("event chain verify recompute failed", "event_id", e.EventID, "error", err)
			return VerifyResult{Valid: false, EventsVerified: i, FirstInvalidID: e.EventID, ErrorMessage: fmt.Sprintf("recompute hash: %v", err)}
		}
		if recomputed != e.EventHashHex {
			logging.Error("event chain verify hash mismatch", "event_id", e.EventID, "index", i)
			return VerifyResult{Valid: false, EventsVerified: i, FirstInvalidID: e.EventID, ErrorMessage: "event hash mismatch"}
		}

		hashBytes, err := hex.DecodeString(e.EventHashHex)
		if err != nil {
			return VerifyResult{Valid: false, EventsVerified: i, FirstInvalidID: e.EventID, ErrorMessage: "malformed event hash"}
		}
		sigBytes, err := hex.DecodeString(e.SignatureHex)
		if err != nil {
			return VerifyResult{Valid: false, EventsVerified: i, FirstInvalidID: e.EventID, ErrorMessage: "malformed signature"}
		}
		if !ed25519.Verify(c.pub, hashBytes, sigBytes) {
			logging.Error("event chain verify signature failed", "event_id", e.EventID, "index", i)
			return VerifyResult{Valid: false, EventsVerified: i, FirstInvalidID: e.EventID, ErrorMessage: "signature verification failed"}
		}

		expectedPrev = e.EventHashHex
	}

	logging.Info("event chain verified", "events", len(events))
	return VerifyResult{Valid: true, EventsVerified: len(events)}
}

// Anchor is the daily {date, hash} commitment over the log's full content.
type Anchor struct {
	Date string `json:"date"`
	Hash string `json:"hash"`
}

// DailyAnchor hashes the entire serialized chain and returns today's anchor.
// Publishing anchors externally is left to the caller.
func (c *Chain) DailyAnchor(now time.Time) (Anchor, error) {
	if !c.anchorLimiter.Allow() {
		logging.Warn("daily anchor throttled", "requested_at", now.UTC().Format(time.RFC3339))
		return Anchor{}, errs.New(errs.RateLimited, "eventchain.DailyAnchor", fmt.Errorf("anchor requested too frequently"))
	}

	c.mu.Lock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	c.mu.Unlock()

	data, err := json.Marshal(events)
	if err != nil {
		return Anchor{}, errs.New(errs.Crypto, "eventchain.DailyAnchor", err)
	}
	sum := security.BLAKE3Sum256(data)
	anchor := Anchor{Date: now.UTC().Format("2006-01-02"), Hash: hex.EncodeToString(sum[:])}
	logging.Info("daily anchor computed", "date", anchor.Date, "hash", anchor.Hash, "events", len(events))
	return anchor, nil
}
