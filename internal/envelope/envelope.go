// Package envelope implements the padded, associated-data AEAD wire codec
// carried over the relay, plus the per-conversation chain-link commitment.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"darklock/internal/errs"
	"darklock/internal/security"
	"darklock/internal/session"
)

const wireVersion = 1

// PaddingMode controls how plaintext is padded before AEAD sealing.
type PaddingMode int

const (
	PaddingNone PaddingMode = iota
	PaddingBuckets
	PaddingMaximum
)

var buckets = []int{256, 512, 1024, 4096, 16384, 65536}

// PadToBucket prepends a 4-byte little-endian length prefix to data and
// pads with random (never-zero) bytes to the smallest bucket that fits
// len(data)+4, per mode.
func PadToBucket(data []byte, mode PaddingMode) ([]byte, error) {
	prefixed := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(prefixed, uint32(len(data)))
	copy(prefixed[4:], data)

	switch mode {
	case PaddingNone:
		return prefixed, nil
	case PaddingMaximum:
		return padTo(prefixed, buckets[len(buckets)-1])
	default: // PaddingBuckets
		for _, b := range buckets {
			if len(prefixed) <= b {
				return padTo(prefixed, b)
			}
		}
		return padTo(prefixed, len(prefixed))
	}
}

func padTo(prefixed []byte, size int) ([]byte, error) {
	if size < len(prefixed) {
		size = len(prefixed)
	}
	out := make([]byte, size)
	copy(out, prefixed)
	if size > len(prefixed) {
		filler := out[len(prefixed):]
		if _, err := rand.Read(filler); err != nil {
			return nil, errs.New(errs.Crypto, "envelope.padTo", err)
		}
		// Random bytes are vanishingly unlikely to be all-zero, but a zero
		// filler would leak length to compression; re-roll the rare case.
		allZero := true
		for _, b := range filler {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			filler[0] = 1
		}
	}
	return out, nil
}

// Unpad trusts the 4-byte length prefix and bounds-checks it against the
// padded buffer's length.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, errs.New(errs.Crypto, "envelope.Unpad", fmt.Errorf("padded buffer too short"))
	}
	n := binary.LittleEndian.Uint32(padded)
	if int(n) > len(padded)-4 {
		return nil, errs.New(errs.Crypto, "envelope.Unpad", fmt.Errorf("length prefix %d exceeds buffer", n))
	}
	return padded[4 : 4+n], nil
}

// ChainLink computes the tamper-evidence commitment for one message in a
// conversation: BLAKE3("dl-chain-v1\0" || prev || 0 || msg_id || 0 ||
// BLAKE3(ciphertext) || 0 || timestamp_bucket_le).
func ChainLink(prevChainLink [32]byte, msgID string, ciphertext []byte, sentAt time.Time) [32]byte {
	ctHash := security.BLAKE3Sum256(ciphertext)

	var bucketLE [8]byte
	binary.LittleEndian.PutUint64(bucketLE[:], uint64(sentAt.Unix()/3600))

	var buf []byte
	buf = append(buf, "dl-chain-v1\x00"...)
	buf = append(buf, prevChainLink[:]...)
	buf = append(buf, 0)
	buf = append(buf, msgID...)
	buf = append(buf, 0)
	buf = append(buf, ctHash[:]...)
	buf = append(buf, 0)
	buf = append(buf, bucketLE[:]...)

	return security.BLAKE3Sum256(buf)
}

// PlaintextPayload is the structure encrypted inside the AEAD.
type PlaintextPayload struct {
	Version        int       `json:"version"`
	MessageID      string    `json:"message_id"`
	Content        []byte    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	SenderUserID   string    `json:"sender_user_id"`
	SenderDeviceID string    `json:"sender_device_id"`
	ChainLink      string    `json:"chain_link"`
	PrevChainLink  string    `json:"prev_chain_link"`
	PaddingBucket  int       `json:"padding_bucket"`
}

// Envelope is the wire object exchanged via the relay.
type Envelope struct {
	EnvelopeID   string             `json:"envelope_id"`
	Version      int                `json:"version"`
	SenderID     string             `json:"sender_id"`
	RecipientID  string             `json:"recipient_id"`
	SentAt       time.Time          `json:"sent_at"`
	SessionID    string             `json:"session_id"`
	RatchetHdr   session.Header     `json:"ratchet_header"`
	Ciphertext   string             `json:"ciphertext"` // base64url, no padding
	X3DHHeader   *session.InitHeader `json:"x3dh_header,omitempty"`
	ChainLinkHex string             `json:"chain_link"`
}

// Seal encrypts plaintext with the session's next message key, packaging an
// Envelope. If pendingHeader is non-nil it is attached and the caller is
// responsible for clearing it from session storage only after this
// envelope is durably sent.
func Seal(sess *session.Session, envelopeID, senderID, recipientID string, plaintext PlaintextPayload, pendingHeader *session.InitHeader, mode PaddingMode) (Envelope, error) {
	header, mk, err := sess.EncryptStep()
	if err != nil {
		return Envelope{}, err
	}

	plaintextBytes, err := marshalPayload(plaintext)
	if err != nil {
		return Envelope{}, err
	}
	padded, err := PadToBucket(plaintextBytes, mode)
	if err != nil {
		return Envelope{}, err
	}

	sealed, err := security.XChaCha20Poly1305Seal(mk[:], padded, []byte(sess.SessionID))
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		EnvelopeID:   envelopeID,
		Version:      wireVersion,
		SenderID:     senderID,
		RecipientID:  recipientID,
		SentAt:       plaintext.SentAt,
		SessionID:    sess.SessionID,
		RatchetHdr:   header,
		Ciphertext:   base64.RawURLEncoding.EncodeToString(sealed),
		X3DHHeader:   pendingHeader,
		ChainLinkHex: plaintext.ChainLink,
	}, nil
}

// Open decrypts env using sess, verifying the envelope's declared version
// and returning the unpadded plaintext payload.
func Open(sess *session.Session, env Envelope) (PlaintextPayload, error) {
	if env.Version != wireVersion {
		return PlaintextPayload{}, errs.New(errs.InvalidOperation, "envelope.Open", fmt.Errorf("unsupported envelope version %d", env.Version))
	}

	mk, err := sess.DecryptStep(env.RatchetHdr)
	if err != nil {
		return PlaintextPayload{}, err
	}

	sealed, err := base64.RawURLEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return PlaintextPayload{}, errs.New(errs.Crypto, "envelope.Open", err)
	}

	padded, err := security.XChaCha20Poly1305Open(mk[:], sealed, []byte(env.SessionID))
	if err != nil {
		return PlaintextPayload{}, err
	}

	plaintextBytes, err := Unpad(padded)
	if err != nil {
		return PlaintextPayload{}, err
	}

	return unmarshalPayload(plaintextBytes)
}
