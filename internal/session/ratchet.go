package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"darklock/internal/errs"
	"darklock/internal/security"
)

// MaxSkip bounds the number of skipped message keys retained per session.
const MaxSkip = 256

// Header travels unencrypted alongside every ciphertext.
type Header struct {
	DHPub [32]byte
	N     uint64
	PN    uint64
}

type skippedKey struct {
	dhPub [32]byte
	n     uint64
}

// Session is the Double Ratchet state for one peer conversation. Key
// material is zeroized via Destroy once the session is no longer needed.
type Session struct {
	SessionID   string
	PeerUserID  string

	rootKey [32]byte

	dhSendSecret [32]byte
	dhSendPub    [32]byte
	sendCK       [32]byte
	SendN        uint64

	dhRecvPub    *[32]byte
	recvCK       [32]byte
	RecvN        uint64
	PrevSendN    uint64

	skipOrder    []skippedKey
	skippedKeys  map[skippedKey][32]byte

	ChainHead [32]byte
}

// InitAlice creates a session as the initiator, immediately performing the
// first DH ratchet step against Bob's SPK (which stands in as his initial
// ratchet public key).
func InitAlice(sessionID, peerUserID string, sharedKey [32]byte, bobSPKPub [32]byte) (*Session, error) {
	dhSendSecret, dhSendPub, err := security.GenerateX25519Keypair()
	if err != nil {
		return nil, errs.New(errs.Crypto, "session.InitAlice", err)
	}

	dhOutput, err := security.X25519(dhSendSecret, bobSPKPub)
	if err != nil {
		return nil, errs.New(errs.Crypto, "session.InitAlice", err)
	}
	newRK, newCK, err := kdfRK(sharedKey, dhOutput)
	if err != nil {
		return nil, err
	}

	bobPub := bobSPKPub
	return &Session{
		SessionID:    sessionID,
		PeerUserID:   peerUserID,
		rootKey:      newRK,
		dhSendSecret: dhSendSecret,
		dhSendPub:    dhSendPub,
		sendCK:       newCK,
		dhRecvPub:    &bobPub,
		skippedKeys:  make(map[skippedKey][32]byte),
	}, nil
}

// InitBob creates a session as the responder. Bob has not yet performed a
// DH ratchet; that happens on his first decrypt_step call.
func InitBob(sessionID, peerUserID string, sharedKey [32]byte, mySPKSecret, mySPKPub [32]byte) *Session {
	return &Session{
		SessionID:    sessionID,
		PeerUserID:   peerUserID,
		rootKey:      sharedKey,
		dhSendSecret: mySPKSecret,
		dhSendPub:    mySPKPub,
		skippedKeys:  make(map[skippedKey][32]byte),
	}
}

// EncryptStep advances the sending chain and returns the header plus the
// message key the caller uses with XChaCha20-Poly1305.
func (s *Session) EncryptStep() (Header, [32]byte, error) {
	newCK, mk, err := kdfCK(s.sendCK)
	if err != nil {
		return Header{}, [32]byte{}, err
	}
	s.sendCK = newCK
	header := Header{DHPub: s.dhSendPub, N: s.SendN, PN: s.PrevSendN}
	s.SendN++
	return header, mk, nil
}

// DecryptStep derives the message key for a received header, handling the
// current-chain, skipped-key, and new-DH-ratchet cases.
func (s *Session) DecryptStep(header Header) ([32]byte, error) {
	key := skippedKey{dhPub: header.DHPub, n: header.N}
	if mk, ok := s.skippedKeys[key]; ok {
		delete(s.skippedKeys, key)
		s.removeFromOrder(key)
		return mk, nil
	}

	needDHRatchet := s.dhRecvPub == nil || *s.dhRecvPub != header.DHPub
	if needDHRatchet {
		if s.dhRecvPub != nil {
			if err := s.skipMessageKeys(header.PN); err != nil {
				return [32]byte{}, err
			}
		}

		peerDH := header.DHPub
		s.dhRecvPub = &peerDH

		dhRecvOutput, err := security.X25519(s.dhSendSecret, peerDH)
		if err != nil {
			return [32]byte{}, errs.New(errs.Crypto, "session.DecryptStep", err)
		}
		newRK, newRecvCK, err := kdfRK(s.rootKey, dhRecvOutput)
		if err != nil {
			return [32]byte{}, err
		}
		s.rootKey = newRK
		s.recvCK = newRecvCK
		s.RecvN = 0

		s.PrevSendN = s.SendN
		s.SendN = 0
		newDHSecret, newDHPub, err := security.GenerateX25519Keypair()
		if err != nil {
			return [32]byte{}, errs.New(errs.Crypto, "session.DecryptStep", err)
		}
		s.dhSendPub = newDHPub
		dhSendOutput, err := security.X25519(newDHSecret, peerDH)
		if err != nil {
			return [32]byte{}, errs.New(errs.Crypto, "session.DecryptStep", err)
		}
		newRK2, newSendCK, err := kdfRK(s.rootKey, dhSendOutput)
		if err != nil {
			return [32]byte{}, err
		}
		s.rootKey = newRK2
		s.sendCK = newSendCK
		s.dhSendSecret = newDHSecret
	}

	if err := s.skipMessageKeys(header.N); err != nil {
		return [32]byte{}, err
	}

	newCK, mk, err := kdfCK(s.recvCK)
	if err != nil {
		return [32]byte{}, err
	}
	s.recvCK = newCK
	s.RecvN++
	return mk, nil
}

// skipMessageKeys stores skipped keys from RecvN up to (not including)
// until, bounded by MaxSkip, evicting the oldest entries first.
func (s *Session) skipMessageKeys(until uint64) error {
	if until < s.RecvN {
		return nil
	}
	skipCount := until - s.RecvN
	if skipCount > MaxSkip {
		return errs.New(errs.RatchetStep, "session.skipMessageKeys", fmt.Errorf("too many skipped messages (%d > %d)", skipCount, MaxSkip))
	}

	var dhPub [32]byte
	if s.dhRecvPub != nil {
		dhPub = *s.dhRecvPub
	}

	for s.RecvN < until {
		newCK, mk, err := kdfCK(s.recvCK)
		if err != nil {
			return err
		}
		s.recvCK = newCK
		key := skippedKey{dhPub: dhPub, n: s.RecvN}
		s.skippedKeys[key] = mk
		s.skipOrder = append(s.skipOrder, key)
		s.RecvN++
	}

	for len(s.skippedKeys) > MaxSkip {
		oldest := s.skipOrder[0]
		s.skipOrder = s.skipOrder[1:]
		delete(s.skippedKeys, oldest)
	}

	return nil
}

func (s *Session) removeFromOrder(key skippedKey) {
	for i, k := range s.skipOrder {
		if k == key {
			s.skipOrder = append(s.skipOrder[:i], s.skipOrder[i+1:]...)
			return
		}
	}
}

// OurRatchetPub returns our current DH ratchet public key.
func (s *Session) OurRatchetPub() [32]byte { return s.dhSendPub }

// Destroy zeroizes all key material held by the session.
func (s *Session) Destroy() {
	zero32(&s.rootKey)
	zero32(&s.dhSendSecret)
	zero32(&s.sendCK)
	zero32(&s.recvCK)
	for k, mk := range s.skippedKeys {
		zero32Val(mk)
		delete(s.skippedKeys, k)
	}
	s.skipOrder = nil
}

func zero32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}

func zero32Val(b [32]byte) {
	for i := range b {
		b[i] = 0
	}
}

// kdfRK derives a new root key and chain key from the current root key and
// a DH output, using HKDF-SHA-256 with the dl-ratchet-rk/ck labels.
func kdfRK(rk [32]byte, dhOutput [32]byte) (newRK [32]byte, newCK [32]byte, err error) {
	rkReader := hkdf.New(sha256.New, dhOutput[:], rk[:], []byte("dl-ratchet-rk"))
	if _, err := io.ReadFull(rkReader, newRK[:]); err != nil {
		return [32]byte{}, [32]byte{}, errs.New(errs.Crypto, "session.kdfRK", err)
	}
	ckReader := hkdf.New(sha256.New, dhOutput[:], rk[:], []byte("dl-ratchet-ck"))
	if _, err := io.ReadFull(ckReader, newCK[:]); err != nil {
		return [32]byte{}, [32]byte{}, errs.New(errs.Crypto, "session.kdfRK", err)
	}
	return newRK, newCK, nil
}

// kdfCK derives (next_chain_key, message_key) from the current chain key
// via HMAC-SHA-256 with the 0x01/0x02 constants.
func kdfCK(ck [32]byte) (newCK [32]byte, mk [32]byte, err error) {
	macCK := hmac.New(sha256.New, ck[:])
	macCK.Write([]byte{0x01})
	copy(newCK[:], macCK.Sum(nil))

	macMK := hmac.New(sha256.New, ck[:])
	macMK.Write([]byte{0x02})
	copy(mk[:], macMK.Sum(nil))

	return newCK, mk, nil
}
