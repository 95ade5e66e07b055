// Package session implements X3DH key agreement and the Double Ratchet,
// producing per-message keys for the envelope codec.
package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"darklock/internal/errs"
	"darklock/internal/identity"
	"darklock/internal/logging"
	"darklock/internal/security"
)

const x3dhInfo = "dl-x3dh-v1"

// respondLimiter throttles repeated failed X3DH init attempts per sender so
// a peer that keeps presenting bad init headers (forged signature, missing
// OPK) cannot use Respond as a free oracle.
var respondLimiter = security.NewFailureLimiter(100*time.Millisecond, 5*time.Second, time.Minute, 5, 10*time.Second)

// Bundle is the wire form of a user's published prekeys, consumed by
// session initiators. Mirrors identity.PrekeyBundle but decoupled from that
// package's key-pair ownership so a fetched bundle need not carry secrets.
type Bundle struct {
	UserID  string
	IKPub   identity.PublicKeyBytes
	SPKPub  [32]byte
	SPKSig  []byte
	OPKPub  *[32]byte
	OPKID   string
}

// InitHeader travels with the first outgoing envelope only; cleared after a
// successful send.
type InitHeader struct {
	SessionID    string
	SenderUserID string
	IKPub        identity.PublicKeyBytes
	EKPub        [32]byte
	OPKID        string
}

// InitiateResult is the outcome of running X3DH as the initiator.
type InitiateResult struct {
	SharedKey [32]byte
	Header    InitHeader
}

// Initiate runs X3DH as Alice against bundle, mirroring dl_crypto's
// initiate(): verify SPK signature, convert identity keys, generate one
// ephemeral keypair, compute DH1-DH4, derive SK via HKDF.
func Initiate(sessionID string, myUserID string, myIK *identity.IdentityKeyPair, bundle Bundle) (InitiateResult, error) {
	if !ed25519.Verify(bundle.IKPub.Ed25519(), bundle.SPKPub[:], bundle.SPKSig) {
		logging.Error("x3dh initiate rejected invalid SPK signature", "session_id", sessionID, "peer", bundle.UserID)
		return InitiateResult{}, errs.New(errs.SignatureVerification, "session.Initiate", fmt.Errorf("SPK signature invalid for %s", bundle.UserID))
	}

	ikAX, err := myIK.X25519Secret()
	if err != nil {
		return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
	}
	ikBX, err := bundle.IKPub.X25519Public()
	if err != nil {
		return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
	}

	ekASecret, ekAPub, err := security.GenerateX25519Keypair()
	if err != nil {
		return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
	}

	dh1, err := security.X25519(ikAX, bundle.SPKPub)
	if err != nil {
		return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
	}
	dh2, err := security.X25519(ekASecret, ikBX)
	if err != nil {
		return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
	}
	dh3, err := security.X25519(ekASecret, bundle.SPKPub)
	if err != nil {
		return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
	}

	ikm := make([]byte, 0, 32*5)
	ikm = appendPad(ikm)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	var opkID string
	if bundle.OPKPub != nil {
		dh4, err := security.X25519(ekASecret, *bundle.OPKPub)
		if err != nil {
			return InitiateResult{}, errs.New(errs.Crypto, "session.Initiate", err)
		}
		ikm = append(ikm, dh4[:]...)
		opkID = bundle.OPKID
	}

	sk, err := deriveSK(ikm)
	if err != nil {
		return InitiateResult{}, err
	}

	logging.Info("x3dh initiate complete", "session_id", sessionID, "peer", bundle.UserID, "used_opk", opkID != "")

	return InitiateResult{
		SharedKey: sk,
		Header: InitHeader{
			SessionID:    sessionID,
			SenderUserID: myUserID,
			IKPub:        myIK.Public(),
			EKPub:        ekAPub,
			OPKID:        opkID,
		},
	}, nil
}

// Respond runs X3DH as Bob: reconstructs Alice's DH set and derives the
// same SK. myOPKSecret is nil if the bundle advertised none; implementations
// MUST NOT silently proceed without it if the init header names an opk_id.
func Respond(myIK *identity.IdentityKeyPair, mySPKSecret [32]byte, myOPKSecret *[32]byte, senderIKPub identity.PublicKeyBytes, header InitHeader) ([32]byte, error) {
	if respondLimiter.IsLocked(header.SenderUserID) {
		logging.Warn("x3dh respond rejected locked-out sender", "sender", header.SenderUserID, "session_id", header.SessionID)
		return [32]byte{}, errs.New(errs.RateLimited, "session.Respond", fmt.Errorf("sender %q is locked out after repeated failed init attempts", header.SenderUserID))
	}

	if header.OPKID != "" && myOPKSecret == nil {
		respondLimiter.RecordFailure(header.SenderUserID)
		return [32]byte{}, errs.New(errs.InvalidOperation, "session.Respond", fmt.Errorf("init header names opk_id %q but no matching OPK secret was supplied", header.OPKID))
	}

	senderIKX, err := senderIKPub.X25519Public()
	if err != nil {
		respondLimiter.RecordFailure(header.SenderUserID)
		return [32]byte{}, errs.New(errs.Crypto, "session.Respond", err)
	}
	ikBX, err := myIK.X25519Secret()
	if err != nil {
		return [32]byte{}, errs.New(errs.Crypto, "session.Respond", err)
	}

	dh1, err := security.X25519(mySPKSecret, senderIKX)
	if err != nil {
		respondLimiter.RecordFailure(header.SenderUserID)
		return [32]byte{}, errs.New(errs.Crypto, "session.Respond", err)
	}
	dh2, err := security.X25519(ikBX, header.EKPub)
	if err != nil {
		respondLimiter.RecordFailure(header.SenderUserID)
		return [32]byte{}, errs.New(errs.Crypto, "session.Respond", err)
	}
	dh3, err := security.X25519(mySPKSecret, header.EKPub)
	if err != nil {
		respondLimiter.RecordFailure(header.SenderUserID)
		return [32]byte{}, errs.New(errs.Crypto, "session.Respond", err)
	}

	ikm := make([]byte, 0, 32*5)
	ikm = appendPad(ikm)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)

	if myOPKSecret != nil {
		dh4, err := security.X25519(*myOPKSecret, header.EKPub)
		if err != nil {
			respondLimiter.RecordFailure(header.SenderUserID)
			return [32]byte{}, errs.New(errs.Crypto, "session.Respond", err)
		}
		ikm = append(ikm, dh4[:]...)
	}

	sk, err := deriveSK(ikm)
	if err != nil {
		respondLimiter.RecordFailure(header.SenderUserID)
		return [32]byte{}, err
	}
	respondLimiter.RecordSuccess(header.SenderUserID)
	logging.Info("x3dh respond complete", "sender", header.SenderUserID, "session_id", header.SessionID, "used_opk", myOPKSecret != nil)
	return sk, nil
}

func appendPad(ikm []byte) []byte {
	var pad [32]byte
	for i := range pad {
		pad[i] = 0xFF
	}
	return append(ikm, pad[:]...)
}

func deriveSK(ikm []byte) ([32]byte, error) {
	var salt [32]byte
	r := hkdf.New(sha256.New, ikm, salt[:], []byte(x3dhInfo))
	var sk [32]byte
	if _, err := io.ReadFull(r, sk[:]); err != nil {
		return [32]byte{}, errs.New(errs.Crypto, "session.deriveSK", err)
	}
	return sk, nil
}
