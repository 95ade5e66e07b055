package identity

import (
	"crypto/ed25519"
	"fmt"

	"darklock/internal/errs"
	"darklock/internal/security"
)

// PrekeyBundle is the wire form a user publishes for X3DH initiators to fetch.
type PrekeyBundle struct {
	UserID string `json:"user_id"`
	IKPub  string `json:"ik_pub"`  // base64url Ed25519
	SPKPub string `json:"spk_pub"` // base64url X25519
	SPKSig string `json:"spk_sig"` // base64url Ed25519 signature over raw spk_pub
	OPKPub string `json:"opk_pub,omitempty"`
	OPKID  string `json:"opk_id,omitempty"`
}

// VerifySPKSignature checks that spk_sig is a valid Ed25519 signature by
// ik_pub over the raw spk_pub bytes.
func (b *PrekeyBundle) VerifySPKSignature() error {
	ikRaw, err := decodeB64(b.IKPub)
	if err != nil {
		return errs.New(errs.InvalidKey, "PrekeyBundle.VerifySPKSignature", fmt.Errorf("bad ik_pub: %w", err))
	}
	ik, err := NewPublicKeyBytes(ikRaw)
	if err != nil {
		return err
	}
	spkRaw, err := decodeB64(b.SPKPub)
	if err != nil {
		return errs.New(errs.InvalidKey, "PrekeyBundle.VerifySPKSignature", fmt.Errorf("bad spk_pub: %w", err))
	}
	sig, err := decodeB64(b.SPKSig)
	if err != nil {
		return errs.New(errs.InvalidKey, "PrekeyBundle.VerifySPKSignature", fmt.Errorf("bad spk_sig: %w", err))
	}
	if !ed25519.Verify(ik.Ed25519(), spkRaw, sig) {
		return errs.New(errs.SignatureVerification, "PrekeyBundle.VerifySPKSignature", fmt.Errorf("spk signature mismatch"))
	}
	return nil
}

// HasOPK reports whether the bundle advertises a one-time prekey.
func (b *PrekeyBundle) HasOPK() bool {
	return b.OPKPub != "" && b.OPKID != ""
}

// SignedPrekey is a device's current X25519 signed prekey, held alongside
// its Ed25519 identity signature.
type SignedPrekey struct {
	pub    [32]byte
	sig    []byte
	secret *security.SecureBytes // 32-byte X25519 scalar
}

// GenerateSignedPrekey creates a fresh X25519 keypair and signs its public
// half with ik. Callers hold on to the returned SignedPrekey across logins;
// see RotateSignedPrekey for the idempotent re-publish rule.
func GenerateSignedPrekey(ik *IdentityKeyPair) (*SignedPrekey, error) {
	var scalar [32]byte
	if err := security.GenerateSecureRandom(scalar[:]); err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateSignedPrekey", err)
	}
	pub, err := security.X25519Basepoint(scalar)
	if err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateSignedPrekey", err)
	}
	sb, err := security.FromBytes(append([]byte(nil), scalar[:]...))
	if err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateSignedPrekey", err)
	}
	return &SignedPrekey{
		pub:    pub,
		sig:    ik.Sign(pub[:]),
		secret: sb,
	}, nil
}

// Public returns the raw X25519 public key.
func (s *SignedPrekey) Public() [32]byte { return s.pub }

// Signature returns the Ed25519 signature over Public().
func (s *SignedPrekey) Signature() []byte { return s.sig }

// Secret copies out the X25519 scalar for a DH computation.
func (s *SignedPrekey) Secret() [32]byte {
	var out [32]byte
	copy(out[:], s.secret.Bytes())
	return out
}

// Destroy wipes the prekey's secret scalar.
func (s *SignedPrekey) Destroy() { s.secret.Destroy() }

// RotateSignedPrekey implements the idempotent re-publish rule from the X3DH
// bundle-publication contract: if current is non-nil, it is returned
// unchanged — an existing SPK is NEVER rotated on re-login, since doing so
// would invalidate any in-flight handshake that referenced it. A new
// SignedPrekey is only generated when current is nil.
func RotateSignedPrekey(ik *IdentityKeyPair, current *SignedPrekey) (*SignedPrekey, error) {
	if current != nil {
		return current, nil
	}
	return GenerateSignedPrekey(ik)
}

// OneTimePrekey is a single-use X25519 keypair. Once consumed by a
// responder's X3DH computation it must be deleted; callers track
// consumption by OPKID against the identity-server's prekey store.
type OneTimePrekey struct {
	ID     string
	pub    [32]byte
	secret *security.SecureBytes
}

// GenerateOneTimePrekey creates a fresh OPK with the given id.
func GenerateOneTimePrekey(id string) (*OneTimePrekey, error) {
	var scalar [32]byte
	if err := security.GenerateSecureRandom(scalar[:]); err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateOneTimePrekey", err)
	}
	pub, err := security.X25519Basepoint(scalar)
	if err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateOneTimePrekey", err)
	}
	sb, err := security.FromBytes(append([]byte(nil), scalar[:]...))
	if err != nil {
		return nil, errs.New(errs.Crypto, "identity.GenerateOneTimePrekey", err)
	}
	return &OneTimePrekey{ID: id, pub: pub, secret: sb}, nil
}

// Public returns the raw X25519 public key.
func (o *OneTimePrekey) Public() [32]byte { return o.pub }

// Secret copies out the X25519 scalar.
func (o *OneTimePrekey) Secret() [32]byte {
	var out [32]byte
	copy(out[:], o.secret.Bytes())
	return out
}

// Destroy wipes the OPK's secret scalar. Callers must call this immediately
// after consuming the OPK in an X3DH computation.
func (o *OneTimePrekey) Destroy() { o.secret.Destroy() }
