package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"darklock/internal/errs"
)

// Capability names a permission a device certificate grants.
type Capability string

const (
	CapabilityMessaging        Capability = "messaging"
	CapabilityContacts         Capability = "contacts"
	CapabilityGroups           Capability = "groups"
	CapabilityIdentityRotation Capability = "identity_rotation"
)

// DeviceCert binds a device's signing public key to a user identity, signed
// by that user's long-term identity key.
type DeviceCert struct {
	Version      int          `json:"version"`
	DeviceID     string       `json:"device_id"`
	UserID       string       `json:"user_id"`
	DevicePubKey string       `json:"device_pubkey"` // base64url
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Capabilities []Capability `json:"capabilities"`
	Signature    string       `json:"signature"` // base64url, over CanonicalForm()
}

const deviceCertVersion = 1

// NewDeviceCert builds and signs a device certificate for devicePub, issued
// by the identity keypair ik, valid for ttl starting now.
func NewDeviceCert(ik *IdentityKeyPair, userID, deviceID string, devicePub PublicKeyBytes, ttl time.Duration, caps []Capability) (*DeviceCert, error) {
	now := clockNow().UTC()
	cert := &DeviceCert{
		Version:      deviceCertVersion,
		DeviceID:     deviceID,
		UserID:       userID,
		DevicePubKey: devicePub.Base64URL(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Capabilities: caps,
	}
	sig := ik.Sign([]byte(cert.CanonicalForm()))
	cert.Signature = b64(sig)
	return cert, nil
}

// CanonicalForm produces the alphabetically-field-ordered byte string that is
// signed and verified. Field order: capabilities, device_id, device_pubkey,
// expires_at, issued_at, user_id, version — matching the JSON key order a
// naive alphabetical marshal would produce, so the signed form is stable
// across implementations without depending on map iteration order.
func (d *DeviceCert) CanonicalForm() string {
	capStrs := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		capStrs[i] = string(c)
	}
	sort.Strings(capStrs)

	var b strings.Builder
	fmt.Fprintf(&b, "capabilities=%s\n", strings.Join(capStrs, ","))
	fmt.Fprintf(&b, "device_id=%s\n", d.DeviceID)
	fmt.Fprintf(&b, "device_pubkey=%s\n", d.DevicePubKey)
	fmt.Fprintf(&b, "expires_at=%s\n", d.ExpiresAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "issued_at=%s\n", d.IssuedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "user_id=%s\n", d.UserID)
	fmt.Fprintf(&b, "version=%d\n", d.Version)
	return b.String()
}

// Verify checks the certificate's signature against the issuing identity
// public key and enforces expiry. It does not check capabilities.
func (d *DeviceCert) Verify(issuer PublicKeyBytes, at time.Time) error {
	sig, err := decodeB64(d.Signature)
	if err != nil {
		return errs.New(errs.CertificateValidation, "DeviceCert.Verify", fmt.Errorf("malformed signature: %w", err))
	}
	if !ed25519.Verify(issuer.Ed25519(), []byte(d.CanonicalForm()), sig) {
		return errs.New(errs.SignatureVerification, "DeviceCert.Verify", fmt.Errorf("signature mismatch"))
	}
	if at.Before(d.IssuedAt) || at.After(d.ExpiresAt) {
		return errs.New(errs.CertificateValidation, "DeviceCert.Verify", fmt.Errorf("certificate not valid at %s (window %s..%s)", at.Format(time.RFC3339), d.IssuedAt.Format(time.RFC3339), d.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

// HasCapability reports whether the certificate grants cap.
func (d *DeviceCert) HasCapability(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// MarshalCanonicalJSON returns the cert as JSON for schema validation prior
// to signature verification. Object keys appear in the struct's field
// declaration order (encoding/json), not in alphabetical order.
func (d *DeviceCert) MarshalCanonicalJSON() ([]byte, error) {
	return json.Marshal(d)
}
