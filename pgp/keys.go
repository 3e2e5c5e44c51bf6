package pgp

import (
	"encoding/hex"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// DecodedKey is the decomposition of an armored OpenPGP public key into the
// packet subset the keychain cares about: primary key, udid2 user-id, its
// self-signature, third-party certifications over that user-id, subkeys and
// their binding signatures. Any other packet type found in the key material
// is simply not carried here — Recompose will not reproduce it, which is
// exactly how step 3 of §4.3 forbids smuggling unexpected packets.
type DecodedKey struct {
	Primary             *packet.PublicKey
	UserID              *packet.UserId
	SelfSignature       *packet.Signature
	OtherCertifications []*packet.Signature
	Subkeys             []*packet.PublicKey
	SubkeyBindings      []*packet.Signature
}

// Fingerprint returns the lowercase hex fingerprint of the primary key.
func (dk *DecodedKey) Fingerprint() string {
	return strings.ToLower(hex.EncodeToString(dk.Primary.Fingerprint))
}

// KeyID returns the last 16 hex chars of the fingerprint, lowercase.
func (dk *DecodedKey) KeyID() string {
	return KeyIDFromFingerprint(dk.Fingerprint())
}

// KeyIDFromFingerprint returns the last 16 hex chars of a fingerprint.
func KeyIDFromFingerprint(fpr string) string {
	fpr = strings.ToLower(fpr)
	if len(fpr) < 16 {
		return fpr
	}
	return fpr[len(fpr)-16:]
}

// TrustedKey is the authoritative OpenPGP material stored for a member, per
// spec.md §3 "Trusted key".
type TrustedKey struct {
	Fingerprint string `json:"fingerprint"`
	KeyID       string `json:"key_id"`
	UID         string `json:"uid"`
	// Packets is the armored public-key block, CRLF-normalized, exactly as
	// produced by Recompose — the same bytes a NEWCOMER's keypackets or an
	// UPDATE's merged packets must byte-match.
	Packets string `json:"packets"`
}
