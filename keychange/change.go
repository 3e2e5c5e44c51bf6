package keychange

import "github.com/tolelom/keychain/membership"

// NewcomerBody is the payload of a NEWCOMER keychange: a full armored key
// block, its third-party certifications, and the JOIN membership signed by
// the new key itself.
type NewcomerBody struct {
	// KeyPackets is the armored public-key block (primary key, udid2
	// user-id, self-signature, subkeys and bindings) — the same text
	// Recompose produces, compared byte-for-byte in Validate step 3.
	KeyPackets []byte
	// CertPackets is the concatenated raw signature packets of every
	// third-party certification over this identity, parsed with
	// pgp.DecodeCertPackets.
	CertPackets []byte
	Membership  *membership.Membership
	// MembershipSignature is the detached signature over Membership.Raw(),
	// produced by the newcomer's own primary key.
	MembershipSignature []byte
}

// UpdateBody is the payload of an UPDATE keychange: new subkeys and/or new
// certifications for an already-member key. No membership is attached.
type UpdateBody struct {
	// KeyPackets, if non-empty, is a raw (non-armored) packet stream of
	// alternating subkey/binding-signature pairs, parsed with
	// pgp.DecodeSubkeyPackets.
	KeyPackets []byte
	// CertPackets, if non-empty, is a raw packet stream of independent
	// certification signatures, parsed with pgp.DecodeCertPackets.
	CertPackets []byte
}

// LeaverBody is reserved: a LEAVER keychange is rejected with
// ErrNotImplementedKeychange until a ruleset is specified.
type LeaverBody struct {
	Reason string
}

// BackBody is reserved: a BACK keychange is rejected with
// ErrNotImplementedKeychange until a ruleset is specified.
type BackBody struct{}

// Change is a tagged union over Kind; exactly one of the kind-specific
// fields is populated, matching Kind.
type Change struct {
	Kind        Kind
	Fingerprint string // target key's fingerprint; for NEWCOMER, filled in after key decode

	Newcomer *NewcomerBody
	Update   *UpdateBody
	Leaver   *LeaverBody
	Back     *BackBody

	// Certifiers is populated by Validate: the fingerprints of every key
	// whose certification was verified for this change.
	Certifiers []string
}
