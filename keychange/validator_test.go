package keychange

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
)

const testUDID2 = "nickname (comment) John Doe-2020-01-15"

func newEntityWithUDID2(t *testing.T, uid string) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity(uid, "", "", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return entity
}

func armoredPublic(t *testing.T, entity *openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return pgp.NormalizeToDOS(buf.Bytes())
}

func buildNewcomerChange(t *testing.T, entity *openpgp.Entity) *Change {
	t.Helper()
	keyPackets := armoredPublic(t, entity)
	m := &membership.Membership{
		Issuer:     pgp.FingerprintHex(entity.PrimaryKey.Fingerprint),
		UserID:     testUDID2,
		Membership: membership.In,
		Date:       1700000000,
	}
	signer := pgp.NewSigner(entity.PrivateKey)
	sig, err := signer.SignDetached(m.Raw())
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	return &Change{
		Kind: Newcomer,
		Newcomer: &NewcomerBody{
			KeyPackets:          keyPackets,
			CertPackets:         []byte{},
			Membership:          m,
			MembershipSignature: sig,
		},
	}
}

func TestValidateNewcomerNoCertifications(t *testing.T) {
	entity := newEntityWithUDID2(t, testUDID2)
	v := NewValidator(func(string) (*pgp.TrustedKey, bool) { return nil, false }, func(string) bool { return false })
	ch := buildNewcomerChange(t, entity)
	// no certpackets supplied at all: a nil CertPackets fails the NEWCOMER
	// presence check before the key is decoded or any certification parsed.
	ch.Newcomer.CertPackets = nil
	if err := v.Validate(ch, nil); err == nil {
		t.Fatal("expected missing certpackets to fail presence check")
	}
}

func TestValidateNewcomerWithCoNewcomerCertifier(t *testing.T) {
	newcomer := newEntityWithUDID2(t, testUDID2)
	certifier := newEntityWithUDID2(t, "friend (comment) Jane Doe-2019-06-01")

	if err := newcomer.SignIdentity(testUDID2, certifier, nil); err != nil {
		t.Fatalf("SignIdentity: %v", err)
	}
	identity := newcomer.Identities[testUDID2]
	certSig := identity.Signatures[len(identity.Signatures)-1]

	var certBuf bytes.Buffer
	if err := certSig.Serialize(&certBuf); err != nil {
		t.Fatalf("serialize certification: %v", err)
	}

	ch := buildNewcomerChange(t, newcomer)
	ch.Newcomer.CertPackets = certBuf.Bytes()

	newKeys := map[string]*pgp.DecodedKey{
		pgp.FingerprintHex(certifier.PrimaryKey.Fingerprint): {
			Primary: certifier.PrimaryKey,
			UserID:  identity.UserId,
		},
	}

	v := NewValidator(func(string) (*pgp.TrustedKey, bool) { return nil, false }, func(string) bool { return false })
	if err := v.Validate(ch, newKeys); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(ch.Certifiers) != 1 {
		t.Fatalf("expected one certifier, got %d", len(ch.Certifiers))
	}
}

func TestValidateNewcomerRejectsBadUDID2(t *testing.T) {
	entity := newEntityWithUDID2(t, "not a udid2 string")
	ch := buildNewcomerChange(t, entity)
	ch.Newcomer.Membership.UserID = "not a udid2 string"
	v := NewValidator(func(string) (*pgp.TrustedKey, bool) { return nil, false }, func(string) bool { return false })
	if err := v.Validate(ch, nil); err == nil {
		t.Fatal("expected non-udid2 userid to be rejected")
	}
}

func TestValidateRejectsLeaverAndBack(t *testing.T) {
	v := NewValidator(func(string) (*pgp.TrustedKey, bool) { return nil, false }, func(string) bool { return false })
	for _, k := range []Kind{Leaver, Back} {
		ch := &Change{Kind: k}
		if err := v.Validate(ch, nil); err == nil {
			t.Fatalf("expected %s to be rejected as not implemented", k)
		}
	}
}
