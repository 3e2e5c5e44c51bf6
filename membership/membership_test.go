package membership

import (
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/tolelom/keychain/pgp"
)

func newTestMembership(t *testing.T, entity *openpgp.Entity) *Membership {
	t.Helper()
	fpr := pgp.FingerprintHex(entity.PrimaryKey.Fingerprint)
	m := &Membership{
		Issuer:     fpr,
		UserID:     "Test User",
		Membership: In,
		Date:       1700000000,
		Hash:       "deadbeef",
		Eligible:   true,
	}
	signer := pgp.NewSigner(entity.PrivateKey)
	sig, err := signer.SignDetached(m.Raw())
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	m.Signature = string(sig)
	return m
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	m := newTestMembership(t, entity)
	if err := Verify(m, entity.PrimaryKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	m := newTestMembership(t, entity)
	m.Issuer = "0000000000000000000000000000000000000000"
	if err := Verify(m, entity.PrimaryKey); err == nil {
		t.Fatal("expected mismatched issuer to fail verification")
	}
}

func TestPoolAddIsIdempotent(t *testing.T) {
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	fpr := pgp.FingerprintHex(entity.PrimaryKey.Fingerprint)
	lookup := func(f string) (*packet.PublicKey, bool) {
		if f == fpr {
			return entity.PrimaryKey, true
		}
		return nil, false
	}
	pool := NewPool(nil, lookup)
	m := newTestMembership(t, entity)

	if err := pool.Add(m); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := pool.Add(m); err != nil {
		t.Fatalf("second Add should be a no-op, got error: %v", err)
	}
	if got := pool.Find(true); len(got) != 1 {
		t.Fatalf("expected exactly one pending membership, got %d", len(got))
	}
}

func TestPoolRemoveFor(t *testing.T) {
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	fpr := pgp.FingerprintHex(entity.PrimaryKey.Fingerprint)
	lookup := func(f string) (*packet.PublicKey, bool) { return entity.PrimaryKey, true }
	pool := NewPool(nil, lookup)
	m := newTestMembership(t, entity)

	if err := pool.Add(m); err != nil {
		t.Fatalf("Add: %v", err)
	}
	pool.RemoveFor(fpr)
	if got := pool.Find(true); len(got) != 0 {
		t.Fatalf("expected no pending memberships after RemoveFor, got %d", len(got))
	}
}
