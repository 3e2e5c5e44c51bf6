package pgp

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Test User", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return entity
}

func armorPublic(t *testing.T, entity *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("entity.Serialize: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor writer: %v", err)
	}
	return buf.String()
}

func TestDecodeArmoredAndRecompose(t *testing.T) {
	entity := newTestEntity(t)
	armored := armorPublic(t, entity)

	dk, err := DecodeArmored(armored)
	if err != nil {
		t.Fatalf("DecodeArmored: %v", err)
	}
	if dk.Fingerprint() == "" {
		t.Fatal("expected non-empty fingerprint")
	}

	recomposed, err := Recompose(dk)
	if err != nil {
		t.Fatalf("Recompose: %v", err)
	}

	dk2, err := DecodeArmored(string(recomposed))
	if err != nil {
		t.Fatalf("DecodeArmored(recomposed): %v", err)
	}
	if dk2.Fingerprint() != dk.Fingerprint() {
		t.Fatalf("fingerprint mismatch after recompose: %s != %s", dk2.Fingerprint(), dk.Fingerprint())
	}
}

func TestRecomposeIsStable(t *testing.T) {
	entity := newTestEntity(t)
	dk, err := DecodeArmored(armorPublic(t, entity))
	if err != nil {
		t.Fatalf("DecodeArmored: %v", err)
	}

	a, err := Recompose(dk)
	if err != nil {
		t.Fatalf("Recompose: %v", err)
	}
	b, err := Recompose(dk)
	if err != nil {
		t.Fatalf("Recompose: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("Recompose should be deterministic for the same DecodedKey")
	}
}

func TestSignDetachedVerifyDetached(t *testing.T) {
	entity := newTestEntity(t)
	signer := NewSigner(entity.PrivateKey)

	data := []byte("block raw bytes")
	sig, err := signer.SignDetached(data)
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	if err := VerifyDetached(signer.PublicKey(), data, sig); err != nil {
		t.Fatalf("VerifyDetached: %v", err)
	}
	if err := VerifyDetached(signer.PublicKey(), []byte("tampered"), sig); err == nil {
		t.Fatal("expected tampered data to fail verification")
	}
}

func TestDecodeArmoredRejectsMultipleEntities(t *testing.T) {
	a := armorPublic(t, newTestEntity(t))
	b := armorPublic(t, newTestEntity(t))
	if _, err := DecodeArmored(a + b); err == nil {
		t.Fatal("expected error decoding a keyring with two entities")
	}
}

func TestNormalizeToDOSIsIdempotent(t *testing.T) {
	mixed := []byte("line one\r\nline two\nline three\r\n")
	once := NormalizeToDOS(mixed)
	twice := NormalizeToDOS(once)
	if !bytes.Equal(once, twice) {
		t.Fatal("NormalizeToDOS should be idempotent")
	}
	if bytes.Contains(once, []byte("\r\r")) {
		t.Fatal("unexpected doubled carriage return")
	}
}
