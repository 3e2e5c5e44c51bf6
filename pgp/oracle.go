// Package pgp is the Signature & Key Oracle (C1): it wraps
// github.com/ProtonMail/go-crypto/openpgp so the rest of the keychain never
// touches raw OpenPGP packets directly. Every function here either returns a
// usable result or ErrBadCrypto — callers abort the enclosing keychange on
// any error, per spec.md §4.1.
package pgp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// IssuerKeyID parses a single detached-signature packet and returns its
// issuer key ID as 16 lowercase hex chars.
func IssuerKeyID(sigBlob []byte) (string, error) {
	sig, err := readSignaturePacket(sigBlob)
	if err != nil {
		return "", err
	}
	if sig.IssuerKeyId == nil {
		return "", fmt.Errorf("%w: signature carries no issuer key ID", ErrBadCrypto)
	}
	return fmt.Sprintf("%016x", *sig.IssuerKeyId), nil
}

// VerifyDetached checks a detached signature over data against pub.
func VerifyDetached(pub *packet.PublicKey, data []byte, sigBlob []byte) error {
	sig, err := readSignaturePacket(sigBlob)
	if err != nil {
		return err
	}
	h := sig.Hash.New()
	if _, err := h.Write(data); err != nil {
		return fmt.Errorf("%w: hash data: %v", ErrBadCrypto, err)
	}
	if err := pub.VerifySignature(h, sig); err != nil {
		return fmt.Errorf("%w: signature verification failed: %v", ErrBadCrypto, err)
	}
	return nil
}

// VerifyCertification checks that certBlob is a valid certification by
// issuer over (target's userid, target's primary key).
func VerifyCertification(issuer *packet.PublicKey, targetUID *packet.UserId, target *packet.PublicKey, certBlob []byte) error {
	sig, err := readSignaturePacket(certBlob)
	if err != nil {
		return err
	}
	return VerifyCertificationSig(issuer, targetUID, target, sig)
}

// VerifyCertificationSig is VerifyCertification for callers that already
// hold a parsed *packet.Signature (e.g. after splitting a certpackets blob
// with DecodeCertPackets), avoiding a re-parse round trip.
func VerifyCertificationSig(issuer *packet.PublicKey, targetUID *packet.UserId, target *packet.PublicKey, sig *packet.Signature) error {
	if err := issuer.VerifyUserIdSignature(targetUID.Id, target, sig); err != nil {
		return fmt.Errorf("%w: certification verification failed: %v", ErrBadCrypto, err)
	}
	return nil
}

// IssuerKeyIDOfSig returns the 16-hex issuer key ID of an already-parsed
// signature.
func IssuerKeyIDOfSig(sig *packet.Signature) (string, error) {
	if sig.IssuerKeyId == nil {
		return "", fmt.Errorf("%w: signature carries no issuer key ID", ErrBadCrypto)
	}
	return fmt.Sprintf("%016x", *sig.IssuerKeyId), nil
}

// VerifySubkeyBinding checks that bindingBlob binds subkey to primary.
func VerifySubkeyBinding(primary *packet.PublicKey, subkey *packet.PublicKey, bindingBlob []byte) error {
	sig, err := readSignaturePacket(bindingBlob)
	if err != nil {
		return err
	}
	if err := primary.VerifyKeySignature(subkey, sig); err != nil {
		return fmt.Errorf("%w: subkey binding verification failed: %v", ErrBadCrypto, err)
	}
	return nil
}

// DecodeArmored parses a single armored OpenPGP public key (exactly one
// entity, exactly one identity) into a DecodedKey.
func DecodeArmored(armored string) (*DecodedKey, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: read armored key: %v", ErrBadCrypto, err)
	}
	if len(entities) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one key, got %d", ErrBadCrypto, len(entities))
	}
	entity := entities[0]
	if entity.PrimaryKey == nil {
		return nil, fmt.Errorf("%w: key has no primary public key", ErrBadCrypto)
	}
	if len(entity.Identities) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one identity, got %d", ErrBadCrypto, len(entity.Identities))
	}

	var identity *openpgp.Identity
	for _, id := range entity.Identities {
		identity = id
	}
	if identity.SelfSignature == nil {
		return nil, fmt.Errorf("%w: identity has no self-signature", ErrBadCrypto)
	}

	dk := &DecodedKey{
		Primary:             entity.PrimaryKey,
		UserID:              identity.UserId,
		SelfSignature:       identity.SelfSignature,
		OtherCertifications: identity.Signatures,
	}
	for _, sk := range entity.Subkeys {
		if sk.PublicKey == nil || sk.Sig == nil {
			continue
		}
		dk.Subkeys = append(dk.Subkeys, sk.PublicKey)
		dk.SubkeyBindings = append(dk.SubkeyBindings, sk.Sig)
	}
	return dk, nil
}

// Recompose re-serializes exactly the enumerated packet subset (primary key,
// udid2 user-id, self-signature, third-party certifications, subkeys, subkey
// bindings, in that order) as an ASCII-armored public key block with DOS line
// endings. This is the canonical form §4.3 step 3 compares against the
// original keypackets byte-for-byte: any packet type not produced here
// (revocations, direct-key signatures, unsupported subpacket data) is
// silently excluded, which is precisely how unexpected packets get rejected
// by the comparison rather than by a blocklist.
func Recompose(dk *DecodedKey) ([]byte, error) {
	var raw bytes.Buffer
	if err := dk.Primary.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize primary key: %v", ErrBadCrypto, err)
	}
	if err := dk.UserID.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize user-id: %v", ErrBadCrypto, err)
	}
	if err := dk.SelfSignature.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("%w: serialize self-signature: %v", ErrBadCrypto, err)
	}
	for _, cert := range dk.OtherCertifications {
		if err := cert.Serialize(&raw); err != nil {
			return nil, fmt.Errorf("%w: serialize certification: %v", ErrBadCrypto, err)
		}
	}
	for i, sub := range dk.Subkeys {
		if err := sub.Serialize(&raw); err != nil {
			return nil, fmt.Errorf("%w: serialize subkey: %v", ErrBadCrypto, err)
		}
		if err := dk.SubkeyBindings[i].Serialize(&raw); err != nil {
			return nil, fmt.Errorf("%w: serialize subkey binding: %v", ErrBadCrypto, err)
		}
	}

	var armored bytes.Buffer
	w, err := armor.Encode(&armored, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open armor encoder: %v", ErrBadCrypto, err)
	}
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: write armored body: %v", ErrBadCrypto, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: close armor encoder: %v", ErrBadCrypto, err)
	}
	return NormalizeToDOS(armored.Bytes()), nil
}

// NormalizeToDOS rewrites all line endings to CRLF, first collapsing any
// existing CRLF to LF so the rewrite is idempotent.
func NormalizeToDOS(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}

func readSignaturePacket(blob []byte) (*packet.Signature, error) {
	r := packet.NewReader(bytes.NewReader(blob))
	pkt, err := r.Next()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty signature packet", ErrBadCrypto)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read signature packet: %v", ErrBadCrypto, err)
	}
	sig, ok := pkt.(*packet.Signature)
	if !ok {
		return nil, fmt.Errorf("%w: expected signature packet, got %T", ErrBadCrypto, pkt)
	}
	return sig, nil
}

// DecodeSubkeyPackets parses blob as a strict sequence of (subkey,
// binding-signature) pairs, as required by an UPDATE keychange's
// keypackets (spec.md §4.3 UPDATE step 3: "it contains only subkeys and
// subkey bindings"). Any other packet type, or a subkey without a
// following binding, fails with ErrBadCrypto.
func DecodeSubkeyPackets(blob []byte) ([]*packet.PublicKey, []*packet.Signature, error) {
	r := packet.NewReader(bytes.NewReader(blob))
	var subkeys []*packet.PublicKey
	var bindings []*packet.Signature
	for {
		pkt, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read subkey packet: %v", ErrBadCrypto, err)
		}
		sub, ok := pkt.(*packet.PublicKey)
		if !ok || !sub.IsSubkey {
			return nil, nil, fmt.Errorf("%w: expected subkey packet, got %T", ErrBadCrypto, pkt)
		}
		bindPkt, err := r.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: expected binding signature after subkey: %v", ErrBadCrypto, err)
		}
		binding, ok := bindPkt.(*packet.Signature)
		if !ok {
			return nil, nil, fmt.Errorf("%w: expected binding signature packet, got %T", ErrBadCrypto, bindPkt)
		}
		subkeys = append(subkeys, sub)
		bindings = append(bindings, binding)
	}
	if len(subkeys) == 0 {
		return nil, nil, fmt.Errorf("%w: no subkey packets found", ErrBadCrypto)
	}
	return subkeys, bindings, nil
}

// DecodeCertPackets parses blob as a sequence of independent signature
// packets, as required by an UPDATE keychange's certpackets (spec.md §4.3
// UPDATE step 4: "it contains only certification packets").
func DecodeCertPackets(blob []byte) ([]*packet.Signature, error) {
	r := packet.NewReader(bytes.NewReader(blob))
	var sigs []*packet.Signature
	for {
		pkt, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read certification packet: %v", ErrBadCrypto, err)
		}
		sig, ok := pkt.(*packet.Signature)
		if !ok {
			return nil, fmt.Errorf("%w: expected signature packet, got %T", ErrBadCrypto, pkt)
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("%w: no certification packets found", ErrBadCrypto)
	}
	return sigs, nil
}

// FingerprintHex is a small helper for callers that only have raw fingerprint
// bytes (e.g. from a trusted-key row) and need the canonical lowercase hex
// form used throughout the keychain.
func FingerprintHex(raw []byte) string {
	return strings.ToLower(hex.EncodeToString(raw))
}
