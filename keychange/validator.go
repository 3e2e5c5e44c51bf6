// Package keychange is the Keychange Validator (C4): per-keychange
// structural checks, signature verification, and certifier discovery.
package keychange

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
)

// Oracle is the subset of package pgp the validator needs — extracted as
// an interface so tests can substitute a fake without touching real
// cryptography.
type Oracle interface {
	DecodeArmored(armored string) (*pgp.DecodedKey, error)
	Recompose(dk *pgp.DecodedKey) ([]byte, error)
	VerifyDetached(pub *packet.PublicKey, data []byte, sigBlob []byte) error
}

type defaultOracle struct{}

func (defaultOracle) DecodeArmored(armored string) (*pgp.DecodedKey, error) { return pgp.DecodeArmored(armored) }
func (defaultOracle) Recompose(dk *pgp.DecodedKey) ([]byte, error)          { return pgp.Recompose(dk) }
func (defaultOracle) VerifyDetached(pub *packet.PublicKey, data []byte, sigBlob []byte) error {
	return pgp.VerifyDetached(pub, data, sigBlob)
}

// DefaultOracle is the production Oracle, backed directly by package pgp.
var DefaultOracle Oracle = defaultOracle{}

// TrustedKeyLookup resolves a fingerprint or 16-hex key ID to the
// authoritative trusted-key row, mirroring storage's getTheOne (spec.md
// §6).
type TrustedKeyLookup func(fprOrKeyID string) (*pgp.TrustedKey, bool)

// MemberLookup reports whether fpr is currently a member.
type MemberLookup func(fpr string) bool

// Validator implements the per-keychange checks of spec.md §4.3.
type Validator struct {
	Oracle      Oracle
	TrustedKeys TrustedKeyLookup
	IsMember    MemberLookup
}

// NewValidator builds a Validator wired to production cryptography.
func NewValidator(trustedKeys TrustedKeyLookup, isMember MemberLookup) *Validator {
	return &Validator{Oracle: DefaultOracle, TrustedKeys: trustedKeys, IsMember: isMember}
}

// Validate checks ch against the rules for its Kind and, on success,
// populates ch.Certifiers and (for NEWCOMER) ch.Fingerprint. newKeys
// indexes every NEWCOMER key declared elsewhere in the same block, keyed
// by 40-hex fingerprint, so co-newcomer certifications resolve without a
// store round trip.
func (v *Validator) Validate(ch *Change, newKeys map[string]*pgp.DecodedKey) error {
	switch ch.Kind {
	case Newcomer:
		return v.validateNewcomer(ch, newKeys)
	case Update:
		return v.validateUpdate(ch, newKeys)
	case Leaver, Back:
		return fmt.Errorf("%w: kind %s", ErrNotImplementedKeychange, ch.Kind)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadKeychange, ch.Kind)
	}
}

func (v *Validator) validateNewcomer(ch *Change, newKeys map[string]*pgp.DecodedKey) error {
	body := ch.Newcomer
	if body == nil {
		return fmt.Errorf("%w: NEWCOMER missing body", ErrBadKeychange)
	}
	if len(body.KeyPackets) == 0 {
		return fmt.Errorf("%w: NEWCOMER missing keypackets", ErrBadKeychange)
	}
	if body.Membership == nil {
		return fmt.Errorf("%w: NEWCOMER missing membership", ErrBadKeychange)
	}
	if body.CertPackets == nil {
		return fmt.Errorf("%w: NEWCOMER missing certpackets", ErrBadKeychange)
	}

	dk, err := v.Oracle.DecodeArmored(string(body.KeyPackets))
	if err != nil {
		return err
	}
	if !IsValidUDID2(dk.UserID.Id) {
		return fmt.Errorf("%w: user-id %q is not valid udid2", ErrBadKeychange, dk.UserID.Id)
	}
	if dk.UserID.Id != body.Membership.UserID {
		return fmt.Errorf("%w: membership userid %q does not match key userid %q", ErrBadKeychange, body.Membership.UserID, dk.UserID.Id)
	}
	if body.Membership.Membership != membership.In {
		return fmt.Errorf("%w: NEWCOMER membership must be IN", ErrBadKeychange)
	}

	recomposed, err := v.Oracle.Recompose(dk)
	if err != nil {
		return err
	}
	if !bytes.Equal(pgp.NormalizeToDOS(recomposed), pgp.NormalizeToDOS(body.KeyPackets)) {
		return fmt.Errorf("%w: recomposed key packets do not match supplied keypackets", ErrBadKeychange)
	}

	fpr := dk.Fingerprint()
	certifiers, err := v.resolveCertifiers(body.CertPackets, dk.UserID, dk.Primary, fpr, newKeys)
	if err != nil {
		return err
	}

	if err := v.Oracle.VerifyDetached(dk.Primary, body.Membership.Raw(), body.MembershipSignature); err != nil {
		return err
	}

	ch.Fingerprint = fpr
	ch.Certifiers = certifiers
	return nil
}

func (v *Validator) validateUpdate(ch *Change, newKeys map[string]*pgp.DecodedKey) error {
	body := ch.Update
	if body == nil {
		return fmt.Errorf("%w: UPDATE missing body", ErrBadKeychange)
	}
	if len(body.KeyPackets) == 0 && len(body.CertPackets) == 0 {
		return fmt.Errorf("%w: UPDATE must carry keypackets and/or certpackets", ErrBadKeychange)
	}
	if ch.Fingerprint == "" {
		return fmt.Errorf("%w: UPDATE missing target fingerprint", ErrBadKeychange)
	}

	tk, ok := v.TrustedKeys(ch.Fingerprint)
	if !ok {
		return fmt.Errorf("%w: UPDATE target %s is not a trusted key", ErrBadKeychange, ch.Fingerprint)
	}
	target, err := v.Oracle.DecodeArmored(tk.Packets)
	if err != nil {
		return err
	}

	if len(body.KeyPackets) > 0 {
		if _, _, err := pgp.DecodeSubkeyPackets(body.KeyPackets); err != nil {
			return err
		}
	}

	var certifiers []string
	if len(body.CertPackets) > 0 {
		certifiers, err = v.resolveCertifiers(body.CertPackets, target.UserID, target.Primary, ch.Fingerprint, newKeys)
		if err != nil {
			return err
		}
	}

	ch.Certifiers = certifiers
	return nil
}

// resolveCertifiers splits certBlob into individual signatures and, for
// each, resolves the issuer either to a co-newcomer in newKeys or to an
// existing trusted key that is currently a member, verifying the
// certification in both cases (spec.md §4.3 NEWCOMER step 4 / UPDATE step
// 4).
func (v *Validator) resolveCertifiers(certBlob []byte, targetUID *packet.UserId, target *packet.PublicKey, targetFpr string, newKeys map[string]*pgp.DecodedKey) ([]string, error) {
	sigs, err := pgp.DecodeCertPackets(certBlob)
	if err != nil {
		return nil, err
	}

	var certifiers []string
	for _, sig := range sigs {
		keyID, err := pgp.IssuerKeyIDOfSig(sig)
		if err != nil {
			return nil, err
		}

		issuerPub, issuerFpr, err := v.resolveIssuer(keyID, targetFpr, newKeys)
		if err != nil {
			return nil, err
		}
		if err := pgp.VerifyCertificationSig(issuerPub, targetUID, target, sig); err != nil {
			return nil, err
		}
		certifiers = append(certifiers, issuerFpr)
	}
	return certifiers, nil
}

func (v *Validator) resolveIssuer(keyID, targetFpr string, newKeys map[string]*pgp.DecodedKey) (*packet.PublicKey, string, error) {
	for fpr, dk := range newKeys {
		if fpr == targetFpr {
			continue
		}
		if strings.EqualFold(dk.KeyID(), keyID) {
			return dk.Primary, fpr, nil
		}
	}

	tk, ok := v.TrustedKeys(keyID)
	if !ok {
		return nil, "", fmt.Errorf("%w: certification issuer %s is unknown", ErrBadKeychange, keyID)
	}
	if !v.IsMember(tk.Fingerprint) {
		return nil, "", fmt.Errorf("%w: certification issuer %s is not a current member", ErrBadKeychange, tk.Fingerprint)
	}
	dk, err := v.Oracle.DecodeArmored(tk.Packets)
	if err != nil {
		return nil, "", err
	}
	return dk.Primary, tk.Fingerprint, nil
}
