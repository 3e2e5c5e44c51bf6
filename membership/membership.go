// Package membership is the Membership Pool (C3): the set of pending,
// signature-verified JOIN/LEAVE declarations not yet materialized in a
// block.
package membership

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/tolelom/keychain/pgp"
)

// Direction is the membership's declared intent.
type Direction string

const (
	In  Direction = "IN"
	Out Direction = "OUT"
)

// ErrBadCrypto is returned when a membership's signature does not verify
// against its declared issuer.
var ErrBadCrypto = pgp.ErrBadCrypto

// Membership is a signed declaration of intent to join or leave the WoT,
// per spec.md §3.
type Membership struct {
	Issuer      string    `json:"issuer"`
	UserID      string    `json:"userid"`
	Membership  Direction `json:"membership"`
	Date        int64     `json:"date"`
	Hash        string    `json:"hash"`
	Signature   string    `json:"signature"`
	Eligible    bool      `json:"eligible"`
	Propagated  bool      `json:"propagated"`
}

// Raw returns the canonical text form that is signed and hashed, mirroring
// Keyblock.Raw's fixed field order.
func (m *Membership) Raw() []byte {
	var b bytes.Buffer
	b.WriteString("Issuer: " + m.Issuer + "\n")
	b.WriteString("UserID: " + m.UserID + "\n")
	b.WriteString("Membership: " + string(m.Membership) + "\n")
	b.WriteString("Date: " + strconv.FormatInt(m.Date, 10) + "\n")
	return b.Bytes()
}

// Verify checks the membership's signature against pub and that pub's 40-hex
// fingerprint matches m.Issuer, returning an error if either check fails. It
// does not consult any store; callers decide what to do with the result.
func Verify(m *Membership, pub *packet.PublicKey) error {
	sigBlob, err := decodeSignature(m.Signature)
	if err != nil {
		return err
	}
	if err := pgp.VerifyDetached(pub, m.Raw(), sigBlob); err != nil {
		return err
	}
	fpr := pgp.FingerprintHex(pub.Fingerprint)
	if !strings.EqualFold(fpr, m.Issuer) {
		return fmt.Errorf("%w: signature issuer %s does not match declared issuer %s", ErrBadCrypto, fpr, m.Issuer)
	}
	return nil
}

func decodeSignature(sig string) ([]byte, error) {
	if sig == "" {
		return nil, errors.New("membership: empty signature")
	}
	return []byte(sig), nil
}
