package keychain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tolelom/keychain/crypto"
	"github.com/tolelom/keychain/keychange"
)

// KeysChange is a validated keychange record embedded in a Keyblock.
type KeysChange = keychange.Change

// Keyblock is the unit of consensus (spec.md §3).
type Keyblock struct {
	Number         int               `json:"number"`
	Currency       string            `json:"currency"`
	PreviousHash   string            `json:"previousHash"`
	PreviousIssuer string            `json:"previousIssuer"`
	Timestamp      int64             `json:"timestamp"`
	Nonce          int64             `json:"nonce"`
	Issuer         string            `json:"issuer"`
	MembersRoot    string            `json:"membersRoot"`
	MembersCount   int               `json:"membersCount"`
	MembersChanges []string          `json:"membersChanges"`
	KeysChanges    []KeysChange      `json:"keysChanges"`
	Signature      string            `json:"signature"`
	Hash           string            `json:"hash"`
}

// Raw produces the canonical text encoding that is hashed and signed: one
// field per line, in a fixed order, keysChanges serialized in the block's own
// slice order (they are not re-sorted). This is the concrete stable encoding required by
// spec.md §6 ("exact byte layout is out of scope ... but MUST be stable"),
// grounded on the teacher's header-only ComputeHash pattern but textual
// rather than JSON because hash(getRaw(B) ‖ signature) requires raw bytes
// independent of the signature field itself.
func (b *Keyblock) Raw() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Number: %d\n", b.Number)
	fmt.Fprintf(&buf, "Currency: %s\n", b.Currency)
	fmt.Fprintf(&buf, "PreviousHash: %s\n", b.PreviousHash)
	fmt.Fprintf(&buf, "PreviousIssuer: %s\n", b.PreviousIssuer)
	fmt.Fprintf(&buf, "Timestamp: %d\n", b.Timestamp)
	fmt.Fprintf(&buf, "Nonce: %d\n", b.Nonce)
	fmt.Fprintf(&buf, "Issuer: %s\n", b.Issuer)
	fmt.Fprintf(&buf, "MembersRoot: %s\n", b.MembersRoot)
	fmt.Fprintf(&buf, "MembersCount: %d\n", b.MembersCount)
	buf.WriteString("MembersChanges:\n")
	for _, mc := range b.MembersChanges {
		buf.WriteString(mc + "\n")
	}
	buf.WriteString("KeysChanges:\n")
	for _, kc := range b.KeysChanges {
		writeKeysChange(&buf, &kc)
	}
	return buf.Bytes()
}

func writeKeysChange(buf *bytes.Buffer, kc *KeysChange) {
	fmt.Fprintf(buf, "KC %s %s\n", kc.Kind, kc.Fingerprint)
	switch kc.Kind {
	case keychange.Newcomer:
		nb := kc.Newcomer
		fmt.Fprintf(buf, "KP %x\n", nb.KeyPackets)
		fmt.Fprintf(buf, "CP %x\n", nb.CertPackets)
		fmt.Fprintf(buf, "MS issuer=%s userid=%s membership=%s date=%d\n",
			nb.Membership.Issuer, nb.Membership.UserID, nb.Membership.Membership, nb.Membership.Date)
		fmt.Fprintf(buf, "MSIG %x\n", nb.MembershipSignature)
	case keychange.Update:
		ub := kc.Update
		fmt.Fprintf(buf, "KP %x\n", ub.KeyPackets)
		fmt.Fprintf(buf, "CP %x\n", ub.CertPackets)
	}
}

// Hash computes the block's hash field as sha256(raw ‖ signature), hex
// encoded, matching the teacher's ComputeHash/Sign shape generalized to a
// two-part digest (§4.7's PoW loop hashes raw‖signature, not raw alone).
func (b *Keyblock) ComputeHash() string {
	var buf bytes.Buffer
	buf.Write(b.Raw())
	buf.WriteString(b.Signature)
	return crypto.Hash(buf.Bytes())
}

// LeadingZeros counts leading hex zero digits of a hash string.
func LeadingZeros(hash string) int {
	n := 0
	for _, c := range hash {
		if c != '0' {
			break
		}
		n++
	}
	return n
}

// MemberAdditions returns the fingerprints added by "+FPR" entries, in
// encounter order.
func (b *Keyblock) MemberAdditions() []string {
	var out []string
	for _, mc := range b.MembersChanges {
		if strings.HasPrefix(mc, "+") {
			out = append(out, mc[1:])
		}
	}
	return out
}

// MemberRemovals returns the fingerprints removed by "-FPR" entries.
func (b *Keyblock) MemberRemovals() []string {
	var out []string
	for _, mc := range b.MembersChanges {
		if strings.HasPrefix(mc, "-") {
			out = append(out, mc[1:])
		}
	}
	return out
}

// IsMembersChangesSorted reports whether MembersChanges is strictly
// lexicographically ascending, per spec.md §4.4 step 8.
func (b *Keyblock) IsMembersChangesSorted() bool {
	for i := 1; i < len(b.MembersChanges); i++ {
		if b.MembersChanges[i-1] >= b.MembersChanges[i] {
			return false
		}
	}
	return true
}

// NewLinksByKind derives the {target -> sources} map from every keychange's
// validated Certifiers list, for WoT-stability checks (spec.md §4.3
// "Output").
func (b *Keyblock) NewLinksByKind() map[string][]string {
	out := make(map[string][]string)
	for _, kc := range b.KeysChanges {
		if kc.Fingerprint == "" || len(kc.Certifiers) == 0 {
			continue
		}
		out[kc.Fingerprint] = append(out[kc.Fingerprint], kc.Certifiers...)
	}
	return out
}
