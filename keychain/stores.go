package keychain

import (
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/wot"
)

// BlockStore is the persisted Keyblock sequence (spec.md §6 "Block store").
type BlockStore interface {
	Current() (*Keyblock, bool)
	FindByNumber(n int) (*Keyblock, bool)
	LastOfIssuer(fpr string) (*Keyblock, bool)
	Save(b *Keyblock) error
}

// MemberStore is the derived member index (spec.md §6 "Member index").
type MemberStore interface {
	IsMember(fpr string) bool
	Members() []string
	AddMember(fpr string) error
	RemoveMember(fpr string) error
	SetKicked(fpr string, distanced map[string]bool, notEnoughLinks bool) error
	UnsetKicked(fpr string) error
	GetToBeKicked() []*wot.KeyRow
	GetRow(fpr string) (*wot.KeyRow, bool)
}

// LinkStore is the derived certification-link index (spec.md §6 "Link
// store").
type LinkStore interface {
	CurrentValidLinks(target string) []string
	Save(l *wot.Link) error
	// Obsoletes flags every still-current link older than ageCutoff and
	// returns exactly those newly flagged, so callers can prune the same
	// links from any in-memory index (e.g. wot.Graph) that mirrors current
	// links (spec.md §4.6).
	Obsoletes(ageCutoff int64) ([]*wot.Link, error)
	AllCurrentLinks() []*wot.Link
}

// TrustedKeyStore is the authoritative OpenPGP material store (spec.md §6
// "Trusted-key store").
type TrustedKeyStore interface {
	GetTheOne(fprOrKeyID string) (*pgp.TrustedKey, bool)
	Save(tk *pgp.TrustedKey) error
}

// MembershipStore is re-exported for convenience so callers that wire a
// keychain.Applier can see the full storage surface in one place.
type MembershipStore = membership.Store
