package builder_test

import (
	"bytes"
	"sort"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/tolelom/keychain/builder"
	"github.com/tolelom/keychain/events"
	"github.com/tolelom/keychain/internal/testutil"
	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/keychange"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/merkle"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/wot"
)

const sigQty = 2

type founder struct {
	entity *openpgp.Entity
	fpr    string
	uid    string
}

func newFounder(t *testing.T, uid string) *founder {
	t.Helper()
	entity, err := openpgp.NewEntity(uid, "", "", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return &founder{entity: entity, fpr: pgp.FingerprintHex(entity.PrimaryKey.Fingerprint), uid: uid}
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

func certify(t *testing.T, f *founder, signers []*founder) []byte {
	t.Helper()
	var out bytes.Buffer
	identity := f.entity.Identities[f.uid]
	for _, signer := range signers {
		if err := f.entity.SignIdentity(f.uid, signer.entity, nil); err != nil {
			t.Fatalf("SignIdentity: %v", err)
		}
		sig := identity.Signatures[len(identity.Signatures)-1]
		if err := sig.Serialize(&out); err != nil {
			t.Fatalf("serialize cert: %v", err)
		}
	}
	return out.Bytes()
}

func signedMembership(t *testing.T, f *founder, date int64) (*membership.Membership, []byte) {
	t.Helper()
	m := &membership.Membership{
		Issuer:     f.fpr,
		UserID:     f.uid,
		Membership: membership.In,
		Date:       date,
		Hash:       f.uid,
		Eligible:   true,
	}
	signer := pgp.NewSigner(f.entity.PrivateKey)
	sig, err := signer.SignDetached(m.Raw())
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	m.Signature = string(sig)
	return m, sig
}

func newcomerChange(t *testing.T, f *founder, certifiers []*founder, date int64) keychange.Change {
	t.Helper()
	m, sig := signedMembership(t, f, date)
	return keychange.Change{
		Kind: keychange.Newcomer,
		Newcomer: &keychange.NewcomerBody{
			KeyPackets:          armoredPublic(t, f.entity),
			CertPackets:         certify(t, f, certifiers),
			Membership:          m,
			MembershipSignature: sig,
		},
	}
}

type harness struct {
	chain *keychain.Chain
}

func buildHarness(t *testing.T) *harness {
	t.Helper()
	blocks := testutil.NewMemBlockStore()
	members := testutil.NewMemMemberStore()
	links := testutil.NewMemLinkStore()
	trusted := testutil.NewMemTrustedKeyStore()
	graph := wot.NewGraph()

	cfg := keychain.Config{
		SigQty:      sigQty,
		SigValidity: 2629800,
		TsInterval:  3600,
		Currency:    "test",
		Pow:         keychain.PowConfig{PowZeroMin: 0, PowPeriod: 1, PowPeriodC: true},
	}
	v := keychain.NewValidator(cfg, blocks, members, links, trusted, graph)
	a := &keychain.Applier{
		Blocks:      blocks,
		Members:     members,
		Links:       links,
		Trusted:     trusted,
		Memberships: membership.NewPool(testutil.NewMemMembershipStore(), nil),
		Graph:       graph,
		Emitter:     events.NewEmitter(),
		SigQty:      sigQty,
		SigValidity: 2629800,
	}
	chain := keychain.NewChain(v, a, nil)
	return &harness{chain: chain}
}

func genesis(t *testing.T, h *harness, a, b, c *founder) *keychain.Keyblock {
	t.Helper()
	changes := []keychange.Change{
		newcomerChange(t, a, []*founder{b, c}, 1700000000),
		newcomerChange(t, b, []*founder{a, c}, 1700000000),
		newcomerChange(t, c, []*founder{a, b}, 1700000000),
	}
	additions := []string{a.fpr, b.fpr, c.fpr}
	sort.Strings(additions)
	membersChanges := make([]string, len(additions))
	for i, fpr := range additions {
		membersChanges[i] = "+" + fpr
	}
	blk := &keychain.Keyblock{
		Number:         0,
		Currency:       "test",
		Timestamp:      1700000000,
		Issuer:         a.fpr,
		MembersRoot:    merkle.Root(additions),
		MembersCount:   3,
		MembersChanges: membersChanges,
		KeysChanges:    changes,
	}
	blk.Hash = blk.ComputeHash()
	if _, err := h.chain.SubmitKeyBlock(blk); err != nil {
		t.Fatalf("genesis submit: %v", err)
	}
	return blk
}

// newPendingPool builds a real membership.Pool seeded with candidate's own
// self-signed JOIN declaration, verified against its own key exactly as the
// production pool would verify a gossiped membership.
func newPendingPool(t *testing.T, candidate *founder) *membership.Pool {
	t.Helper()
	store := testutil.NewMemMembershipStore()
	lookup := func(fpr string) (*packet.PublicKey, bool) {
		if candidate != nil && fpr == candidate.fpr {
			return candidate.entity.PrimaryKey, true
		}
		return nil, false
	}
	pool := membership.NewPool(store, lookup)
	if candidate != nil {
		m, sig := signedMembership(t, candidate, 1700000100)
		m.Signature = string(sig)
		if err := pool.Add(m); err != nil {
			t.Fatalf("seed pending membership: %v", err)
		}
	}
	return pool
}

func TestGenerateNewcomersAutoAdmitsWellCertifiedCandidate(t *testing.T) {
	h := buildHarness(t)
	a := newFounder(t, "alice (comment) Alice-2020-01-01")
	b := newFounder(t, "bob (comment) Bob-2020-01-01")
	c := newFounder(t, "carol (comment) Carol-2020-01-01")
	genesis(t, h, a, b, c)

	d := newFounder(t, "dave (comment) Dave-2020-01-01")
	_, sig := signedMembership(t, d, 1700000100)
	certPackets := certify(t, d, []*founder{a, b})
	lookup := func(fpr string) (*builder.NewcomerMaterial, bool) {
		if fpr != d.fpr {
			return nil, false
		}
		return &builder.NewcomerMaterial{
			KeyPackets:          armoredPublic(t, d.entity),
			CertPackets:         certPackets,
			MembershipSignature: sig,
		}, true
	}

	bld := builder.New(h.chain, newPendingPool(t, d), lookup, nil, "test")
	blk, err := bld.GenerateNewcomersAuto()
	if err != nil {
		t.Fatalf("GenerateNewcomersAuto: %v", err)
	}
	found := false
	for _, mc := range blk.MembersChanges {
		if mc == "+"+d.fpr {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dave to be admitted, membersChanges=%v", blk.MembersChanges)
	}
	if blk.Number != 1 {
		t.Fatalf("expected candidate block number 1, got %d", blk.Number)
	}
}

func TestGenerateNewcomersAutoRejectsUnderCertifiedCandidate(t *testing.T) {
	h := buildHarness(t)
	a := newFounder(t, "alice (comment) Alice-2020-01-01")
	b := newFounder(t, "bob (comment) Bob-2020-01-01")
	c := newFounder(t, "carol (comment) Carol-2020-01-01")
	genesis(t, h, a, b, c)

	d := newFounder(t, "dave (comment) Dave-2020-01-01")
	_, sig := signedMembership(t, d, 1700000100)
	certPackets := certify(t, d, []*founder{a}) // only one certifier: below sigQty

	lookup := func(fpr string) (*builder.NewcomerMaterial, bool) {
		if fpr != d.fpr {
			return nil, false
		}
		return &builder.NewcomerMaterial{
			KeyPackets:          armoredPublic(t, d.entity),
			CertPackets:         certPackets,
			MembershipSignature: sig,
		}, true
	}

	bld := builder.New(h.chain, newPendingPool(t, d), lookup, nil, "test")
	blk, err := bld.GenerateNewcomersAuto()
	if err != nil {
		t.Fatalf("GenerateNewcomersAuto: %v", err)
	}
	for _, mc := range blk.MembersChanges {
		if mc == "+"+d.fpr {
			t.Fatalf("expected dave to be rejected by iterated admission, membersChanges=%v", blk.MembersChanges)
		}
	}
}

func TestGenerateEmptyNextAdvancesWithNoChanges(t *testing.T) {
	h := buildHarness(t)
	a := newFounder(t, "alice (comment) Alice-2020-01-01")
	b := newFounder(t, "bob (comment) Bob-2020-01-01")
	c := newFounder(t, "carol (comment) Carol-2020-01-01")
	genesis(t, h, a, b, c)

	bld := builder.New(h.chain, newPendingPool(t, nil), nil, nil, "test")
	blk, err := bld.GenerateEmptyNext()
	if err != nil {
		t.Fatalf("GenerateEmptyNext: %v", err)
	}
	if blk.Number != 1 {
		t.Fatalf("expected number 1, got %d", blk.Number)
	}
	if len(blk.KeysChanges) != 0 {
		t.Fatalf("expected no keychanges, got %d", len(blk.KeysChanges))
	}
}
