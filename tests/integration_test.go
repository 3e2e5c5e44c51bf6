// Package tests exercises a full node stack end to end: three founders form
// genesis, a fourth identity is admitted through the builder, mined by the
// proof-of-work engine, and applied through the chain.
package tests

import (
	"bytes"
	"context"
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
	"github.com/tolelom/keychain/pow"
	"github.com/tolelom/keychain/wot"
)

type identity struct {
	entity *openpgp.Entity
	fpr    string
	uid    string
}

func newIdentity(t *testing.T, uid string) *identity {
	t.Helper()
	entity, err := openpgp.NewEntity(uid, "", "", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return &identity{entity: entity, fpr: pgp.FingerprintHex(entity.PrimaryKey.Fingerprint), uid: uid}
}

func armoredPublicKey(t *testing.T, entity *openpgp.Entity) []byte {
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

func certifyIdentity(t *testing.T, target *identity, signers []*identity) []byte {
	t.Helper()
	var out bytes.Buffer
	id := target.entity.Identities[target.uid]
	for _, signer := range signers {
		if err := target.entity.SignIdentity(target.uid, signer.entity, nil); err != nil {
			t.Fatalf("SignIdentity: %v", err)
		}
		sig := id.Signatures[len(id.Signatures)-1]
		if err := sig.Serialize(&out); err != nil {
			t.Fatalf("serialize cert: %v", err)
		}
	}
	return out.Bytes()
}

func selfSignedJoin(t *testing.T, id *identity, date int64) (*membership.Membership, []byte) {
	t.Helper()
	m := &membership.Membership{
		Issuer:     id.fpr,
		UserID:     id.uid,
		Membership: membership.In,
		Date:       date,
		Hash:       id.uid,
		Eligible:   true,
	}
	signer := pgp.NewSigner(id.entity.PrivateKey)
	sig, err := signer.SignDetached(m.Raw())
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	m.Signature = string(sig)
	return m, sig
}

func newcomerChange(t *testing.T, id *identity, certifiers []*identity, date int64) keychange.Change {
	t.Helper()
	m, sig := selfSignedJoin(t, id, date)
	return keychange.Change{
		Kind: keychange.Newcomer,
		Newcomer: &keychange.NewcomerBody{
			KeyPackets:          armoredPublicKey(t, id.entity),
			CertPackets:         certifyIdentity(t, id, certifiers),
			Membership:          m,
			MembershipSignature: sig,
		},
	}
}

// buildChain wires a full chain against in-memory stores, mirroring how
// cmd/keynode assembles one against LevelDB-backed stores.
func buildChain(t *testing.T) (*keychain.Chain, *keychain.PowConfig) {
	t.Helper()
	blocks := testutil.NewMemBlockStore()
	members := testutil.NewMemMemberStore()
	links := testutil.NewMemLinkStore()
	trusted := testutil.NewMemTrustedKeyStore()
	graph := wot.NewGraph()

	powCfg := keychain.PowConfig{PowZeroMin: 0, PowPeriod: 1, PowPeriodC: true}
	cfg := keychain.Config{
		SigQty:      2,
		SigValidity: 2629800,
		TsInterval:  3600,
		Currency:    "test",
		Pow:         powCfg,
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
		SigQty:      2,
		SigValidity: 2629800,
	}
	return keychain.NewChain(v, a, nil), &powCfg
}

func submitGenesis(t *testing.T, chain *keychain.Chain, founders []*identity) *keychain.Keyblock {
	t.Helper()
	changes := make([]keychange.Change, len(founders))
	additions := make([]string, len(founders))
	for i, f := range founders {
		others := make([]*identity, 0, len(founders)-1)
		for _, other := range founders {
			if other != f {
				others = append(others, other)
			}
		}
		changes[i] = newcomerChange(t, f, others, 1700000000)
		additions[i] = f.fpr
	}
	sort.Strings(additions)
	membersChanges := make([]string, len(additions))
	for i, fpr := range additions {
		membersChanges[i] = "+" + fpr
	}
	blk := &keychain.Keyblock{
		Number:         0,
		Currency:       "test",
		Timestamp:      1700000000,
		Issuer:         founders[0].fpr,
		MembersRoot:    merkle.Root(additions),
		MembersCount:   len(founders),
		MembersChanges: membersChanges,
		KeysChanges:    changes,
	}
	blk.Hash = blk.ComputeHash()
	applied, err := chain.SubmitKeyBlock(blk)
	if err != nil {
		t.Fatalf("genesis submit: %v", err)
	}
	return applied
}

// TestFounderChainAdmitsAndMinesSecondBlock drives genesis, builds a
// candidate admitting a fourth identity, mines it with the proof-of-work
// engine, and submits the mined block back through the chain.
func TestFounderChainAdmitsAndMinesSecondBlock(t *testing.T) {
	chain, _ := buildChain(t)
	alice := newIdentity(t, "alice (genesis) Alice-2020-01-01")
	bob := newIdentity(t, "bob (genesis) Bob-2020-01-01")
	carol := newIdentity(t, "carol (genesis) Carol-2020-01-01")
	submitGenesis(t, chain, []*identity{alice, bob, carol})

	dave := newIdentity(t, "dave (newcomer) Dave-2020-01-01")
	_, joinSig := selfSignedJoin(t, dave, 1700000100)
	certPackets := certifyIdentity(t, dave, []*identity{alice, bob})

	lookup := func(fpr string) (*builder.NewcomerMaterial, bool) {
		if fpr != dave.fpr {
			return nil, false
		}
		return &builder.NewcomerMaterial{
			KeyPackets:          armoredPublicKey(t, dave.entity),
			CertPackets:         certPackets,
			MembershipSignature: joinSig,
		}, true
	}

	store := testutil.NewMemMembershipStore()
	pendingLookup := func(fpr string) (*packet.PublicKey, bool) {
		if fpr == dave.fpr {
			return dave.entity.PrimaryKey, true
		}
		return nil, false
	}
	pool := membership.NewPool(store, pendingLookup)
	m, sig := selfSignedJoin(t, dave, 1700000100)
	m.Signature = string(sig)
	if err := pool.Add(m); err != nil {
		t.Fatalf("seed pending membership: %v", err)
	}

	bld := builder.New(chain, pool, lookup, nil, "test")
	candidate, err := bld.GenerateNewcomersAuto()
	if err != nil {
		t.Fatalf("GenerateNewcomersAuto: %v", err)
	}

	found := false
	for _, mc := range candidate.MembersChanges {
		if mc == "+"+dave.fpr {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dave admitted into candidate block, got %v", candidate.MembersChanges)
	}

	candidate.Issuer = alice.fpr
	candidate.Timestamp = 1700000200

	engine := pow.NewEngine()
	signer := pgp.NewSigner(alice.entity.PrivateKey)
	mined, err := engine.Search(context.Background(), candidate, signer, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	applied, err := chain.SubmitKeyBlock(mined)
	if err != nil {
		t.Fatalf("submit mined block: %v", err)
	}
	if applied.Number != 1 {
		t.Fatalf("expected block 1 applied, got %d", applied.Number)
	}

	tip, ok := chain.Current()
	if !ok || tip.Hash != applied.Hash {
		t.Fatalf("chain tip did not advance to the mined block")
	}
}
