package keychain

import (
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/keychain/keychange"
	"github.com/tolelom/keychain/merkle"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/wot"
)

// Config holds the WoT parameters a Validator enforces (spec.md §6
// Configuration).
type Config struct {
	SigQty      int
	SigValidity int64
	TsInterval  int64
	Currency    string
	Pow         PowConfig
}

// Validator is the Block Validator (C5): orchestrates the eight checks of
// spec.md §4.4 as a pure function of (block, storage snapshot).
type Validator struct {
	Cfg     Config
	Blocks  BlockStore
	Members MemberStore
	Links   LinkStore
	Trusted TrustedKeyStore
	Graph   *wot.Graph
	Changes *keychange.Validator
}

// NewValidator wires a Validator from its dependencies.
func NewValidator(cfg Config, blocks BlockStore, members MemberStore, links LinkStore, trusted TrustedKeyStore, graph *wot.Graph) *Validator {
	cv := keychange.NewValidator(trusted.GetTheOne, members.IsMember)
	return &Validator{Cfg: cfg, Blocks: blocks, Members: members, Links: links, Trusted: trusted, Graph: graph, Changes: cv}
}

// Validate runs the eight ordered checks of spec.md §4.4, short-circuiting
// on the first failure. now is nil for offline replay (skips the clock
// check); a non-nil now enables it for on-line validation.
func (v *Validator) Validate(b *Keyblock, tip *Keyblock, now func() time.Time) error {
	if err := v.checkChaining(b, tip); err != nil {
		return err
	}
	if now != nil {
		if err := v.checkTimestamp(b, now); err != nil {
			return err
		}
	}
	if err := v.checkPoW(b); err != nil {
		return err
	}
	if err := v.checkIssuer(b); err != nil {
		return err
	}
	if err := v.checkKeychanges(b); err != nil {
		return err
	}

	newLinks := b.NewLinksByKind()
	allMembersAfter := v.membersAfter(b)

	if err := v.checkWoTStability(b, newLinks, allMembersAfter); err != nil {
		return err
	}
	if err := v.checkKickSet(b, newLinks, allMembersAfter); err != nil {
		return err
	}
	if err := v.checkMembersChangesCoherence(b); err != nil {
		return err
	}
	if err := v.checkMembersRoot(b, allMembersAfter); err != nil {
		return err
	}
	return nil
}

func (v *Validator) checkChaining(b *Keyblock, tip *Keyblock) error {
	if tip == nil {
		if b.Number != 0 {
			return newChainingError(RequiresRoot)
		}
		return nil
	}
	if b.Number <= tip.Number {
		return newChainingError(TooLate)
	}
	if b.Number != tip.Number+1 {
		return newChainingError(TooEarly)
	}
	if b.PreviousHash != tip.Hash {
		return newChainingError(BadPrevHash)
	}
	if b.PreviousIssuer != tip.Issuer {
		return newChainingError(BadPrevIssuer)
	}
	return nil
}

func (v *Validator) checkTimestamp(b *Keyblock, now func() time.Time) error {
	delta := now().Unix() - b.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > v.Cfg.TsInterval {
		return fmt.Errorf("%w: timestamp %d outside ±%ds of now", ErrBadTimestamp, b.Timestamp, v.Cfg.TsInterval)
	}
	return nil
}

func (v *Validator) checkPoW(b *Keyblock) error {
	lastOwn, _ := v.Blocks.LastOfIssuer(b.Issuer)
	z := ExpectedZeros(v.Cfg.Pow, lastOwn, len(v.Members.Members()), b.Number)
	if LeadingZeros(b.Hash) < z {
		return fmt.Errorf("%w: block hash %s has fewer than %d leading zeros", ErrBadPoW, b.Hash, z)
	}
	return nil
}

func (v *Validator) checkIssuer(b *Keyblock) error {
	if b.Number == 0 {
		for _, a := range b.MemberAdditions() {
			if a == b.Issuer {
				return nil
			}
		}
		return fmt.Errorf("%w: genesis issuer %s must appear in its own membersChanges", ErrBadIssuer, b.Issuer)
	}
	if !v.Members.IsMember(b.Issuer) {
		return fmt.Errorf("%w: issuer %s is not a current member", ErrBadIssuer, b.Issuer)
	}
	return nil
}

// checkKeychanges validates every keychange, newcomers first then updates,
// per the design note on ordering sensitivity (certifier resolution needs
// every co-newcomer key decoded up front).
func (v *Validator) checkKeychanges(b *Keyblock) error {
	newKeys := make(map[string]*pgp.DecodedKey)
	for i := range b.KeysChanges {
		kc := &b.KeysChanges[i]
		if kc.Kind != keychange.Newcomer || kc.Newcomer == nil {
			continue
		}
		dk, err := pgp.DecodeArmored(string(kc.Newcomer.KeyPackets))
		if err != nil {
			continue // surfaced properly when this keychange is actually validated below
		}
		newKeys[dk.Fingerprint()] = dk
	}

	ordered := make([]*KeysChange, 0, len(b.KeysChanges))
	for i := range b.KeysChanges {
		if b.KeysChanges[i].Kind == keychange.Newcomer {
			ordered = append(ordered, &b.KeysChanges[i])
		}
	}
	for i := range b.KeysChanges {
		if b.KeysChanges[i].Kind != keychange.Newcomer {
			ordered = append(ordered, &b.KeysChanges[i])
		}
	}

	for _, kc := range ordered {
		if err := v.Changes.Validate(kc, newKeys); err != nil {
			if errors.Is(err, keychange.ErrNotImplementedKeychange) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrBadKeychange, err)
		}
	}
	return nil
}

func (v *Validator) membersAfter(b *Keyblock) []string {
	set := make(map[string]struct{})
	for _, m := range v.Members.Members() {
		set[m] = struct{}{}
	}
	for _, a := range b.MemberAdditions() {
		set[a] = struct{}{}
	}
	for _, r := range b.MemberRemovals() {
		delete(set, r)
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// CheckCandidateStability runs the WoT-stability check (§4.4 step 6) against
// a synthetic, not-yet-mined candidate block, for package builder's iterated
// admission algorithm (spec.md §4.8): "tentatively add to A ... call
// WoT-stability check on the synthetic block."
func (v *Validator) CheckCandidateStability(b *Keyblock) error {
	newLinks := b.NewLinksByKind()
	return v.checkWoTStability(b, newLinks, v.membersAfter(b))
}

func (v *Validator) checkWoTStability(b *Keyblock, newLinks map[string][]string, allMembersAfter []string) error {
	extra := wot.ExtraLinks(newLinks)
	for _, fpr := range b.MemberAdditions() {
		count := len(v.Links.CurrentValidLinks(fpr)) + len(newLinks[fpr])
		if count < v.Cfg.SigQty {
			return fmt.Errorf("%w: %s has %d links, need %d", ErrWoTUnstable, fpr, count, v.Cfg.SigQty)
		}
		if missing := v.Graph.NotReachedWithin(fpr, allMembersAfter, 3, extra); len(missing) > 0 {
			return fmt.Errorf("%w: %s cannot reach %v within 3 hops", ErrWoTUnstable, fpr, missing)
		}
		for _, other := range allMembersAfter {
			if other == fpr {
				continue
			}
			if !v.Graph.PathWithin(other, fpr, 3, extra) {
				return fmt.Errorf("%w: %s cannot reach %s within 3 hops", ErrWoTUnstable, other, fpr)
			}
		}
	}
	return nil
}

func (v *Validator) checkKickSet(b *Keyblock, newLinks map[string][]string, allMembersAfter []string) error {
	extra := wot.ExtraLinks(newLinks)
	removals := make(map[string]bool)
	for _, r := range b.MemberRemovals() {
		removals[r] = true
	}

	for _, row := range v.Members.GetToBeKicked() {
		stillDistanced := len(v.Graph.NotReachedWithin(row.Fingerprint, allMembersAfter, 3, extra)) > 0
		linkCount := len(v.Links.CurrentValidLinks(row.Fingerprint)) + len(newLinks[row.Fingerprint])
		stillLacksLinks := linkCount < v.Cfg.SigQty
		stillFailing := stillDistanced || stillLacksLinks
		isRemoved := removals[row.Fingerprint]

		if stillFailing && !isRemoved {
			return fmt.Errorf("%w: %s should be kicked but is not removed", ErrBadKickSet, row.Fingerprint)
		}
		if !stillFailing && isRemoved {
			return fmt.Errorf("%w: %s is removed but no longer fails stability", ErrBadKickSet, row.Fingerprint)
		}
	}
	return nil
}

// checkMembersRoot enforces spec.md §3 invariant 1: membersRoot must be the
// Merkle root of exactly membersCount post-block member fingerprints.
func (v *Validator) checkMembersRoot(b *Keyblock, allMembersAfter []string) error {
	if b.MembersCount != len(allMembersAfter) {
		return fmt.Errorf("%w: membersCount %d does not match %d members after block", ErrBadMembersChanges, b.MembersCount, len(allMembersAfter))
	}
	want := merkle.Root(allMembersAfter)
	if b.MembersRoot != want {
		return fmt.Errorf("%w: membersRoot %s does not match computed root %s", ErrBadMembersChanges, b.MembersRoot, want)
	}
	return nil
}

func (v *Validator) checkMembersChangesCoherence(b *Keyblock) error {
	if !b.IsMembersChangesSorted() {
		return fmt.Errorf("%w: membersChanges is not sorted", ErrBadMembersChanges)
	}

	newcomers := make(map[string]bool)
	for _, kc := range b.KeysChanges {
		if kc.Kind == keychange.Newcomer {
			newcomers[kc.Fingerprint] = true
		}
	}
	for _, a := range b.MemberAdditions() {
		if !newcomers[a] {
			return fmt.Errorf("%w: +%s has no backing NEWCOMER keychange", ErrBadMembersChanges, a)
		}
		delete(newcomers, a)
	}
	if len(newcomers) > 0 {
		return fmt.Errorf("%w: NEWCOMER keychange without a matching +FPR entry", ErrBadMembersChanges)
	}
	return nil
}
