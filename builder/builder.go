// Package builder is the Block Builder (C8): assembles a candidate Keyblock
// from pending memberships and keychange material, ready to be signed and
// handed to the proof-of-work engine (package pow). It never touches
// storage itself; all reads go through the Chain's Validator so a candidate
// is checked with exactly the rules a submitted block will face.
package builder

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/keychange"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/merkle"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/wot"
)

// NewcomerMaterial is the key/cert/membership-signature bundle a caller
// supplies for a pending eligible Membership, so the builder can assemble a
// full NEWCOMER keychange from it (spec.md §4.8 "Newcomer-inclusion").
type NewcomerMaterial struct {
	KeyPackets          []byte
	CertPackets         []byte
	MembershipSignature []byte
}

// NewcomerMaterialLookup resolves a candidate's issuer fingerprint to the
// material needed to build its NEWCOMER keychange. It returns false if no
// material is on hand yet (the candidate is skipped, not an error).
type NewcomerMaterialLookup func(fpr string) (*NewcomerMaterial, bool)

// UpdateMaterial is a pending UPDATE keychange body together with the
// fingerprint of the already-member key it targets.
type UpdateMaterial struct {
	Fingerprint string
	KeyPackets  []byte
	CertPackets []byte
}

// UpdateSource returns the batch of pending update material available right
// now (new subkeys or new certifications gathered for existing members).
type UpdateSource func() []UpdateMaterial

// CandidateFilter narrows the set of eligible newcomer candidates before
// iterated admission runs. It returns the subset to admit, in the order
// admission should try them.
type CandidateFilter func(candidates []*membership.Membership) []*membership.Membership

// PassThroughFilter admits every eligible candidate, in the order it receives
// them (eligibleCandidates sorts them by issuer fingerprint). Used by
// GenerateNewcomersAuto.
func PassThroughFilter(candidates []*membership.Membership) []*membership.Membership {
	return candidates
}

// PromptFilter builds an interactive CandidateFilter that asks the operator
// to confirm each candidate over r/w, one line per candidate ("y"/"n").
// Used by GenerateNewcomers.
func PromptFilter(r io.Reader, w io.Writer) CandidateFilter {
	return func(candidates []*membership.Membership) []*membership.Membership {
		scanner := bufio.NewScanner(r)
		var kept []*membership.Membership
		for _, c := range candidates {
			fmt.Fprintf(w, "include newcomer %s (%s)? [y/N] ", c.UserID, c.Issuer)
			if !scanner.Scan() {
				break
			}
			if scanner.Text() == "y" || scanner.Text() == "Y" {
				kept = append(kept, c)
			}
		}
		return kept
	}
}

// Builder assembles candidate keyblocks from the chain's current tip plus
// whatever newcomer and update material is on hand. It holds no mutable
// state of its own beyond its dependencies.
type Builder struct {
	Chain       *keychain.Chain
	Memberships *membership.Pool
	Newcomers   NewcomerMaterialLookup
	Updates     UpdateSource
	Currency    string
}

// New wires a Builder from its dependencies.
func New(chain *keychain.Chain, pool *membership.Pool, newcomers NewcomerMaterialLookup, updates UpdateSource, currency string) *Builder {
	return &Builder{Chain: chain, Memberships: pool, Newcomers: newcomers, Updates: updates, Currency: currency}
}

// GenerateEmptyNext builds a candidate block carrying no keychanges at all
// (other than whatever kick-set removals the current members still owe),
// for when there is nothing worth including but the chain should advance.
func (b *Builder) GenerateEmptyNext() (*keychain.Keyblock, error) {
	return b.assemble(nil, nil)
}

// GenerateNewcomers builds a candidate block via the Newcomer-inclusion mode
// of spec.md §4.8, asking filter to narrow the eligible pool before iterated
// admission runs. Also folds in any pending update material.
func (b *Builder) GenerateNewcomers(filter CandidateFilter) (*keychain.Keyblock, error) {
	candidates := b.eligibleCandidates()
	if filter != nil {
		candidates = filter(candidates)
	}
	return b.assemble(candidates, b.pendingUpdates())
}

// GenerateNewcomersAuto is GenerateNewcomers with PassThroughFilter: every
// decodable eligible candidate is offered to iterated admission, with no
// operator interaction.
func (b *Builder) GenerateNewcomersAuto() (*keychain.Keyblock, error) {
	return b.GenerateNewcomers(PassThroughFilter)
}

// GenerateNext is GenerateNewcomersAuto: the ordinary block-production path,
// folding in both newcomer admission and pending updates.
func (b *Builder) GenerateNext() (*keychain.Keyblock, error) {
	return b.GenerateNewcomersAuto()
}

func (b *Builder) eligibleCandidates() []*membership.Membership {
	pending := b.Memberships.Find(true)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Issuer < pending[j].Issuer })

	var out []*membership.Membership
	for _, m := range pending {
		if b.Newcomers == nil {
			continue
		}
		if _, ok := b.Newcomers(m.Issuer); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *Builder) pendingUpdates() []UpdateMaterial {
	if b.Updates == nil {
		return nil
	}
	return b.Updates()
}

// assemble runs iterated admission over candidates, folds in every update
// that passes keychange validation (updates skip admission), and packages the result into an unsigned, unmined
// candidate block. The chain's own Validator is used throughout so a
// candidate is probed with exactly the rules SubmitKeyBlock will enforce.
func (b *Builder) assemble(candidates []*membership.Membership, updates []UpdateMaterial) (*keychain.Keyblock, error) {
	v := b.Chain.Validator()
	tip, hasTip := b.Chain.Current()

	number := 0
	prevHash, prevIssuer := "", ""
	if hasTip {
		number = tip.Number + 1
		prevHash = tip.Hash
		prevIssuer = tip.Issuer
	}

	newcomerChanges, newKeys := b.decodeNewcomers(candidates)
	updateChanges := b.validUpdates(b.decodeUpdates(updates), newKeys)

	accepted, changes := b.admit(number, prevHash, prevIssuer, newcomerChanges, newKeys)
	changes = append(changes, updateChanges...)

	membersChanges := b.membersChanges(number, prevHash, prevIssuer, accepted, changes, v)

	memberSet := make([]string, 0, len(v.Members.Members())+len(accepted))
	existing := make(map[string]bool)
	for _, m := range v.Members.Members() {
		existing[m] = true
	}
	for _, mc := range membersChanges {
		if mc[0] == '+' {
			existing[mc[1:]] = true
		} else {
			delete(existing, mc[1:])
		}
	}
	for fpr := range existing {
		memberSet = append(memberSet, fpr)
	}

	return &keychain.Keyblock{
		Number:         number,
		Currency:       b.Currency,
		PreviousHash:   prevHash,
		PreviousIssuer: prevIssuer,
		MembersRoot:    merkle.Root(memberSet),
		MembersCount:   len(memberSet),
		MembersChanges: membersChanges,
		KeysChanges:    derefChanges(changes),
	}, nil
}

// decodeNewcomers builds a candidate NEWCOMER change for every eligible
// membership with resolvable material, and decodes every one of their keys
// up front into newKeys — mirroring Validator.checkKeychanges' "co-newcomer
// certifier resolution needs every key decoded first" ordering requirement,
// so that a later candidate's certification of an earlier one resolves
// during iterated admission exactly as it will during final validation.
func (b *Builder) decodeNewcomers(candidates []*membership.Membership) ([]*keychange.Change, map[string]*pgp.DecodedKey) {
	newKeys := make(map[string]*pgp.DecodedKey)
	var out []*keychange.Change
	for _, c := range candidates {
		mat, ok := b.Newcomers(c.Issuer)
		if !ok {
			continue
		}
		dk, err := pgp.DecodeArmored(string(mat.KeyPackets))
		if err != nil {
			continue
		}
		out = append(out, &keychange.Change{
			Kind: keychange.Newcomer,
			Newcomer: &keychange.NewcomerBody{
				KeyPackets:          mat.KeyPackets,
				CertPackets:         mat.CertPackets,
				Membership:          c,
				MembershipSignature: mat.MembershipSignature,
			},
		})
		newKeys[dk.Fingerprint()] = dk
	}
	return out, newKeys
}

func (b *Builder) decodeUpdates(updates []UpdateMaterial) []*keychange.Change {
	var out []*keychange.Change
	for _, u := range updates {
		out = append(out, &keychange.Change{
			Kind:        keychange.Update,
			Fingerprint: u.Fingerprint,
			Update: &keychange.UpdateBody{
				KeyPackets:  u.KeyPackets,
				CertPackets: u.CertPackets,
			},
		})
	}
	return out
}

// validUpdates runs each update candidate through the keychange validator,
// dropping any that fail (e.g. an unverifiable certification), so only
// updates that will actually survive final validation contribute links to
// the kick-set recomputation below.
func (b *Builder) validUpdates(updates []*keychange.Change, newKeys map[string]*pgp.DecodedKey) []*keychange.Change {
	v := b.Chain.Validator()
	var out []*keychange.Change
	for _, ch := range updates {
		if err := v.Changes.Validate(ch, newKeys); err != nil {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// admit runs the iterated-admission algorithm of spec.md §4.8: start from an
// empty accepted set, tentatively add each candidate, and keep it only if
// the synthetic block passes the WoT-stability check.
func (b *Builder) admit(number int, prevHash, prevIssuer string, candidates []*keychange.Change, newKeys map[string]*pgp.DecodedKey) ([]string, []*keychange.Change) {
	v := b.Chain.Validator()
	var accepted []string
	var changes []*keychange.Change

	for _, ch := range candidates {
		if err := v.Changes.Validate(ch, newKeys); err != nil {
			continue
		}

		trial := append(append([]*keychange.Change{}, changes...), ch)
		mc := sortedPlus(append(append([]string{}, accepted...), ch.Fingerprint))

		synthetic := &keychain.Keyblock{
			Number:         number,
			PreviousHash:   prevHash,
			PreviousIssuer: prevIssuer,
			MembersChanges: mc,
			KeysChanges:    derefChanges(trial),
		}
		if err := v.CheckCandidateStability(synthetic); err != nil {
			continue
		}
		accepted = append(accepted, ch.Fingerprint)
		changes = trial
	}
	return accepted, changes
}

// membersChanges folds the newly-admitted "+FPR" entries together with
// "-FPR" entries for members who are still failing the stability check
// after every admission and update is accounted for.
func (b *Builder) membersChanges(number int, prevHash, prevIssuer string, accepted []string, changes []*keychange.Change, v *keychain.Validator) []string {
	additions := sortedPlus(accepted)

	probe := &keychain.Keyblock{
		Number:         number,
		PreviousHash:   prevHash,
		PreviousIssuer: prevIssuer,
		MembersChanges: additions,
		KeysChanges:    derefChanges(changes),
	}
	newLinks := probe.NewLinksByKind()
	allMembersAfter := append([]string{}, v.Members.Members()...)
	for _, fpr := range accepted {
		allMembersAfter = append(allMembersAfter, fpr)
	}

	extra := wot.ExtraLinks(newLinks)
	var removals []string
	for _, row := range v.Members.GetToBeKicked() {
		stillDistanced := len(v.Graph.NotReachedWithin(row.Fingerprint, allMembersAfter, 3, extra)) > 0
		linkCount := len(v.Links.CurrentValidLinks(row.Fingerprint)) + len(newLinks[row.Fingerprint])
		stillLacksLinks := linkCount < v.Cfg.SigQty
		if stillDistanced || stillLacksLinks {
			removals = append(removals, row.Fingerprint)
		}
	}

	all := make([]string, 0, len(additions)+len(removals))
	for _, fpr := range accepted {
		all = append(all, "+"+fpr)
	}
	for _, fpr := range removals {
		all = append(all, "-"+fpr)
	}
	sort.Strings(all)
	return all
}

func sortedPlus(fprs []string) []string {
	out := make([]string, 0, len(fprs))
	for _, fpr := range fprs {
		out = append(out, "+"+fpr)
	}
	sort.Strings(out)
	return out
}

func derefChanges(in []*keychange.Change) []keychange.Change {
	out := make([]keychange.Change, len(in))
	for i, c := range in {
		out[i] = *c
	}
	return out
}
