package keychain

import (
	"fmt"

	"github.com/tolelom/keychain/events"
	"github.com/tolelom/keychain/keychange"
	"github.com/tolelom/keychain/membership"
	"github.com/tolelom/keychain/pgp"
	"github.com/tolelom/keychain/wot"
)

// CancelNotifier is the PoW engine's cancel handshake as seen from the
// Applier (spec.md §4.5 step 8, §5's cancelRequest/cancelAck signal). A nil
// notifier is valid — e.g. replaying from genesis with no live searcher.
type CancelNotifier interface {
	Cancel()
}

// Applier is the Block Applier (C6): after Validate succeeds, updates every
// derived store in turn (spec.md §4.5). The writes are not batched; a
// storage error part-way through leaves the writes already made in place.
type Applier struct {
	Blocks      BlockStore
	Members     MemberStore
	Links       LinkStore
	Trusted     TrustedKeyStore
	Memberships *membership.Pool
	Graph       *wot.Graph
	Emitter     *events.Emitter
	SigQty      int
	SigValidity int64
	Pow         CancelNotifier
}

// Apply executes spec.md §4.5 steps 1-8. It assumes b already passed
// Validator.Validate against the current tip under the caller's write
// lock — Apply itself performs no re-validation.
func (a *Applier) Apply(b *Keyblock) error {
	if err := a.Blocks.Save(b); err != nil {
		return fmt.Errorf("%w: save block: %v", ErrStorageError, err)
	}

	for _, fpr := range b.MemberAdditions() {
		if err := a.Members.AddMember(fpr); err != nil {
			return fmt.Errorf("%w: add member %s: %v", ErrStorageError, fpr, err)
		}
		a.Graph.AddMember(fpr)
		if err := a.Members.UnsetKicked(fpr); err != nil {
			return fmt.Errorf("%w: unset kicked %s: %v", ErrStorageError, fpr, err)
		}
		a.emit(events.EventMemberJoined, fpr, b.Number, nil)
	}
	for _, fpr := range b.MemberRemovals() {
		if err := a.Members.RemoveMember(fpr); err != nil {
			return fmt.Errorf("%w: remove member %s: %v", ErrStorageError, fpr, err)
		}
		a.Graph.RemoveMember(fpr)
		if err := a.Members.UnsetKicked(fpr); err != nil {
			return fmt.Errorf("%w: clear kicked flag for %s: %v", ErrStorageError, fpr, err)
		}
		a.emit(events.EventMemberLeft, fpr, b.Number, nil)
	}

	if err := a.applyKeychanges(b); err != nil {
		return err
	}

	newLinks := b.NewLinksByKind()
	for target, sources := range newLinks {
		for _, source := range sources {
			link := &wot.Link{Source: source, Target: target, Timestamp: b.Timestamp}
			if err := a.Links.Save(link); err != nil {
				return fmt.Errorf("%w: save link %s->%s: %v", ErrStorageError, source, target, err)
			}
			a.Graph.AddLink(source, target)
			a.emit(events.EventLinkAdded, target, b.Number, map[string]any{"source": source})
		}
	}

	for _, fpr := range b.MembersChanges {
		clean := fpr[1:]
		a.Memberships.RemoveFor(clean)
	}

	if err := a.ObsoleteAndDistance(b.Timestamp); err != nil {
		return err
	}

	if a.Pow != nil {
		a.Pow.Cancel()
	}
	a.emit(events.EventBlockApplied, b.Issuer, b.Number, map[string]any{"hash": b.Hash})
	return nil
}

func (a *Applier) applyKeychanges(b *Keyblock) error {
	for i := range b.KeysChanges {
		kc := &b.KeysChanges[i]
		switch kc.Kind {
		case keychange.Newcomer:
			dk, err := pgp.DecodeArmored(string(kc.Newcomer.KeyPackets))
			if err != nil {
				return fmt.Errorf("%w: re-decode newcomer key: %v", ErrStorageError, err)
			}
			tk := &pgp.TrustedKey{
				Fingerprint: dk.Fingerprint(),
				KeyID:       dk.KeyID(),
				UID:         dk.UserID.Id,
				Packets:     string(kc.Newcomer.KeyPackets),
			}
			if err := a.Trusted.Save(tk); err != nil {
				return fmt.Errorf("%w: save trusted key %s: %v", ErrStorageError, tk.Fingerprint, err)
			}
		case keychange.Update:
			if err := a.applyUpdate(kc); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyUpdate merges new subkeys behind the existing ones and splices new
// certifications immediately after userid+selfSig (positions 0..2), per
// spec.md §4.5 step 4.
func (a *Applier) applyUpdate(kc *KeysChange) error {
	tk, ok := a.Trusted.GetTheOne(kc.Fingerprint)
	if !ok {
		return fmt.Errorf("%w: UPDATE target %s has no trusted key", ErrStorageError, kc.Fingerprint)
	}
	existing, err := pgp.DecodeArmored(tk.Packets)
	if err != nil {
		return fmt.Errorf("%w: decode existing trusted key %s: %v", ErrStorageError, kc.Fingerprint, err)
	}

	if len(kc.Update.KeyPackets) > 0 {
		subs, bindings, err := pgp.DecodeSubkeyPackets(kc.Update.KeyPackets)
		if err != nil {
			return err
		}
		existing.Subkeys = append(existing.Subkeys, subs...)
		existing.SubkeyBindings = append(existing.SubkeyBindings, bindings...)
	}
	if len(kc.Update.CertPackets) > 0 {
		newCerts, err := pgp.DecodeCertPackets(kc.Update.CertPackets)
		if err != nil {
			return err
		}
		existing.OtherCertifications = append(newCerts, existing.OtherCertifications...)
	}

	recomposed, err := pgp.Recompose(existing)
	if err != nil {
		return fmt.Errorf("%w: recompose updated key %s: %v", ErrStorageError, kc.Fingerprint, err)
	}
	tk.Packets = string(recomposed)
	if err := a.Trusted.Save(tk); err != nil {
		return fmt.Errorf("%w: save updated trusted key %s: %v", ErrStorageError, kc.Fingerprint, err)
	}
	return nil
}

// ObsoleteAndDistance implements spec.md §4.6: after applying a block with
// timestamp ts, mark links older than sigValidity as obsolete, then
// recompute kick/distanced for every current member.
func (a *Applier) ObsoleteAndDistance(ts int64) error {
	cutoff := ts - a.SigValidity
	obsoleted, err := a.Links.Obsoletes(cutoff)
	if err != nil {
		return fmt.Errorf("%w: obsolete links: %v", ErrStorageError, err)
	}
	for _, l := range obsoleted {
		a.Graph.RemoveLink(l.Source, l.Target)
		a.emit(events.EventLinkObsolete, l.Target, 0, map[string]any{"source": l.Source})
	}

	members := a.Graph.Members()
	for _, m := range members {
		distanced := a.Graph.NotReachedWithin(m, members, 3, nil)
		distancedSet := make(map[string]bool, len(distanced))
		for _, d := range distanced {
			distancedSet[d] = true
		}
		linkCount := len(a.Links.CurrentValidLinks(m))
		notEnoughLinks := linkCount < a.SigQty
		kick := len(distancedSet) > 0 || notEnoughLinks

		row, _ := a.Members.GetRow(m)
		wasKicked := row != nil && row.Kick

		if kick {
			if err := a.Members.SetKicked(m, distancedSet, notEnoughLinks); err != nil {
				return fmt.Errorf("%w: set kicked %s: %v", ErrStorageError, m, err)
			}
			if !wasKicked {
				a.emit(events.EventMemberKicked, m, 0, nil)
			}
		} else {
			if err := a.Members.UnsetKicked(m); err != nil {
				return fmt.Errorf("%w: unset kicked %s: %v", ErrStorageError, m, err)
			}
			if wasKicked {
				a.emit(events.EventMemberUnkicked, m, 0, nil)
			}
		}
	}
	return nil
}

func (a *Applier) emit(typ events.EventType, fpr string, blockNumber int, data map[string]any) {
	if a.Emitter == nil {
		return
	}
	a.Emitter.Emit(events.Event{Type: typ, Fingerprint: fpr, BlockNumber: blockNumber, Data: data})
}
