package membership

import (
	"fmt"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Store is the persistence surface the pool write-behinds to (spec.md §6
// "Membership pool"). A LevelDB-backed implementation lives in package
// storage; tests use an in-memory one.
type Store interface {
	Save(m *Membership) error
	Find(eligible bool) []*Membership
	RemoveFor(fpr string) error
	GetForHashAndIssuer(hash, fpr string) (*Membership, bool)
}

// KeyLookup resolves a fingerprint to the public key that should have
// signed a membership declaration from it — usually the trusted-key store
// for existing members, or a block's own newcomer keys during validation.
type KeyLookup func(fpr string) (*packet.PublicKey, bool)

// Pool is the in-memory, backed set of pending Membership records. Add is
// idempotent under (issuer, hash): submitting the same declaration twice is
// a no-op, not an error, per spec.md §5 "pool writes ... idempotent under
// fingerprint+hash identity."
type Pool struct {
	mu      sync.Mutex
	store   Store
	lookup  KeyLookup
	pending map[string]*Membership // "issuer:hash" -> membership
}

// NewPool builds a pool backed by store, resolving issuer keys via lookup.
func NewPool(store Store, lookup KeyLookup) *Pool {
	return &Pool{
		store:   store,
		lookup:  lookup,
		pending: make(map[string]*Membership),
	}
}

// Add signature-verifies m against its declared issuer's key, then inserts
// it. A duplicate (issuer, hash) pair is a no-op.
func (p *Pool) Add(m *Membership) error {
	pub, ok := p.lookup(m.Issuer)
	if !ok {
		return fmt.Errorf("membership: unknown issuer %s", m.Issuer)
	}
	if err := Verify(m, pub); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := poolKey(m.Issuer, m.Hash)
	if _, exists := p.pending[key]; exists {
		return nil
	}
	if p.store != nil {
		if _, exists := p.store.GetForHashAndIssuer(m.Hash, m.Issuer); exists {
			return nil
		}
		if err := p.store.Save(m); err != nil {
			return fmt.Errorf("membership: save: %w", err)
		}
	}
	p.pending[key] = m
	return nil
}

// Find returns every pending membership whose Eligible flag matches.
func (p *Pool) Find(eligible bool) []*Membership {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Membership
	for _, m := range p.pending {
		if m.Eligible == eligible {
			out = append(out, m)
		}
	}
	return out
}

// RemoveFor drops every pending membership issued by fpr — called once fpr
// is materialized (or rejected) in a block.
func (p *Pool) RemoveFor(fpr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, m := range p.pending {
		if m.Issuer == fpr {
			delete(p.pending, key)
		}
	}
	if p.store != nil {
		p.store.RemoveFor(fpr)
	}
}

// GetForHashAndIssuer looks up a pending membership by its identity key.
func (p *Pool) GetForHashAndIssuer(hash, fpr string) (*Membership, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.pending[poolKey(fpr, hash)]
	return m, ok
}

func poolKey(issuer, hash string) string {
	return issuer + ":" + hash
}
