package keychain

import (
	"sync"
	"time"
)

// Chain is the single serialized writer over Validator+Applier (spec.md
// §5): SubmitKeyBlock holds the mutex across Validate and Apply, so at most
// one block is in flight. Readers (Current, Promoted and the stores
// themselves) do not take the mutex, and Apply writes each store in turn,
// so a reader can observe a block that is only partly applied.
type Chain struct {
	mu  sync.Mutex
	v   *Validator
	a   *Applier
	now func() time.Time
}

// NewChain builds a Chain. now is used for the on-line clock-window check;
// pass nil to disable it (e.g. replaying from genesis).
func NewChain(v *Validator, a *Applier, now func() time.Time) *Chain {
	return &Chain{v: v, a: a, now: now}
}

// SubmitKeyBlock validates b against the current tip and, on success,
// applies it. A duplicate submission of an already-applied block number
// with the same hash returns ErrAlreadySeen and leaves all state untouched.
func (c *Chain) SubmitKeyBlock(b *Keyblock) (*Keyblock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip, hasTip := c.v.Blocks.Current()
	var tipPtr *Keyblock
	if hasTip {
		tipPtr = tip
	}

	if tipPtr != nil && b.Number <= tipPtr.Number {
		if existing, ok := c.v.Blocks.FindByNumber(b.Number); ok && existing.Hash == b.Hash {
			return existing, ErrAlreadySeen
		}
	}

	if err := c.v.Validate(b, tipPtr, c.now); err != nil {
		return nil, err
	}
	if err := c.a.Apply(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Current returns the chain tip, or (nil, false) if no block has been
// applied yet.
func (c *Chain) Current() (*Keyblock, bool) {
	return c.v.Blocks.Current()
}

// Promoted returns the applied block at height n, if any.
func (c *Chain) Promoted(n int) (*Keyblock, bool) {
	return c.v.Blocks.FindByNumber(n)
}

// Validator exposes the underlying Validator, e.g. for Builder's iterated
// WoT-stability probing.
func (c *Chain) Validator() *Validator { return c.v }
