// Package pow is the PoW Engine (C7): searches a nonce/timestamp pair so
// that hash(raw‖signature) has at least Z leading hex zeros, cancellable on
// arrival of a competing valid block.
//
// This replaces the teacher's consensus package, whose PoA.Run is a
// fixed-interval round-robin proposer loop (see consensus/poa.go Run) —
// proof of work is a continuous search, not a timed slot, so the loop
// shape changes, but the goroutine-plus-channel idiom for starting and
// stopping it (Run(done <-chan struct{})) is the same one the teacher
// uses for its consensus loop and for Node.Stop.
package pow

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/pgp"
)

// State is the {Idle, Searching, Cancelling} machine from spec.md §9's
// design notes, replacing the source's global mutable flags
// (newKeyblockCallback, computeNextCallback, computationActivated).
type State int

const (
	Idle State = iota
	Searching
	Cancelling
)

// ErrCancelled is returned by Search when a cancel signal arrives before a
// valid hash is found.
var ErrCancelled = errors.New("pow: search cancelled")

// Engine runs one search at a time; Cancel() is safe to call from any
// goroutine, including while no search is running.
type Engine struct {
	mu              sync.Mutex
	state           State
	cancelRequested atomic.Bool
	cancelAck       chan struct{}
}

// NewEngine returns an idle engine.
func NewEngine() *Engine {
	return &Engine{cancelAck: make(chan struct{}, 1)}
}

// State reports the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Search mints candidate from b: it advances Timestamp to now() (resetting
// Nonce to 0 whenever the timestamp moves, else incrementing it), signs the
// result, and hashes raw‖signature, checking for cancellation every 50
// attempts as specified (spec.md §4.7). It never mutates b.
func (e *Engine) Search(ctx context.Context, b *keychain.Keyblock, signer *pgp.Signer, zeros int) (*keychain.Keyblock, error) {
	e.mu.Lock()
	e.state = Searching
	e.mu.Unlock()
	e.cancelRequested.Store(false)

	defer func() {
		e.mu.Lock()
		e.state = Idle
		e.mu.Unlock()
	}()

	candidate := *b
	candidate.Timestamp = time.Now().Unix()
	candidate.Nonce = 0
	lastTs := candidate.Timestamp

	for attempts := 1; ; attempts++ {
		if attempts%50 == 0 {
			select {
			case <-ctx.Done():
				e.ackCancel()
				return nil, ErrCancelled
			default:
			}
			if e.cancelRequested.Load() {
				e.ackCancel()
				return nil, ErrCancelled
			}
		}

		now := time.Now().Unix()
		if now != lastTs {
			lastTs = now
			candidate.Timestamp = now
			candidate.Nonce = 0
		} else {
			candidate.Nonce++
		}

		sig, err := signer.SignDetached(candidate.Raw())
		if err != nil {
			return nil, err
		}
		candidate.Signature = string(sig)
		hash := candidate.ComputeHash()
		if keychain.LeadingZeros(hash) >= zeros {
			result := candidate
			result.Hash = hash
			return &result, nil
		}
	}
}

// Cancel requests that any in-progress Search stop as soon as possible. It
// is safe to call even when no search is running — in that case it is a
// no-op. Cancel does not block; use AwaitCancelAck to wait for the
// handshake (spec.md §5's cancelRequest/cancelAck pair).
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.state != Searching {
		e.mu.Unlock()
		return
	}
	e.state = Cancelling
	e.mu.Unlock()
	e.cancelRequested.Store(true)
}

// AwaitCancelAck blocks until a running Search has observed the cancel
// request and returned, or ctx is done first.
func (e *Engine) AwaitCancelAck(ctx context.Context) error {
	if e.State() == Idle {
		return nil
	}
	select {
	case <-e.cancelAck:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) ackCancel() {
	select {
	case e.cancelAck <- struct{}{}:
	default:
	}
}

// Run drives a continuous mint loop: on each iteration it calls build to
// get a fresh candidate block and target difficulty, searches for a valid
// proof, and hands the result to onFound. It blocks until done is closed,
// mirroring the teacher's PoA.Run(done <-chan struct{}) shape.
func Run(e *Engine, done <-chan struct{}, build func() (*keychain.Keyblock, *pgp.Signer, int, error), onFound func(*keychain.Keyblock)) {
	for {
		select {
		case <-done:
			return
		default:
		}

		b, signer, zeros, err := build()
		if err != nil {
			log.Printf("[pow] build candidate failed: %v", err)
			continue
		}

		ctx, cancel := contextWithDone(done)
		found, err := e.Search(ctx, b, signer, zeros)
		cancel()
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				continue
			}
			log.Printf("[pow] search failed: %v", err)
			continue
		}
		onFound(found)
	}
}

func contextWithDone(done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
