package pow

import (
	"context"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/tolelom/keychain/keychain"
	"github.com/tolelom/keychain/pgp"
)

func newTestSigner(t *testing.T) *pgp.Signer {
	t.Helper()
	entity, err := openpgp.NewEntity("PoW Test", "", "pow@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return pgp.NewSigner(entity.PrivateKey)
}

func TestSearchSucceedsWithZeroDifficulty(t *testing.T) {
	e := NewEngine()
	signer := newTestSigner(t)
	b := &keychain.Keyblock{Number: 1, Currency: "test"}

	found, err := e.Search(context.Background(), b, signer, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if found.Hash == "" {
		t.Fatal("expected a computed hash")
	}
	if e.State() != Idle {
		t.Fatalf("expected engine to return to Idle, got %v", e.State())
	}
}

func TestSearchCancels(t *testing.T) {
	e := NewEngine()
	signer := newTestSigner(t)
	b := &keychain.Keyblock{Number: 1, Currency: "test"}

	done := make(chan struct{})
	go func() {
		<-done
	}()

	resultCh := make(chan error, 1)
	go func() {
		// An unreachable difficulty forces the loop to keep iterating
		// until cancellation is observed.
		_, err := e.Search(context.Background(), b, signer, 64)
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	e.Cancel()

	select {
	case err := <-resultCh:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Search did not observe cancellation in time")
	}
	close(done)
}
