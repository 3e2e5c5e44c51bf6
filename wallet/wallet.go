// Package wallet manages a node's own OpenPGP signing identity: the
// decrypted private key used to sign submitted Keyblocks and Memberships.
package wallet

import (
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/tolelom/keychain/pgp"
)

// Wallet holds a node's own decrypted signing key.
type Wallet struct {
	signer *pgp.Signer
}

// New wraps an already-decrypted private key.
func New(priv *packet.PrivateKey) *Wallet {
	return &Wallet{signer: pgp.NewSigner(priv)}
}

// Signer returns the pgp.Signer used to sign outgoing Keyblocks and
// Memberships.
func (w *Wallet) Signer() *pgp.Signer {
	return w.signer
}

// Fingerprint returns the lowercase hex fingerprint identifying this node
// in the WoT.
func (w *Wallet) Fingerprint() string {
	return w.signer.Fingerprint()
}

// PublicKey returns the wallet's public key.
func (w *Wallet) PublicKey() *packet.PublicKey {
	return w.signer.PublicKey()
}
