package pgp

import (
	"bytes"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Signer produces detached signatures with a node's own OpenPGP private key
// (used to sign Keyblocks and Memberships — the node's own submissions, not
// third-party certifications, which are always pre-existing signature blobs
// supplied by members).
type Signer struct {
	entityKey *packet.PrivateKey
	pub       *packet.PublicKey
}

// NewSigner wraps a decrypted private key.
func NewSigner(priv *packet.PrivateKey) *Signer {
	return &Signer{entityKey: priv, pub: &priv.PublicKey}
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() *packet.PublicKey {
	return s.pub
}

// Fingerprint returns the lowercase hex fingerprint of the signer's key.
func (s *Signer) Fingerprint() string {
	return FingerprintHex(s.pub.Fingerprint)
}

// SignDetached produces a binary detached signature packet over data using
// SHA-256, the same hash algorithm the rest of the keychain hashes with.
func (s *Signer) SignDetached(data []byte) ([]byte, error) {
	sig := &packet.Signature{
		Version:      s.pub.Version,
		SigType:      packet.SigTypeBinary,
		PubKeyAlgo:   s.pub.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &s.entityKey.KeyId,
	}
	h := sig.Hash.New()
	if _, err := h.Write(data); err != nil {
		return nil, fmt.Errorf("%w: hash data: %v", ErrBadCrypto, err)
	}
	if err := sig.Sign(h, s.entityKey, nil); err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrBadCrypto, err)
	}
	var buf bytes.Buffer
	if err := sig.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("%w: serialize signature: %v", ErrBadCrypto, err)
	}
	return buf.Bytes(), nil
}

// LoadPrivateKey decrypts (if needed) and decodes a single armored private
// key, returning the packet ready for signing.
func LoadPrivateKey(armored string, passphrase []byte) (*packet.PrivateKey, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: read armored private key: %v", ErrBadCrypto, err)
	}
	var priv *packet.PrivateKey
	for _, e := range entities {
		if e.PrivateKey != nil {
			priv = e.PrivateKey
			break
		}
	}
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key found in armored block", ErrBadCrypto)
	}
	if priv.Encrypted {
		if err := priv.Decrypt(passphrase); err != nil {
			return nil, fmt.Errorf("%w: decrypt private key: %v", ErrBadCrypto, err)
		}
	}
	return priv, nil
}
