package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tolelom/keychain/pgp"
)

type keystoreFile struct {
	Fingerprint string `json:"fingerprint"`
	Salt        string `json:"salt"`
	Nonce       string `json:"nonce"`
	CipherText  string `json:"cipher_text"`
}

// SaveKey encrypts the armored private key block with password and writes
// it to path. The OpenPGP key itself may additionally carry its own
// passphrase-based encryption (handled by pgp.LoadPrivateKey); this is an
// independent, node-local keystore wrapper, mirroring how the node's
// ed25519 signing key used to be stored.
func SaveKey(path, password string, armoredPrivate []byte, fingerprint string) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	cipherText := gcm.Seal(nil, nonce, armoredPrivate, nil)

	ks := keystoreFile{
		Fingerprint: fingerprint,
		Salt:        hex.EncodeToString(salt),
		Nonce:       hex.EncodeToString(nonce),
		CipherText:  hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadKey decrypts the keystore at path using password and passphrase
// (the latter unlocks the OpenPGP private key itself, if it is
// passphrase-protected), returning a ready-to-use Wallet.
func LoadKey(path, password string, passphrase []byte) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, err
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, err
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	armored, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("wrong password or corrupted keystore")
	}

	priv, err := pgp.LoadPrivateKey(string(armored), passphrase)
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, 210_000, 32, sha256.New)
}
