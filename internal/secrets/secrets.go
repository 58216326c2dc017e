// Package secrets seals third-party credentials at rest. A 32-byte symmetric
// key is derived (SHA-256) from the process-wide PRINTVAULT_ENCRYPTION_KEY
// secret; ciphertexts are NaCl secretbox with a random nonce prefix.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Box seals and opens credential blobs.
type Box struct {
	key [32]byte
}

// ErrDecrypt is returned when a ciphertext fails authentication, typically
// because the encryption key changed.
var ErrDecrypt = errors.New("cannot decrypt credential")

// NewBox derives the sealing key from the given secret. The secret must be
// non-empty; its length is otherwise unconstrained.
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, errors.New("encryption key is required")
	}
	b := &Box{key: sha256.Sum256([]byte(secret))}
	return b, nil
}

// Seal encrypts plaintext, returning nonce-prefixed ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a nonce-prefixed ciphertext produced by Seal.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	out, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}
