// Package encryption seals secrets stored outside the OS keyring.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const gcmPrefix = "gcm1"

// ErrCiphertextTooShort is returned by Open for truncated input.
var ErrCiphertextTooShort = errors.New("encryption: ciphertext too short")

var randReader io.Reader = rand.Reader

// Seal encrypts plaintext with AES-GCM under key (16, 24 or 32 bytes).
// The output is prefixed with a version tag and the nonce.
func Seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(gcmPrefix)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, gcmPrefix...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func Open(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := len(gcmPrefix) + gcm.NonceSize()
	if len(ciphertext) < n || string(ciphertext[:len(gcmPrefix)]) != gcmPrefix {
		return nil, ErrCiphertextTooShort
	}
	return gcm.Open(nil, ciphertext[len(gcmPrefix):n], ciphertext[n:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
