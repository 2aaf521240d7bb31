// Package keyring stores export passwords in the operating system keyring,
// with an encrypted file fallback for hosts without one.
package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service secrets are filed under.
const DefaultService = "racecard"

// ErrNotFound is returned when no secret is stored for an account.
var ErrNotFound = errors.New("keyring: secret not found")

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

// Keyring reads and writes secrets of one service in the OS keyring.
type Keyring struct {
	Service string
}

// NewKeyring returns a Keyring for DefaultService.
func NewKeyring() *Keyring {
	return &Keyring{Service: DefaultService}
}

// Set stores secret for account, replacing any previous value.
func (k *Keyring) Set(account, secret string) error {
	return keyringSet(k.Service, account, secret)
}

// Get returns the secret stored for account.
func (k *Keyring) Get(account string) (string, error) {
	s, err := keyringGet(k.Service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return s, err
}

// Delete removes the secret stored for account.
func (k *Keyring) Delete(account string) error {
	err := keyringDelete(k.Service, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
