// Package credman resolves the passwords export sinks log in with.
package credman

import (
	"errors"

	"github.com/warpdl/racecard/pkg/credman/keyring"
	"github.com/warpdl/racecard/pkg/logger"
)

// Store holds secrets by account.
type Store interface {
	Set(account, secret string) error
	Get(account string) (string, error)
	Delete(account string) error
}

// Account is the key a sink password is stored under.
func Account(user, host string) string {
	return user + "@" + host
}

// Manager writes to the OS keyring and falls back to a file store when the
// keyring cannot be reached.
type Manager struct {
	primary  Store
	fallback Store
	log      logger.Logger
}

// New returns a Manager. fallback may be nil.
func New(primary, fallback Store, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Manager{primary: primary, fallback: fallback, log: l}
}

func (m *Manager) Set(account, secret string) error {
	err := m.primary.Set(account, secret)
	if err == nil || m.fallback == nil {
		return err
	}
	m.log.Warning("keyring unavailable (%v), storing %s in the file store", err, account)
	return m.fallback.Set(account, secret)
}

func (m *Manager) Get(account string) (string, error) {
	s, err := m.primary.Get(account)
	if err == nil || m.fallback == nil {
		return s, err
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		m.log.Warning("keyring unavailable (%v), reading %s from the file store", err, account)
	}
	return m.fallback.Get(account)
}

// Delete removes account from both stores. It returns keyring.ErrNotFound
// only when neither held it.
func (m *Manager) Delete(account string) error {
	perr := m.primary.Delete(account)
	if m.fallback == nil {
		return perr
	}
	ferr := m.fallback.Delete(account)
	switch {
	case perr == nil || ferr == nil:
		return nil
	case errors.Is(perr, keyring.ErrNotFound):
		return ferr
	default:
		return perr
	}
}

var _ Store = (*Manager)(nil)
