package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/warpdl/racecard/pkg/credman/encryption"
)

const (
	keyFileName     = "secrets.key"
	secretsFileName = "secrets.json"
	fileMode        = 0600
)

var fileRandRead = rand.Read

// FileStore keeps secrets AES-GCM sealed in <dir>/secrets.json under a
// random key kept next to it in <dir>/secrets.key. It is used when the OS
// keyring is unavailable, e.g. on a headless server.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir on fsys.
func NewFileStore(fsys afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fsys, dir: dir}
}

func (f *FileStore) keyPath() string     { return filepath.Join(f.dir, keyFileName) }
func (f *FileStore) secretsPath() string { return filepath.Join(f.dir, secretsFileName) }

// Set seals secret and stores it for account.
func (f *FileStore) Set(account, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := f.key(true)
	if err != nil {
		return err
	}
	all, err := f.load()
	if err != nil {
		return err
	}
	sealed, err := encryption.Seal([]byte(secret), key)
	if err != nil {
		return fmt.Errorf("keyring: seal: %w", err)
	}
	all[account] = hex.EncodeToString(sealed)
	return f.save(all)
}

// Get returns the secret stored for account.
func (f *FileStore) Get(account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := all[account]
	if !ok {
		return "", ErrNotFound
	}
	key, err := f.key(false)
	if err != nil {
		return "", err
	}
	sealed, err := hex.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("keyring: invalid entry for %s: %w", account, err)
	}
	plain, err := encryption.Open(sealed, key)
	if err != nil {
		return "", fmt.Errorf("keyring: open entry for %s: %w", account, err)
	}
	return string(plain), nil
}

// Delete removes the secret stored for account.
func (f *FileStore) Delete(account string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := all[account]; !ok {
		return ErrNotFound
	}
	delete(all, account)
	return f.save(all)
}

// key loads the sealing key, generating it when create is set and none exists.
func (f *FileStore) key(create bool) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.keyPath())
	if errors.Is(err, fs.ErrNotExist) && create {
		key := make([]byte, 32)
		if _, err := fileRandRead(key); err != nil {
			return nil, fmt.Errorf("keyring: generate key: %w", err)
		}
		if err := f.writeAtomic(f.keyPath(), []byte(hex.EncodeToString(key))); err != nil {
			return nil, err
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read key: %w", err)
	}
	key, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid key format: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("keyring: invalid key length: expected 32, got %d", len(key))
	}
	return key, nil
}

func (f *FileStore) load() (map[string]string, error) {
	all := map[string]string{}
	data, err := afero.ReadFile(f.fs, f.secretsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: read secrets: %w", err)
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("keyring: decode secrets: %w", err)
	}
	return all, nil
}

func (f *FileStore) save(all map[string]string) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic(f.secretsPath(), data)
}

// writeAtomic writes through a temp file and rename so an interrupted write
// never leaves a truncated file behind.
func (f *FileStore) writeAtomic(path string, data []byte) error {
	if err := f.fs.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("keyring: create dir: %w", err)
	}
	tmp, err := afero.TempFile(f.fs, f.dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("keyring: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpPath)
		return fmt.Errorf("keyring: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("keyring: close temp file: %w", err)
	}
	if err := f.fs.Chmod(tmpPath, fileMode); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("keyring: set permissions: %w", err)
	}
	if err := f.fs.Rename(tmpPath, path); err != nil {
		f.fs.Remove(tmpPath)
		return fmt.Errorf("keyring: rename: %w", err)
	}
	return nil
}
