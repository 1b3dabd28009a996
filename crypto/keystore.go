package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path,
// creating the parent directory (0700) if it does not already exist. The
// file is assembled in a scratch directory next to path and only moved into
// place once encryption succeeds, so a failed write never clobbers an
// existing keystore.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("crypto: create keystore directory %q: %w", dir, err)
	}

	scratch, err := os.MkdirTemp(dir, "sovereign-keystore-")
	if err != nil {
		return fmt.Errorf("crypto: create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	ks := keystore.NewKeyStore(scratch, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		return fmt.Errorf("crypto: read scratch directory: %w", err)
	}
	if len(entries) == 0 {
		return errors.New("crypto: keystore library produced no key file")
	}

	generated := filepath.Join(scratch, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("crypto: remove stale keystore file: %w", err)
	}
	if err := os.Rename(generated, path); err != nil {
		return fmt.Errorf("crypto: move keystore file into place: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts the Ethereum v3 keystore file at path with
// passphrase and returns the recovered signing key.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore file %q: %w", path, err)
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore file %q: %w", path, err)
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
