package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/google/uuid"
)

// SaveToKeystore encrypts the private key into an Ethereum v3 keystore blob
// and writes it to path atomically (temp file + rename), creating the parent
// directory with 0700 permissions when needed.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}

	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    key.PubKey().Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file with the supplied
// passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// EnsureKeystore loads the key at path, generating and persisting a fresh one
// when the file does not exist yet. Used for the engine owner identity on
// first boot.
func EnsureKeystore(path, passphrase string) (*PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadFromKeystore(path, passphrase)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveToKeystore(path, key, passphrase); err != nil {
		return nil, err
	}
	return key, nil
}
