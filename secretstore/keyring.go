// Keyring backend for SecretStore, using github.com/99designs/keyring
// to reach the platform credential store the Service URL scheme
// names: an encrypted file, KWallet, the freedesktop secret-service,
// or the OS's native store.
package secretstore

import (
	"fmt"

	"github.com/99designs/keyring"
)

type keyringStore struct {
	kr keyring.Keyring
}

// NewKeyringStore opens a keyring.Keyring backed by the given scheme
// ("file", "kwallet", "secret-service", or "os"), using path as the
// backend-specific location (a directory for "file", a collection
// name otherwise) and passwd to unlock it when the backend requires
// one (only "file" does).
func NewKeyringStore(name, scheme, path, passwd string) (storeImpl, error) {
	cfg := keyring.Config{ServiceName: name}

	switch scheme {
	case "file":
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		cfg.FileDir = path
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(passwd)
	case "kwallet":
		cfg.AllowedBackends = []keyring.BackendType{keyring.KWalletBackend}
		cfg.KWalletAppID = "tailpipe"
		cfg.KWalletFolder = path
	case "secret-service":
		cfg.AllowedBackends = []keyring.BackendType{keyring.SecretServiceBackend}
		cfg.LibSecretCollectionName = path
	case "os":
		cfg.KeychainName = path
		cfg.WinCredPrefix = path
		cfg.LibSecretCollectionName = path
	default:
		return nil, fmt.Errorf("secretstore: unsupported keyring scheme %q", scheme)
	}

	kr, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring backend %q: %w", scheme, err)
	}
	return &keyringStore{kr: kr}, nil
}

func (k *keyringStore) Get(key string) (string, error) {
	item, err := k.kr.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting key %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (k *keyringStore) Set(key, value string) error {
	return k.kr.Set(keyring.Item{Key: key, Data: []byte(value), Label: key})
}

func (k *keyringStore) List() ([]string, error) {
	return k.kr.Keys()
}
