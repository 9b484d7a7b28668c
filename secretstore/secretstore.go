// Package secretstore backs tailpipe's @{store:key} secret
// references with a pluggable credential backend, selected by URL
// scheme, on top of github.com/99designs/keyring.
package secretstore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/soumyarai2050/tailpipe/config/secret"
)

type storeImpl interface {
	Get(key string) (string, error)
	Set(key, value string) error
	List() ([]string, error)
}

// SecretStore is one configured credential backend, addressable in
// @{name:key} references by Name.
type SecretStore struct {
	Name     string        `toml:"name"`
	Service  string        `toml:"service"`
	Password secret.Secret `toml:"password"`

	store storeImpl
}

var (
	storesMu sync.Mutex
	stores   = make(map[string]*SecretStore)
)

// Init resolves the configured Service URL (file://, os://,
// secret-service://, kwallet://) into a concrete keyring-backed store
// and registers this SecretStore under its Name.
func (s *SecretStore) Init() error {
	defer s.Password.Destroy()

	if s.Name == "" {
		return fmt.Errorf("secretstore: name missing")
	}
	if s.Service == "" {
		s.Service = "os://tailpipe"
	}

	u, err := url.Parse(s.Service)
	if err != nil {
		return fmt.Errorf("secretstore %q: parsing service: %w", s.Name, err)
	}

	path := strings.TrimPrefix(strings.TrimPrefix(s.Service, u.Scheme+":"), "//")
	if path == "" {
		path = "tailpipe"
	}

	switch u.Scheme {
	case "file", "kwallet", "os", "secret-service":
		passwd, err := s.Password.Get()
		if err != nil {
			return fmt.Errorf("secretstore %q: getting unlock password: %w", s.Name, err)
		}
		store, err := NewKeyringStore(s.Name, u.Scheme, path, passwd)
		if err != nil {
			return fmt.Errorf("secretstore %q: creating keyring store for service %q: %w", s.Name, u.Scheme, err)
		}
		s.store = store
	default:
		return fmt.Errorf("secretstore %q: unknown service scheme %q", s.Name, u.Scheme)
	}

	storesMu.Lock()
	stores[s.Name] = s
	storesMu.Unlock()
	return nil
}

// Get returns the secret stored under key.
func (s *SecretStore) Get(key string) (string, error) {
	return s.store.Get(key)
}

// Set stores value under key.
func (s *SecretStore) Set(key, value string) error {
	return s.store.Set(key, value)
}

// List enumerates every key known to this store.
func (s *SecretStore) List() ([]string, error) {
	return s.store.List()
}

// IsDynamic reports whether secrets from this store change over time.
// tailpipe's keyring-backed stores are always static.
func (s *SecretStore) IsDynamic() bool {
	return false
}

// Lookup returns the registered SecretStore for name, if Init has run
// for it.
func Lookup(name string) (*SecretStore, bool) {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[name]
	return s, ok
}

// Resolver is the narrow view of a SecretStore that config.Secret
// needs to resolve @{name:key} references.
type Resolver interface {
	Get(key string) (string, error)
	IsDynamic() bool
}

// All returns every currently registered SecretStore keyed by name.
func All() map[string]Resolver {
	storesMu.Lock()
	defer storesMu.Unlock()
	out := make(map[string]Resolver, len(stores))
	for name, s := range stores {
		out[name] = s
	}
	return out
}
