// Package secret implements tailpipe's encrypted-at-rest configuration
// value: any TOML string wrapped in this type is held in a
// memguard.Enclave instead of a plain Go string, and is only ever
// decrypted for the instant a caller needs its plaintext.
//
// It lives in its own package so both the config loader and
// secretstore (which needs a Secret field for its own unlock
// password) can depend on it without an import cycle.
package secret

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// referencePattern matches an @{store:key} secret reference inside a
// resolved plaintext value.
var referencePattern = regexp.MustCompile(`@\{(\w+:\w+)\}`)

// Resolver is the narrow capability a secret store must provide to
// resolve references naming it. secretstore.SecretStore satisfies this
// structurally.
type Resolver interface {
	Get(key string) (string, error)
	IsDynamic() bool
}

var (
	registerMu sync.Mutex
	register   []*Secret
)

// Secret safely stores one sensitive configuration value.
type Secret struct {
	enclave  *memguard.Enclave
	resolver func() (string, error)
	stores   map[string]Resolver
}

// UnmarshalTOML creates a Secret from a raw TOML value, unquoting it
// the same way BurntSushi/toml does for basic/literal strings, and
// registers it so a later ResolveAll can replace any @{store:key}
// references it contains.
func (s *Secret) UnmarshalTOML(b []byte) error {
	s.enclave = memguard.NewEnclave(unquote(b))
	s.resolver = s.staticResolver
	s.stores = make(map[string]Resolver)

	registerMu.Lock()
	register = append(register, s)
	registerMu.Unlock()
	return nil
}

// Get returns the current plaintext of the secret.
func (s *Secret) Get() (string, error) {
	return s.resolver()
}

// Destroy wipes the secret's plaintext from memory. Call once the
// value is no longer needed (e.g. right after using it to unlock a
// secretstore).
func (s *Secret) Destroy() {
	if s.enclave != nil {
		if buf, err := s.enclave.Open(); err == nil {
			buf.Destroy()
		}
	}
}

func (s *Secret) staticResolver() (string, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return buf.String(), nil
}

func (s *Secret) dynamicResolver() (string, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return s.replace(buf.String(), s.stores, false)
}

// Resolve replaces every static @{store:key} reference in the secret
// with its resolved value, leaving dynamic references (from a store
// whose IsDynamic is true) to be replaced on every Get instead.
func (s *Secret) Resolve(stores map[string]Resolver) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()

	resolved, err := s.replace(buf.String(), stores, true)
	if err != nil {
		return err
	}
	if resolved != buf.String() {
		s.enclave = memguard.NewEnclave([]byte(resolved))
	}
	return nil
}

// ResolveAll resolves every Secret created via UnmarshalTOML so far
// against stores. Called once after every [[secretstore]] block has
// finished initializing.
func ResolveAll(stores map[string]Resolver) error {
	registerMu.Lock()
	secrets := append([]*Secret(nil), register...)
	registerMu.Unlock()

	for _, s := range secrets {
		if err := s.Resolve(stores); err != nil {
			return err
		}
	}
	return nil
}

func (s *Secret) replace(value string, stores map[string]Resolver, replaceDynamic bool) (string, error) {
	var errs []string
	replaced := referencePattern.ReplaceAllStringFunc(value, func(match string) string {
		parts := strings.SplitN(match[2:len(match)-1], ":", 2)
		storeName, keyName := parts[0], parts[1]

		store, found := stores[storeName]
		if !found {
			errs = append(errs, fmt.Sprintf("unknown secret store %q referenced as %q", storeName, match))
			return match
		}

		if replaceDynamic && store.IsDynamic() {
			s.stores[storeName] = store
			s.resolver = s.dynamicResolver
			return match
		}

		v, err := store.Get(keyName)
		if err != nil {
			errs = append(errs, fmt.Sprintf("resolving %q: %v", match, err))
			return match
		}
		return v
	})

	if len(errs) > 0 {
		return "", fmt.Errorf("resolving secret references: %s", strings.Join(errs, "; "))
	}
	return replaced, nil
}

func unquote(b []byte) []byte {
	for _, quote := range [][]byte{[]byte(`"""`), []byte("'''")} {
		if bytes.HasPrefix(b, quote) && bytes.HasSuffix(b, quote) && len(b) >= 2*len(quote) {
			return b[len(quote) : len(b)-len(quote)]
		}
	}
	for _, quote := range [][]byte{[]byte(`"`), []byte(`'`)} {
		if bytes.HasPrefix(b, quote) && bytes.HasSuffix(b, quote) && len(b) >= 2 {
			return b[1 : len(b)-1]
		}
	}
	return b
}
