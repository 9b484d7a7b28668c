package config

import (
	"fmt"

	"github.com/soumyarai2050/tailpipe/config/secret"
	"github.com/soumyarai2050/tailpipe/secretstore"
)

// resolveSecrets initializes every configured secret store and then
// resolves every @{store:key} reference collected from this process's
// TOML decode against them. The secret register lives in
// config/secret so secretstore doesn't need to import config.
func (c *Config) resolveSecrets() error {
	for _, store := range c.SecretStores {
		if err := store.Init(); err != nil {
			return fmt.Errorf("initializing secret store %q: %w", store.Name, err)
		}
	}

	resolvers := make(map[string]secret.Resolver, len(c.SecretStores))
	for name, store := range secretstore.All() {
		resolvers[name] = store
	}

	return secret.ResolveAll(resolvers)
}
