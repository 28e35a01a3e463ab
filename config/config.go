// Package config loads the list of upstream resolvers from a TOML file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Server describes a single upstream resolver. The address carries no port;
// the transport decides between 53 and 853.
type Server struct {
	Address     string `toml:"address"`
	UseTLS      bool   `toml:"use_tls"`
	Description string `toml:"description"`
}

// Config is the on-disk configuration. The order of the servers is preserved.
type Config struct {
	Servers []Server `toml:"servers"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("config %s: no [[servers]] defined", path)
	}
	for i, s := range cfg.Servers {
		if s.Address == "" {
			return nil, fmt.Errorf("config %s: servers[%d] has no address", path, i)
		}
	}
	return &cfg, nil
}

// Example returns a sample configuration suitable for `dnsfwd example`.
func Example() string {
	return `[[servers]]
address = "1.1.1.1"
use_tls = true
description = "Cloudflare DNS"

[[servers]]
address = "8.8.8.8"
use_tls = true
description = "Google DNS"

[[servers]]
address = "10.152.183.10"
use_tls = false
description = "in-cluster resolver"
`
}
