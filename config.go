package xmlroute

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config captures the environment-driven knobs of a handler.
type Config struct {
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `env:"XMLROUTE_MAX_BODY_BYTES,default=4194304"`

	// NamespaceFile points at a YAML file mapping namespace URIs to
	// schema prefixes. Empty disables namespace configuration.
	NamespaceFile string `env:"XMLROUTE_NAMESPACE_FILE"`

	// WatchNamespaceFile reloads the namespace file on change.
	WatchNamespaceFile bool `env:"XMLROUTE_NAMESPACE_WATCH,default=false"`
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
