// Package relyingparty holds the WebAuthn relying-party settings credentials
// are cryptographically bound to.
package relyingparty

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config identifies this service to authenticators. Any mismatch between
// these values and the browser origin invalidates a ceremony.
type Config struct {
	DisplayName     string        `env:"KEYFOLD_RP_DISPLAY_NAME" envDefault:"Keyfold"`
	ID              string        `env:"KEYFOLD_RP_ID"           envDefault:"localhost"`
	Origins         []string      `env:"KEYFOLD_RP_ORIGINS"      envSeparator:","`
	CeremonyTimeout time.Duration `env:"KEYFOLD_RP_CEREMONY_TIMEOUT" envDefault:"60s"`
}

// LoadConfigFromEnv returns relying-party configuration with defaults. A
// malformed value is an error rather than a silent fallback.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse relying party env: %w", err)
	}
	if len(cfg.Origins) == 0 {
		cfg.Origins = []string{"http://localhost:8080"}
	}
	if cfg.CeremonyTimeout <= 0 {
		cfg.CeremonyTimeout = 60 * time.Second
	}
	return cfg, nil
}
