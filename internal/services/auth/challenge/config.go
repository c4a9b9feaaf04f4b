package challenge

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// minKeySize is the smallest accepted HMAC key, matching the SHA-256 block input.
const minKeySize = 32

// challengeEnv holds raw env values before post-parse validation.
type challengeEnv struct {
	Key string        `env:"KEYFOLD_CHALLENGE_KEY"`
	TTL time.Duration `env:"KEYFOLD_CHALLENGE_TTL" envDefault:"120s"`
}

// Config controls challenge token signing and lifetime.
type Config struct {
	Key []byte
	TTL time.Duration
}

// LoadConfigFromEnv reads challenge token configuration.
//
// The signing key is required: a codec with a generated throwaway key would
// silently invalidate tokens across process restarts, which matters because
// options and verify calls may land on different instances.
func LoadConfigFromEnv() (Config, error) {
	var raw challengeEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse challenge env: %w", err)
	}
	key := strings.TrimSpace(raw.Key)
	if key == "" {
		return Config{}, fmt.Errorf("KEYFOLD_CHALLENGE_KEY is required")
	}
	keyBytes, err := decodeBase64(key)
	if err != nil {
		return Config{}, fmt.Errorf("decode challenge key: %w", err)
	}
	if len(keyBytes) < minKeySize {
		return Config{}, fmt.Errorf("challenge key must be at least %d bytes", minKeySize)
	}
	if raw.TTL <= 0 {
		return Config{}, fmt.Errorf("challenge ttl must be positive")
	}
	return Config{Key: keyBytes, TTL: raw.TTL}, nil
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
