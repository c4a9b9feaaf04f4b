// Package challengekey generates HMAC signing keys for challenge tokens.
package challengekey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
)

// minBytes matches the smallest key the challenge codec accepts.
const minBytes = 32

// Config holds configuration for challenge key generation.
type Config struct {
	Bytes int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: minBytes}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (default: 32)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes it to out as a ready-to-source env line.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < minBytes {
		return fmt.Errorf("bytes must be at least %d", minBytes)
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "KEYFOLD_CHALLENGE_KEY=%s\n", base64.StdEncoding.EncodeToString(buf))
	return err
}
