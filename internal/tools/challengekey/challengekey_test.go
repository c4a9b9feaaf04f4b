package challengekey

import (
	"bytes"
	"encoding/base64"
	"flag"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("challengekey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 32 {
		t.Fatalf("expected default bytes 32, got %d", cfg.Bytes)
	}
}

func TestParseConfigOverride(t *testing.T) {
	fs := flag.NewFlagSet("challengekey", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-bytes", "64"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 64 {
		t.Fatalf("expected bytes 64, got %d", cfg.Bytes)
	}
}

func TestRunRejectsShortKey(t *testing.T) {
	if err := Run(Config{Bytes: 16}, &bytes.Buffer{}, bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for key below the codec minimum")
	}
}

func TestRunNilOutput(t *testing.T) {
	if err := Run(Config{Bytes: 32}, nil, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}

func TestRunWritesBase64(t *testing.T) {
	buf := &bytes.Buffer{}
	seed := bytes.Repeat([]byte{0xab}, 32)
	if err := Run(Config{Bytes: 32}, buf, bytes.NewReader(seed)); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := strings.TrimSpace(buf.String())
	const prefix = "KEYFOLD_CHALLENGE_KEY="
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("expected env prefix, got %q", got)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, prefix))
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if !bytes.Equal(decoded, seed) {
		t.Fatal("decoded key does not match the source bytes")
	}
}

func TestRunDefaultReader(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{Bytes: 32}, buf, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := strings.TrimSpace(buf.String())
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "KEYFOLD_CHALLENGE_KEY="))
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(decoded) != 32 {
		t.Fatalf("expected 32 random bytes, got %d", len(decoded))
	}
}
