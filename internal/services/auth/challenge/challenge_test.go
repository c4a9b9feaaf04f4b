package challenge

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, clock func() time.Time) *Codec {
	t.Helper()
	codec, err := NewCodec(Config{Key: testKey, TTL: 2 * time.Minute})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if clock != nil {
		codec = codec.WithClock(clock)
	}
	return codec
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	codec := newTestCodec(t, func() time.Time { return fixed })

	issued, err := codec.Issue(CeremonyRegistration)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(issued.Challenge) != 32 {
		t.Fatalf("challenge length = %d, want 32", len(issued.Challenge))
	}
	if !issued.ExpiresAt.Equal(fixed.Add(2 * time.Minute)) {
		t.Fatalf("expires at = %v, want %v", issued.ExpiresAt, fixed.Add(2*time.Minute))
	}

	verified, err := codec.Verify(issued.Token, CeremonyRegistration)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if string(verified.Challenge) != string(issued.Challenge) {
		t.Fatalf("round-tripped challenge differs from issued challenge")
	}
	if !verified.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Fatalf("verified expiry = %v, want %v", verified.ExpiresAt, issued.ExpiresAt)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := issuedAt
	codec := newTestCodec(t, func() time.Time { return now })

	issued, err := codec.Issue(CeremonyAuthentication)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// One second past the encoded expiry must fail even with a valid signature.
	now = issued.ExpiresAt.Add(time.Second)
	_, err = codec.Verify(issued.Token, CeremonyAuthentication)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsWrongCeremony(t *testing.T) {
	codec := newTestCodec(t, nil)

	issued, err := codec.Issue(CeremonyRegistration)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = codec.Verify(issued.Token, CeremonyAuthentication)
	if !errors.Is(err, ErrWrongCeremony) {
		t.Fatalf("expected ErrWrongCeremony, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	codec := newTestCodec(t, nil)

	issued, err := codec.Issue(CeremonyRegistration)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(issued.Token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 token segments, got %d", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	payload[0] ^= 0x01
	parts[1] = base64.RawURLEncoding.EncodeToString(payload)

	_, err = codec.Verify(strings.Join(parts, "."), CeremonyRegistration)
	if apperrors.GetCode(err) != apperrors.CodeChallengeInvalidSignature {
		t.Fatalf("expected invalid signature code, got %v", err)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	codec := newTestCodec(t, nil)
	other, err := NewCodec(Config{Key: []byte("ffffffffffffffffffffffffffffffff"), TTL: time.Minute})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	issued, err := other.Issue(CeremonyRegistration)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = codec.Verify(issued.Token, CeremonyRegistration)
	if apperrors.GetCode(err) != apperrors.CodeChallengeInvalidSignature {
		t.Fatalf("expected invalid signature code, got %v", err)
	}
}

func TestNewCodecRejectsShortKey(t *testing.T) {
	if _, err := NewCodec(Config{Key: []byte("short"), TTL: time.Minute}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestNewCodecRejectsNonPositiveTTL(t *testing.T) {
	if _, err := NewCodec(Config{Key: testKey, TTL: 0}); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest([]byte("challenge-bytes"))
	b := Digest([]byte("challenge-bytes"))
	if a != b {
		t.Fatalf("digest not stable: %q vs %q", a, b)
	}
	if a == Digest([]byte("other-bytes")) {
		t.Fatal("distinct challenges must not collide in tests")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KEYFOLD_CHALLENGE_KEY", base64.StdEncoding.EncodeToString(testKey))
	t.Setenv("KEYFOLD_CHALLENGE_TTL", "90s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if string(cfg.Key) != string(testKey) {
		t.Fatalf("unexpected key bytes")
	}
	if cfg.TTL != 90*time.Second {
		t.Fatalf("ttl = %v, want 90s", cfg.TTL)
	}
}

func TestLoadConfigFromEnvRequiresKey(t *testing.T) {
	t.Setenv("KEYFOLD_CHALLENGE_KEY", "")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for missing key")
	}
}
