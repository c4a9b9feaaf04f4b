// Package ceremony orchestrates WebAuthn registration and authentication
// exchanges. Each entrypoint is a stateless unit of work: everything a
// ceremony needs across steps travels in the signed challenge token or in
// the client-held authenticator response.
package ceremony

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
	"github.com/avelyne/keyfold.id/internal/services/auth/challenge"
	"github.com/avelyne/keyfold.id/internal/services/auth/identity"
	"github.com/avelyne/keyfold.id/internal/services/auth/relyingparty"
	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
	"github.com/avelyne/keyfold.id/internal/services/auth/token"
)

// ChallengeCodec issues and verifies the self-contained challenge tokens that
// carry ceremony state between the options and verify steps.
type ChallengeCodec interface {
	Issue(ceremony challenge.Ceremony) (challenge.Issued, error)
	Verify(token string, expected challenge.Ceremony) (challenge.Verified, error)
}

// TokenIssuer mints the session-exchange token returned once a ceremony
// fully succeeds.
type TokenIssuer interface {
	Issue(identityID string) (token.SessionToken, error)
}

// credentialVerifier is the narrow slice of the WebAuthn library the
// ceremonies call for cryptographic verification.
type credentialVerifier interface {
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type responseParser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultResponseParser struct{}

func (defaultResponseParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultResponseParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Service runs both ceremonies against a credential store and a challenge
// burn record.
type Service struct {
	resolver    *identity.Resolver
	credentials storage.CredentialStore
	challenges  storage.ChallengeStore
	codec       ChallengeCodec
	issuer      TokenIssuer
	verifier    credentialVerifier
	parser      responseParser
	rp          relyingparty.Config
	clock       func() time.Time
}

// NewService wires a ceremony service. The relying-party configuration is
// validated by the underlying WebAuthn provider; a missing origin list is an
// error here rather than a failed ceremony later.
func NewService(rp relyingparty.Config, resolver *identity.Resolver, credentials storage.CredentialStore, challenges storage.ChallengeStore, codec ChallengeCodec, issuer TokenIssuer) (*Service, error) {
	if resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if challenges == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("challenge codec is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}

	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rp.DisplayName,
		RPID:          rp.ID,
		RPOrigins:     rp.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn provider: %w", err)
	}

	return &Service{
		resolver:    resolver,
		credentials: credentials,
		challenges:  challenges,
		codec:       codec,
		issuer:      issuer,
		verifier:    provider,
		parser:      defaultResponseParser{},
		rp:          rp,
		clock:       time.Now,
	}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Result is the outcome of a successful verify step. The session token is
// meant to be exchanged immediately by the caller for a persistent session.
type Result struct {
	Token        token.SessionToken
	IdentityID   string
	CredentialID string
}

// ceremonyUser adapts an identity and its stored credentials to the
// webauthn.User contract.
type ceremonyUser struct {
	identity    identity.Identity
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.identity.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.identity.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.identity.Email
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadCeremonyUser(ident identity.Identity, records []storage.Credential) (*ceremonyUser, error) {
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{identity: ident, credentials: credentials}, nil
}

// sessionData rebuilds the verification session from a decoded challenge
// token. No server-side session record exists between ceremony steps.
func (s *Service) sessionData(verified challenge.Verified, identityID string) webauthn.SessionData {
	return webauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(verified.Challenge),
		RelyingPartyID:   s.rp.ID,
		UserID:           []byte(identityID),
		Expires:          verified.ExpiresAt,
		UserVerification: protocol.VerificationPreferred,
	}
}

func (s *Service) ceremonyTimeoutMillis() int {
	return int(s.rp.CeremonyTimeout.Milliseconds())
}

func credentialParameters() []protocol.CredentialParameter {
	return []protocol.CredentialParameter{
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
		{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
	}
}

// storeFailure classifies an untyped store I/O error as a retryable outage.
// Storage sentinels already carrying a domain code pass through unchanged.
func storeFailure(message string, err error) error {
	if apperrors.GetCode(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(apperrors.CodeIdentityStoreUnavailable, message, err)
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCredentialID(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credential id %q: %w", encoded, err)
	}
	return raw, nil
}

func credentialTransports(values []string) []protocol.AuthenticatorTransport {
	if len(values) == 0 {
		return nil
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(values))
	for _, value := range values {
		transports = append(transports, protocol.AuthenticatorTransport(value))
	}
	return transports
}

func credentialDescriptors(records []storage.Credential) ([]protocol.CredentialDescriptor, error) {
	if len(records) == 0 {
		return nil, nil
	}
	descriptors := make([]protocol.CredentialDescriptor, 0, len(records))
	for _, record := range records {
		raw, err := decodeCredentialID(record.CredentialID)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: raw,
			Transport:    credentialTransports(record.Transports),
		})
	}
	return descriptors, nil
}

func decodeStoredCredentials(records []storage.Credential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		raw, err := decodeCredentialID(record.CredentialID)
		if err != nil {
			return nil, err
		}
		transports := credentialTransports(record.Transports)
		credentials = append(credentials, webauthn.Credential{
			ID:              raw,
			PublicKey:       record.PublicKey,
			AttestationType: record.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				UserPresent:    record.Flags.UserPresent,
				UserVerified:   record.Flags.UserVerified,
				BackupEligible: record.Flags.BackupEligible,
				BackupState:    record.Flags.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    record.AAGUID,
				SignCount: record.Counter,
			},
		})
	}
	return credentials, nil
}
