package ceremony

import (
	"context"
	"strconv"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
	"github.com/avelyne/keyfold.id/internal/services/auth/challenge"
	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

// AuthenticationOptions is the payload a client feeds to
// navigator.credentials.get. An empty allow list signals the caller has no
// credentials yet and should route to registration instead.
type AuthenticationOptions struct {
	PublicKey      protocol.PublicKeyCredentialRequestOptions `json:"publicKey"`
	ChallengeToken string                                     `json:"challengeToken"`
}

// StartAuthentication builds credential-request options for email. An
// unknown email is not an error at this step; it yields an empty allow list
// so callers cannot be told apart before they attempt a verify.
func (s *Service) StartAuthentication(ctx context.Context, email string) (AuthenticationOptions, error) {
	var allowed []protocol.CredentialDescriptor
	ident, err := s.resolver.Lookup(ctx, email)
	switch {
	case err == nil:
		records, listErr := s.credentials.ListCredentialsByIdentity(ctx, ident.ID)
		if listErr != nil {
			return AuthenticationOptions{}, storeFailure("list credentials", listErr)
		}
		allowed, err = credentialDescriptors(records)
		if err != nil {
			return AuthenticationOptions{}, err
		}
	case apperrors.IsCode(err, apperrors.CodeNotFound):
		// fall through with an empty allow list
	default:
		return AuthenticationOptions{}, err
	}

	issued, err := s.codec.Issue(challenge.CeremonyAuthentication)
	if err != nil {
		return AuthenticationOptions{}, err
	}

	return AuthenticationOptions{
		PublicKey: protocol.PublicKeyCredentialRequestOptions{
			Challenge:          issued.Challenge,
			Timeout:            s.ceremonyTimeoutMillis(),
			RelyingPartyID:     s.rp.ID,
			AllowedCredentials: allowed,
			UserVerification:   protocol.VerificationPreferred,
		},
		ChallengeToken: issued.Token,
	}, nil
}

// FinishAuthentication verifies an assertion against the stored credential,
// applies the counter clone-detection rule, burns the challenge, persists
// the advanced counter, and mints a session token.
func (s *Service) FinishAuthentication(ctx context.Context, email string, response []byte, challengeToken string) (Result, error) {
	verified, err := s.codec.Verify(challengeToken, challenge.CeremonyAuthentication)
	if err != nil {
		return Result{}, err
	}

	ident, err := s.resolver.Lookup(ctx, email)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return Result{}, apperrors.New(apperrors.CodeUnknownIdentity, "no identity registered for email")
		}
		return Result{}, err
	}

	records, err := s.credentials.ListCredentialsByIdentity(ctx, ident.ID)
	if err != nil {
		return Result{}, storeFailure("list credentials", err)
	}
	if len(records) == 0 {
		return Result{}, apperrors.New(apperrors.CodeUnknownIdentity, "identity has no registered credentials")
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "parse assertion response", err)
	}

	credentialID := encodeCredentialID(parsed.RawID)
	var stored *storage.Credential
	for i := range records {
		if records[i].CredentialID == credentialID {
			stored = &records[i]
			break
		}
	}
	if stored == nil {
		return Result{}, apperrors.New(apperrors.CodeUnknownCredential, "credential is not registered to this identity")
	}

	user, err := s.loadCeremonyUser(ident, records)
	if err != nil {
		return Result{}, err
	}

	validated, err := s.verifier.ValidateLogin(user, s.sessionData(verified, ident.ID), parsed)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify assertion response", err)
	}

	// Clone detection. A counter that fails to advance past the stored value
	// means the assertion may come from a cloned authenticator; the stored
	// counter is left untouched. Zero on both sides is an authenticator
	// without counter support.
	newCounter := validated.Authenticator.SignCount
	storedCounter := stored.Counter
	if validated.Authenticator.CloneWarning || !counterAdvances(newCounter, storedCounter) {
		return Result{}, apperrors.WithMetadata(apperrors.CodeCounterRegression, "credential counter did not advance", map[string]string{
			"stored_counter":   strconv.FormatUint(uint64(storedCounter), 10),
			"asserted_counter": strconv.FormatUint(uint64(newCounter), 10),
		})
	}

	if err := s.challenges.BurnChallenge(ctx, challenge.Digest(verified.Challenge), verified.ExpiresAt); err != nil {
		return Result{}, storeFailure("burn challenge", err)
	}

	if err := s.credentials.UpdateCredentialCounter(ctx, credentialID, newCounter, s.clock().UTC()); err != nil {
		return Result{}, storeFailure("update credential counter", err)
	}

	minted, err := s.issuer.Issue(ident.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Token: minted, IdentityID: ident.ID, CredentialID: credentialID}, nil
}

func counterAdvances(newCounter, storedCounter uint32) bool {
	if newCounter == 0 && storedCounter == 0 {
		return true
	}
	return newCounter > storedCounter
}
