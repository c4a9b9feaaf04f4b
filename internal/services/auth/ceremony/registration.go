package ceremony

import (
	"context"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
	"github.com/avelyne/keyfold.id/internal/services/auth/challenge"
	"github.com/avelyne/keyfold.id/internal/services/auth/storage"
)

// RegistrationOptions is the payload a client feeds to
// navigator.credentials.create, plus the signed challenge token it must
// return on verify.
type RegistrationOptions struct {
	PublicKey      protocol.PublicKeyCredentialCreationOptions `json:"publicKey"`
	ChallengeToken string                                      `json:"challengeToken"`
}

// StartRegistration resolves (or creates) the identity for email and builds
// credential-creation options carrying a fresh signed challenge. Existing
// credentials are listed as exclusions so an authenticator does not register
// twice.
func (s *Service) StartRegistration(ctx context.Context, email string) (RegistrationOptions, error) {
	ident, err := s.resolver.Resolve(ctx, email)
	if err != nil {
		return RegistrationOptions{}, err
	}

	records, err := s.credentials.ListCredentialsByIdentity(ctx, ident.ID)
	if err != nil {
		return RegistrationOptions{}, storeFailure("list credentials", err)
	}
	exclusions, err := credentialDescriptors(records)
	if err != nil {
		return RegistrationOptions{}, err
	}

	issued, err := s.codec.Issue(challenge.CeremonyRegistration)
	if err != nil {
		return RegistrationOptions{}, err
	}

	return RegistrationOptions{
		PublicKey: protocol.PublicKeyCredentialCreationOptions{
			Challenge: issued.Challenge,
			RelyingParty: protocol.RelyingPartyEntity{
				CredentialEntity: protocol.CredentialEntity{Name: s.rp.DisplayName},
				ID:               s.rp.ID,
			},
			User: protocol.UserEntity{
				CredentialEntity: protocol.CredentialEntity{Name: ident.Email},
				DisplayName:      ident.Email,
				ID:               protocol.URLEncodedBase64(ident.ID),
			},
			Parameters:            credentialParameters(),
			Timeout:               s.ceremonyTimeoutMillis(),
			CredentialExcludeList: exclusions,
			AuthenticatorSelection: protocol.AuthenticatorSelection{
				ResidentKey:      protocol.ResidentKeyRequirementPreferred,
				UserVerification: protocol.VerificationPreferred,
			},
			Attestation: protocol.PreferNoAttestation,
		},
		ChallengeToken: issued.Token,
	}, nil
}

// FinishRegistration verifies a credential-creation response against the
// challenge token, persists the new credential, and mints a session token.
//
// Ordering matters: the challenge is burned only after cryptographic
// verification passes, and the token is minted only after the credential
// write commits. A verified-but-unpersisted state never yields a token.
func (s *Service) FinishRegistration(ctx context.Context, email string, response []byte, challengeToken string) (Result, error) {
	verified, err := s.codec.Verify(challengeToken, challenge.CeremonyRegistration)
	if err != nil {
		return Result{}, err
	}

	ident, err := s.resolver.Resolve(ctx, email)
	if err != nil {
		return Result{}, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "parse attestation response", err)
	}

	records, err := s.credentials.ListCredentialsByIdentity(ctx, ident.ID)
	if err != nil {
		return Result{}, storeFailure("list credentials", err)
	}
	user, err := s.loadCeremonyUser(ident, records)
	if err != nil {
		return Result{}, err
	}

	credential, err := s.verifier.CreateCredential(user, s.sessionData(verified, ident.ID), parsed)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify attestation response", err)
	}

	credentialID := encodeCredentialID(credential.ID)
	if _, err := s.credentials.GetCredential(ctx, credentialID); err == nil {
		return Result{}, storage.ErrDuplicateCredential
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, storeFailure("get credential", err)
	}

	if err := s.challenges.BurnChallenge(ctx, challenge.Digest(verified.Challenge), verified.ExpiresAt); err != nil {
		return Result{}, storeFailure("burn challenge", err)
	}

	now := s.clock().UTC()
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	record := storage.Credential{
		CredentialID:    credentialID,
		IdentityID:      ident.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		Counter:         credential.Authenticator.SignCount,
		Transports:      transports,
		Flags: storage.CredentialFlags{
			UserPresent:    credential.Flags.UserPresent,
			UserVerified:   credential.Flags.UserVerified,
			BackupEligible: credential.Flags.BackupEligible,
			BackupState:    credential.Flags.BackupState,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.credentials.PutCredential(ctx, record); err != nil {
		return Result{}, storeFailure("put credential", err)
	}

	minted, err := s.issuer.Issue(ident.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{Token: minted, IdentityID: ident.ID, CredentialID: credentialID}, nil
}
