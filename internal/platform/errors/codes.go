// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Challenge errors
	CodeChallengeExpired          Code = "CHALLENGE_EXPIRED"
	CodeChallengeInvalidSignature Code = "CHALLENGE_INVALID_SIGNATURE"
	CodeChallengeWrongCeremony    Code = "CHALLENGE_WRONG_CEREMONY"
	CodeChallengeUsed             Code = "CHALLENGE_USED"

	// Ceremony errors
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"
	CodeUnknownIdentity     Code = "UNKNOWN_IDENTITY"
	CodeUnknownCredential   Code = "UNKNOWN_CREDENTIAL"
	CodeDuplicateCredential Code = "DUPLICATE_CREDENTIAL"
	CodeCounterRegression   Code = "COUNTER_REGRESSION"
	CodeCeremonyCancelled   Code = "CEREMONY_CANCELLED"

	// Identity errors
	CodeEmailInvalid Code = "EMAIL_INVALID"

	// Storage errors
	CodeNotFound                 Code = "NOT_FOUND"
	CodeIdentityStoreUnavailable Code = "IDENTITY_STORE_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, malformed or mismatched input
	case CodeChallengeWrongCeremony,
		CodeCeremonyCancelled,
		CodeEmailInvalid:
		return http.StatusBadRequest

	// Unauthorized - ceremony did not prove possession of a credential
	case CodeChallengeExpired,
		CodeChallengeInvalidSignature,
		CodeChallengeUsed,
		CodeVerificationFailed,
		CodeUnknownIdentity,
		CodeUnknownCredential:
		return http.StatusUnauthorized

	// Conflict - hard stops that warrant out-of-band investigation
	case CodeDuplicateCredential,
		CodeCounterRegression:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	// Service unavailable - transient, safe to retry
	case CodeIdentityStoreUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a failure with this code is safe to retry.
func (c Code) Retryable() bool {
	return c == CodeIdentityStoreUnavailable
}
