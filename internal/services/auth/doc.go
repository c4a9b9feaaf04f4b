// Package auth implements passwordless authentication with WebAuthn
// credentials.
//
// It owns the full ceremony surface: challenge issuance, registration and
// authentication verification, clone detection via signature counters, and
// session token minting. Callers exchange the minted token for a persistent
// session elsewhere; this package never stores sessions.
//
// Subpackages:
//   - app: auth server wiring and lifecycle
//   - api/rest: HTTP handlers for the four ceremony endpoints
//   - ceremony: registration and authentication orchestration
//   - challenge: signed self-contained challenge tokens
//   - identity: email-keyed identity resolution
//   - relyingparty: WebAuthn relying-party settings
//   - storage: persistence interfaces, SQLite and in-memory implementations
//   - token: session-exchange token minting
package auth
