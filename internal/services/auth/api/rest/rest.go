// Package rest exposes the four ceremony entrypoints over HTTP with JSON
// bodies. Every response is either the full options/token payload or a
// structured error carrying a machine-readable code.
package rest

import (
	"context"
	"net/http"

	"github.com/avelyne/keyfold.id/internal/services/auth/ceremony"
)

// CeremonyService is the slice of ceremony operations this transport exposes.
type CeremonyService interface {
	StartRegistration(ctx context.Context, email string) (ceremony.RegistrationOptions, error)
	FinishRegistration(ctx context.Context, email string, response []byte, challengeToken string) (ceremony.Result, error)
	StartAuthentication(ctx context.Context, email string) (ceremony.AuthenticationOptions, error)
	FinishAuthentication(ctx context.Context, email string, response []byte, challengeToken string) (ceremony.Result, error)
}

// Server handles ceremony HTTP requests.
type Server struct {
	service CeremonyService
}

// NewServer builds an HTTP server around a ceremony service.
func NewServer(service CeremonyService) *Server {
	return &Server{service: service}
}

// RegisterRoutes wires ceremony endpoints into the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil || s == nil || s.service == nil {
		return
	}
	mux.HandleFunc("/webauthn/registration/options", s.handleRegistrationOptions)
	mux.HandleFunc("/webauthn/registration/verify", s.handleRegistrationVerify)
	mux.HandleFunc("/webauthn/authentication/options", s.handleAuthenticationOptions)
	mux.HandleFunc("/webauthn/authentication/verify", s.handleAuthenticationVerify)
}
