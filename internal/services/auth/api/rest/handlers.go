package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/avelyne/keyfold.id/internal/platform/errors"
	"github.com/avelyne/keyfold.id/internal/services/auth/token"
)

// maxBodySize bounds request bodies; attestation responses stay well under it.
const maxBodySize = 1 << 20

type optionsRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Email          string          `json:"email"`
	Response       json.RawMessage `json:"response"`
	ChallengeToken string          `json:"challengeToken"`
	// Cancelled reports that the browser ceremony was aborted by the user
	// before an authenticator response was produced.
	Cancelled bool `json:"cancelled,omitempty"`
}

type tokenResponse struct {
	Secret    string    `json:"secret"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type verifyResponse struct {
	Token tokenResponse `json:"token"`
}

type errorBody struct {
	Code      apperrors.Code `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeOptionsRequest(w, r)
	if !ok {
		return
	}
	options, err := s.service.StartRegistration(r.Context(), request.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleRegistrationVerify(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeVerifyRequest(w, r)
	if !ok {
		return
	}
	result, err := s.service.FinishRegistration(r.Context(), request.Email, request.Response, request.ChallengeToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResult(result.Token))
}

func (s *Server) handleAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeOptionsRequest(w, r)
	if !ok {
		return
	}
	options, err := s.service.StartAuthentication(r.Context(), request.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) handleAuthenticationVerify(w http.ResponseWriter, r *http.Request) {
	request, ok := decodeVerifyRequest(w, r)
	if !ok {
		return
	}
	result, err := s.service.FinishAuthentication(r.Context(), request.Email, request.Response, request.ChallengeToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResult(result.Token))
}

func decodeOptionsRequest(w http.ResponseWriter, r *http.Request) (optionsRequest, bool) {
	var request optionsRequest
	if !decodeJSONBody(w, r, &request) {
		return optionsRequest{}, false
	}
	return request, true
}

func decodeVerifyRequest(w http.ResponseWriter, r *http.Request) (verifyRequest, bool) {
	var request verifyRequest
	if !decodeJSONBody(w, r, &request) {
		return verifyRequest{}, false
	}
	if request.Cancelled {
		writeError(w, apperrors.New(apperrors.CodeCeremonyCancelled, "ceremony was cancelled in the browser"))
		return verifyRequest{}, false
	}
	if len(request.Response) == 0 {
		writeError(w, apperrors.New(apperrors.CodeVerificationFailed, "authenticator response is required"))
		return verifyRequest{}, false
	}
	if request.ChallengeToken == "" {
		writeError(w, apperrors.New(apperrors.CodeChallengeInvalidSignature, "challenge token is required"))
		return verifyRequest{}, false
	}
	return request, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := decoder.Decode(out); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func verifyResult(minted token.SessionToken) verifyResponse {
	return verifyResponse{Token: tokenResponse{
		Secret:    minted.Secret,
		UserID:    minted.UserID,
		ExpiresAt: minted.ExpiresAt,
	}}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeUnknown
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{Error: errorBody{
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
