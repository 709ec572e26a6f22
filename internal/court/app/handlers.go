package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/gateway"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

const maxRequestBodyBytes = 16 * 1024

type errorResponse struct {
	OK      bool              `json:"ok"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type sessionResponse struct {
	OK            bool             `json:"ok"`
	Session       gateway.Snapshot `json:"session"`
	BothJoined    bool             `json:"both_joined,omitempty"`
	BothSubmitted bool             `json:"both_submitted,omitempty"`
	Finalized     bool             `json:"finalized,omitempty"`
	Mismatch      bool             `json:"mismatch,omitempty"`
	Settled       bool             `json:"settled,omitempty"`
}

type createSessionRequest struct {
	CoupleID  string `json:"couple_id"`
	PartnerID string `json:"partner_id,omitempty"`
}

type evidenceRequest struct {
	Facts    string `json:"facts"`
	Feelings string `json:"feelings"`
}

type resolutionRequest struct {
	ResolutionID string `json:"resolution_id"`
	Lock         bool   `json:"lock,omitempty"`
}

type closeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) routes(config Config) http.Handler {
	auth := requestAuthenticator{
		secret:   []byte(config.AuthSecret),
		disabled: config.AuthDisabled,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/ws", s.gateway.Handler())

	mux.HandleFunc("POST /v1/sessions", auth.wrap(s.handleCreateSession))
	mux.HandleFunc("GET /v1/couples/{coupleID}/session", auth.wrap(s.handleActiveSession))
	mux.HandleFunc("GET /v1/sessions/{id}", auth.wrap(s.handleGetSession))
	mux.HandleFunc("POST /v1/sessions/{id}/join", auth.wrap(s.handleJoin))
	mux.HandleFunc("POST /v1/sessions/{id}/evidence", auth.wrap(s.handleEvidence))
	mux.HandleFunc("POST /v1/sessions/{id}/resolution", auth.wrap(s.handlePick))
	mux.HandleFunc("POST /v1/sessions/{id}/settlement", auth.wrap(s.handleSettlement))
	mux.HandleFunc("POST /v1/sessions/{id}/verdict/retry", auth.wrap(s.handleRetryVerdict))
	mux.HandleFunc("POST /v1/sessions/{id}/close", auth.wrap(s.handleClose))
	return mux
}

// requestAuthenticator resolves the caller's identity from a bearer
// token. With auth disabled the X-User-ID header stands in, which is
// only allowed outside production.
type requestAuthenticator struct {
	secret   []byte
	disabled bool
}

func (a requestAuthenticator) wrap(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.identify(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, userID)
	}
}

func (a requestAuthenticator) identify(r *http.Request) (string, error) {
	if a.disabled {
		if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
			return userID, nil
		}
		return "", apperrors.New(apperrors.CodeUnauthenticated, "X-User-ID header is required")
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid access token", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "access token carries no subject")
	}
	return strings.TrimSpace(subject), nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.orchestrator.CreateSession(r.Context(), domain.CreateSessionInput{
		CoupleID:  req.CoupleID,
		CreatorID: userID,
		PartnerID: req.PartnerID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusCreated, session, userID, sessionResponse{})
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := s.orchestrator.GetActiveSession(r.Context(), r.PathValue("coupleID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if session.PartyOf(userID) == domain.PartyNone {
		writeError(w, apperrors.New(apperrors.CodeForbidden, "only session parties may view a session"))
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := s.orchestrator.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if session.PartyOf(userID) == domain.PartyNone {
		writeError(w, apperrors.New(apperrors.CodeForbidden, "only session parties may view a session"))
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := s.orchestrator.Join(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{
		BothJoined: session.Phase == domain.PhaseEvidenceCollection,
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, userID string) {
	var req evidenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, result, err := s.orchestrator.SubmitEvidence(r.Context(), r.PathValue("id"), userID, domain.EvidenceInput{
		Facts:    req.Facts,
		Feelings: req.Feelings,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{
		BothSubmitted: result.BothSubmitted,
	})
}

func (s *Server) handlePick(w http.ResponseWriter, r *http.Request, userID string) {
	var req resolutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, result, err := s.orchestrator.PickResolution(r.Context(), r.PathValue("id"), userID, req.ResolutionID, req.Lock)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{
		Finalized: result.Finalized,
		Mismatch:  result.Mismatch,
	})
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request, userID string) {
	session, result, err := s.orchestrator.RequestSettlement(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{
		Settled: result.Settled,
	})
}

func (s *Server) handleRetryVerdict(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := s.orchestrator.RetryVerdict(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, userID string) {
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.orchestrator.CloseSession(r.Context(), r.PathValue("id"), userID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSession(w, http.StatusOK, session, userID, sessionResponse{})
}

func (s *Server) writeSession(w http.ResponseWriter, status int, session domain.Session, userID string, response sessionResponse) {
	response.OK = true
	response.Session = gateway.SnapshotFor(session, userID, s.orchestrator.TimeoutFor)
	writeJSON(w, status, response)
}

func decodeJSON(r *http.Request, v any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty body means an empty request.
			return nil
		}
		return apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	writeJSON(w, code.HTTPStatus(), errorResponse{
		Code:    string(code),
		Message: err.Error(),
		Details: apperrors.GetMetadata(err),
	})
}
