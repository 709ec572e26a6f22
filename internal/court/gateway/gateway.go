// Package gateway is the realtime websocket surface for court
// sessions. It authenticates connections before the upgrade, relays
// party commands to the orchestrator, and pushes session events to
// whichever party connections are registered on this instance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/orchestrator"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
	"github.com/louisbranch/couplescourt/internal/platform/timeouts"
)

const (
	tokenCookieName = "cc_token"

	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3

	framesPerTypePerWindow = 20
	rateWindow             = time.Second
	ratePruneAfter         = time.Minute
)

// SessionService is the slice of orchestrator operations the gateway
// relays. The orchestrator satisfies it; tests substitute a fake.
type SessionService interface {
	Join(ctx context.Context, sessionID, userID string) (domain.Session, error)
	SubmitEvidence(ctx context.Context, sessionID, userID string, input domain.EvidenceInput) (domain.Session, domain.EvidenceResult, error)
	PickResolution(ctx context.Context, sessionID, userID, resolutionID string, lockRequested bool) (domain.Session, domain.PickResult, error)
	RequestSettlement(ctx context.Context, sessionID, userID string) (domain.Session, domain.SettlementResult, error)
	CloseSession(ctx context.Context, sessionID, userID, reason string) (domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
}

// Config defines the websocket boundary.
//
// AuthDisabled must stay an explicit opt-out: construction fails hard
// when it is combined with Production.
type Config struct {
	Service      SessionService
	AuthSecret   []byte
	AuthDisabled bool
	Production   bool
	TimeoutFor   func(domain.Phase) time.Duration
	Logger       *log.Logger
}

// Server hosts the websocket endpoint and the connection registry.
type Server struct {
	service      SessionService
	secret       []byte
	authDisabled bool
	timeoutFor   func(domain.Phase) time.Duration
	registry     *registry
	logger       *log.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "session service is required")
	}
	if cfg.AuthDisabled && cfg.Production {
		return nil, apperrors.New(apperrors.CodeValidation, "websocket auth cannot be disabled in production")
	}
	if !cfg.AuthDisabled && len(cfg.AuthSecret) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "auth secret is required unless auth is disabled")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "gateway: ", log.LstdFlags)
	}
	return &Server{
		service:      cfg.Service,
		secret:       cfg.AuthSecret,
		authDisabled: cfg.AuthDisabled,
		timeoutFor:   cfg.TimeoutFor,
		registry:     newRegistry(),
		logger:       cfg.Logger,
	}, nil
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

type registerPayload struct {
	UserID string `json:"user_id,omitempty"`
}

type registeredPayload struct {
	UserID     string `json:"user_id"`
	ServerTime string `json:"server_time"`
}

type sessionCommandPayload struct {
	SessionID    string `json:"session_id"`
	Facts        string `json:"facts,omitempty"`
	Feelings     string `json:"feelings,omitempty"`
	ResolutionID string `json:"resolution_id,omitempty"`
	Lock         bool   `json:"lock,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type ackPayload struct {
	Status        string    `json:"status"`
	Session       *Snapshot `json:"session,omitempty"`
	BothSubmitted bool      `json:"both_submitted,omitempty"`
	Finalized     bool      `json:"finalized,omitempty"`
	Mismatch      bool      `json:"mismatch,omitempty"`
	Settled       bool      `json:"settled,omitempty"`
	Ts            string    `json:"ts"`
}

type eventPayload struct {
	Session Snapshot `json:"session"`
	Ts      string   `json:"ts"`
}

type wsUserIDContextKey struct{}

// Handler returns the websocket endpoint. Authentication happens
// before the protocol upgrade so a bad token costs one HTTP 401, not
// a connection.
func (s *Server) Handler() http.Handler {
	wsHandler := websocket.Handler(s.handleConn)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authDisabled {
			userID, err := s.authenticate(r)
			if err != nil {
				s.logger.Printf("websocket unauthorized: remote=%s err=%v", r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), wsUserIDContextKey{}, userID))
		}
		wsHandler.ServeHTTP(w, r)
	})
}

// BroadcastSession delivers the event to whichever parties are
// connected here. Each party gets its own redacted view.
func (s *Server) BroadcastSession(event orchestrator.Event) {
	ts := time.Now().UTC().Format(time.RFC3339)
	for _, userID := range []string{event.Session.UserAID, event.Session.UserBID} {
		if userID == "" {
			continue
		}
		peer := s.registry.peerFor(userID)
		if peer == nil {
			continue
		}
		frame := wsFrame{
			Type: event.Type,
			Payload: mustJSON(eventPayload{
				Session: SnapshotFor(event.Session, userID, s.timeoutFor),
				Ts:      ts,
			}),
		}
		if err := peer.writeFrame(frame); err != nil {
			s.logger.Printf("write %s to user %s: %v", event.Type, userID, err)
		}
	}
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	token := accessTokenFromRequest(r)
	if token == "" {
		return "", errors.New("access token is required")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", errors.New("access token carries no subject")
	}
	return strings.TrimSpace(subject), nil
}

func accessTokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

type wsConn struct {
	userID  string
	peer    *wsPeer
	limiter *frameRateLimiter
}

func (s *Server) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	state := &wsConn{
		peer:    newWSPeer(json.NewEncoder(conn)),
		limiter: newFrameRateLimiter(framesPerTypePerWindow, rateWindow, ratePruneAfter),
	}
	baseCtx := context.Background()
	if request := conn.Request(); request != nil {
		baseCtx = request.Context()
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && resolved != "" {
			state.userID = resolved
			s.registry.register(state.userID, state.peer)
		}
	}
	defer func() {
		if state.userID != "" {
			s.registry.unregister(state.userID, state.peer)
		}
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			s.writeError(state.peer, "", apperrors.New(apperrors.CodeValidation, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "payload too large"))
			continue
		}
		if !state.limiter.allow(frame.Type, time.Now()) {
			s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
			continue
		}

		if frame.Type == "court.register" {
			s.handleRegister(state, frame)
			continue
		}
		if state.userID == "" {
			s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeUnauthenticated, "register before sending commands"))
			continue
		}

		ctx, cancel := context.WithTimeout(baseCtx, timeouts.UpstreamRequest)
		s.dispatch(ctx, state, frame)
		cancel()
	}
}

// handleRegister acknowledges the connection's identity. With auth
// disabled the payload may carry the identity to bind; with auth on
// the token already decided it.
func (s *Server) handleRegister(state *wsConn, frame wsFrame) {
	if s.authDisabled && state.userID == "" {
		var payload registerPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "invalid register payload"))
				return
			}
		}
		userID := strings.TrimSpace(payload.UserID)
		if userID == "" {
			s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "user_id is required"))
			return
		}
		state.userID = userID
		s.registry.register(userID, state.peer)
	}
	if state.userID == "" {
		s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeUnauthenticated, "connection has no identity"))
		return
	}
	_ = state.peer.writeFrame(wsFrame{
		Type:      "court.registered",
		RequestID: frame.RequestID,
		Payload: mustJSON(registeredPayload{
			UserID:     state.userID,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		}),
	})
}

func (s *Server) dispatch(ctx context.Context, state *wsConn, frame wsFrame) {
	var payload sessionCommandPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "invalid command payload"))
		return
	}
	if strings.TrimSpace(payload.SessionID) == "" {
		s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "session_id is required"))
		return
	}

	ack := ackPayload{Status: "ok"}
	var session domain.Session
	var err error
	switch frame.Type {
	case "court.join":
		session, err = s.service.Join(ctx, payload.SessionID, state.userID)
	case "court.submit_evidence":
		var result domain.EvidenceResult
		session, result, err = s.service.SubmitEvidence(ctx, payload.SessionID, state.userID, domain.EvidenceInput{
			Facts:    payload.Facts,
			Feelings: payload.Feelings,
		})
		ack.BothSubmitted = result.BothSubmitted
	case "court.pick_resolution":
		var result domain.PickResult
		session, result, err = s.service.PickResolution(ctx, payload.SessionID, state.userID, payload.ResolutionID, payload.Lock)
		ack.Finalized = result.Finalized
		ack.Mismatch = result.Mismatch
	case "court.request_settlement":
		var result domain.SettlementResult
		session, result, err = s.service.RequestSettlement(ctx, payload.SessionID, state.userID)
		ack.Settled = result.Settled
	case "court.close":
		session, err = s.service.CloseSession(ctx, payload.SessionID, state.userID, payload.Reason)
	case "court.get_session":
		session, err = s.service.GetSession(ctx, payload.SessionID)
		if err == nil && session.PartyOf(state.userID) == domain.PartyNone {
			err = apperrors.New(apperrors.CodeForbidden, "only session parties may view a session")
		}
	default:
		s.writeError(state.peer, frame.RequestID, apperrors.New(apperrors.CodeValidation, "unsupported frame type"))
		return
	}
	if err != nil {
		s.writeError(state.peer, frame.RequestID, err)
		return
	}

	snapshot := SnapshotFor(session, state.userID, s.timeoutFor)
	ack.Session = &snapshot
	ack.Ts = time.Now().UTC().Format(time.RFC3339)
	_ = state.peer.writeFrame(wsFrame{
		Type:      "court.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ack),
	})
}

func (s *Server) writeError(peer *wsPeer, requestID string, err error) {
	code := apperrors.GetCode(err)
	_ = peer.writeFrame(wsFrame{
		Type:      "court.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   err.Error(),
				Retryable: code.Retryable(),
				Details:   apperrors.GetMetadata(err),
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
