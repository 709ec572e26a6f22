package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	"github.com/louisbranch/couplescourt/internal/court/orchestrator"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsTestAck struct {
	Status        string    `json:"status"`
	Session       *Snapshot `json:"session"`
	BothSubmitted bool      `json:"both_submitted"`
	Finalized     bool      `json:"finalized"`
}

type wsTestError struct {
	Error struct {
		Code      string            `json:"code"`
		Message   string            `json:"message"`
		Retryable bool              `json:"retryable"`
		Details   map[string]string `json:"details"`
	} `json:"error"`
}

type fakeSessionService struct {
	mu      sync.Mutex
	session domain.Session
	err     error

	joinCalls     []string
	evidenceCalls []domain.EvidenceInput
	pickCalls     []string
	closeReasons  []string
}

func (f *fakeSessionService) Join(_ context.Context, sessionID, userID string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCalls = append(f.joinCalls, sessionID+"/"+userID)
	return f.session, f.err
}

func (f *fakeSessionService) SubmitEvidence(_ context.Context, _, _ string, input domain.EvidenceInput) (domain.Session, domain.EvidenceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evidenceCalls = append(f.evidenceCalls, input)
	return f.session, domain.EvidenceResult{BothSubmitted: true}, f.err
}

func (f *fakeSessionService) PickResolution(_ context.Context, _, _, resolutionID string, _ bool) (domain.Session, domain.PickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pickCalls = append(f.pickCalls, resolutionID)
	return f.session, domain.PickResult{Finalized: true, ResolutionID: resolutionID}, f.err
}

func (f *fakeSessionService) RequestSettlement(_ context.Context, _, _ string) (domain.Session, domain.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, domain.SettlementResult{Settled: true}, f.err
}

func (f *fakeSessionService) CloseSession(_ context.Context, _, _, reason string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReasons = append(f.closeReasons, reason)
	return f.session, f.err
}

func (f *fakeSessionService) GetSession(_ context.Context, _ string) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.err
}

func testSession() domain.Session {
	now := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	return domain.Session{
		ID:             "sess-1",
		CoupleID:       "couple-1",
		UserAID:        "user-a",
		UserBID:        "user-b",
		Phase:          domain.PhaseEvidenceCollection,
		PhaseStartedAt: now,
		EvidenceA: &domain.Evidence{
			Facts:       "the dishes sat overnight",
			Feelings:    "dismissed",
			SubmittedAt: now,
		},
		Version:   2,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestServer(t *testing.T, mutators ...func(*Config)) (*Server, *fakeSessionService) {
	t.Helper()
	service := &fakeSessionService{session: testSession()}
	cfg := Config{
		Service:      service,
		AuthDisabled: true,
	}
	for _, mutate := range mutators {
		mutate(&cfg)
	}
	server, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return server, service
}

func dialGateway(t *testing.T, server *Server, header http.Header) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	conn, err := dialGatewayErr(srv, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialGatewayErr(srv *httptest.Server, header http.Header) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	if header != nil {
		cfg.Header = header
	}
	return websocket.DialConfig(cfg)
}

func writeTestFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readTestFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func registerUser(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	writeTestFrame(t, conn, map[string]any{
		"type":       "court.register",
		"request_id": "req-register",
		"payload":    map[string]any{"user_id": userID},
	})
	got := readTestFrame(t, conn)
	if got.Type != "court.registered" {
		t.Fatalf("frame type = %q, want %q", got.Type, "court.registered")
	}
}

func decodeTestAck(t *testing.T, payload json.RawMessage) wsTestAck {
	t.Helper()
	var ack wsTestAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return ack
}

func decodeTestError(t *testing.T, payload json.RawMessage) wsTestError {
	t.Helper()
	var envelope wsTestError
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return envelope
}

func TestNewRejectsDisabledAuthInProduction(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Service:      &fakeSessionService{},
		AuthDisabled: true,
		Production:   true,
	})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("New error = %v, want %s", err, apperrors.CodeValidation)
	}
}

func TestNewRequiresSecretWhenAuthEnabled(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Service: &fakeSessionService{}})
	if !apperrors.IsCode(err, apperrors.CodeValidation) {
		t.Fatalf("New error = %v, want %s", err, apperrors.CodeValidation)
	}
}

func TestJoinReturnsAckWithSnapshot(t *testing.T) {
	server, service := newTestServer(t)
	conn := dialGateway(t, server, nil)
	registerUser(t, conn, "user-a")

	writeTestFrame(t, conn, map[string]any{
		"type":       "court.join",
		"request_id": "req-1",
		"payload":    map[string]any{"session_id": "sess-1"},
	})

	got := readTestFrame(t, conn)
	if got.Type != "court.ack" {
		t.Fatalf("frame type = %q, want court.ack (payload %s)", got.Type, got.Payload)
	}
	if got.RequestID != "req-1" {
		t.Fatalf("request_id = %q, want %q", got.RequestID, "req-1")
	}
	ack := decodeTestAck(t, got.Payload)
	if ack.Session == nil || ack.Session.ID != "sess-1" {
		t.Fatalf("ack session = %+v, want sess-1", ack.Session)
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	if len(service.joinCalls) != 1 || service.joinCalls[0] != "sess-1/user-a" {
		t.Fatalf("join calls = %v", service.joinCalls)
	}
}

func TestCommandBeforeRegisterIsRejected(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialGateway(t, server, nil)

	writeTestFrame(t, conn, map[string]any{
		"type":    "court.join",
		"payload": map[string]any{"session_id": "sess-1"},
	})

	got := readTestFrame(t, conn)
	if got.Type != "court.error" {
		t.Fatalf("frame type = %q, want court.error", got.Type)
	}
	envelope := decodeTestError(t, got.Payload)
	if envelope.Error.Code != string(apperrors.CodeUnauthenticated) {
		t.Fatalf("error code = %q, want %s", envelope.Error.Code, apperrors.CodeUnauthenticated)
	}
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialGateway(t, server, nil)
	registerUser(t, conn, "user-a")

	writeTestFrame(t, conn, map[string]any{
		"type":       "court.dance",
		"request_id": "req-2",
		"payload":    map[string]any{"session_id": "sess-1"},
	})

	got := readTestFrame(t, conn)
	if got.Type != "court.error" {
		t.Fatalf("frame type = %q, want court.error", got.Type)
	}
	envelope := decodeTestError(t, got.Payload)
	if envelope.Error.Code != string(apperrors.CodeValidation) {
		t.Fatalf("error code = %q, want %s", envelope.Error.Code, apperrors.CodeValidation)
	}
}

func TestServiceErrorsCarryCodeAndRetryability(t *testing.T) {
	server, service := newTestServer(t)
	service.err = apperrors.WithMetadata(apperrors.CodeLockContention, "lock is held", map[string]string{"lock": "session:sess-1"})
	conn := dialGateway(t, server, nil)
	registerUser(t, conn, "user-a")

	writeTestFrame(t, conn, map[string]any{
		"type":       "court.pick_resolution",
		"request_id": "req-3",
		"payload":    map[string]any{"session_id": "sess-1", "resolution_id": "r1"},
	})

	got := readTestFrame(t, conn)
	if got.Type != "court.error" {
		t.Fatalf("frame type = %q, want court.error", got.Type)
	}
	envelope := decodeTestError(t, got.Payload)
	if envelope.Error.Code != string(apperrors.CodeLockContention) {
		t.Fatalf("error code = %q, want %s", envelope.Error.Code, apperrors.CodeLockContention)
	}
	if !envelope.Error.Retryable {
		t.Fatal("lock contention should be marked retryable")
	}
	if envelope.Error.Details["lock"] != "session:sess-1" {
		t.Fatalf("error details = %v", envelope.Error.Details)
	}
}

func TestSubmitEvidenceAckReportsBothSubmitted(t *testing.T) {
	server, service := newTestServer(t)
	conn := dialGateway(t, server, nil)
	registerUser(t, conn, "user-a")

	writeTestFrame(t, conn, map[string]any{
		"type":       "court.submit_evidence",
		"request_id": "req-4",
		"payload": map[string]any{
			"session_id": "sess-1",
			"facts":      "left dishes in the sink",
			"feelings":   "taken for granted",
		},
	})

	got := readTestFrame(t, conn)
	if got.Type != "court.ack" {
		t.Fatalf("frame type = %q, want court.ack (payload %s)", got.Type, got.Payload)
	}
	ack := decodeTestAck(t, got.Payload)
	if !ack.BothSubmitted {
		t.Fatal("ack should report both_submitted")
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	if len(service.evidenceCalls) != 1 || service.evidenceCalls[0].Facts != "left dishes in the sink" {
		t.Fatalf("evidence calls = %+v", service.evidenceCalls)
	}
}

func TestAuthRequiredRejectsHandshakeWithoutToken(t *testing.T) {
	server, _ := newTestServer(t, func(cfg *Config) {
		cfg.AuthDisabled = false
		cfg.AuthSecret = []byte("test-secret")
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	conn, err := dialGatewayErr(srv, nil)
	if conn != nil {
		_ = conn.Close()
	}
	if err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
}

func TestAuthTokenBindsIdentityBeforeUpgrade(t *testing.T) {
	secret := []byte("test-secret")
	server, service := newTestServer(t, func(cfg *Config) {
		cfg.AuthDisabled = false
		cfg.AuthSecret = secret
	})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-b",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	conn := dialGateway(t, server, header)

	writeTestFrame(t, conn, map[string]any{
		"type":       "court.join",
		"request_id": "req-5",
		"payload":    map[string]any{"session_id": "sess-1"},
	})

	got := readTestFrame(t, conn)
	if got.Type != "court.ack" {
		t.Fatalf("frame type = %q, want court.ack (payload %s)", got.Type, got.Payload)
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	if len(service.joinCalls) != 1 || service.joinCalls[0] != "sess-1/user-b" {
		t.Fatalf("join calls = %v, want identity from token", service.joinCalls)
	}
}

func TestAuthRejectsTokenSignedWithWrongSecret(t *testing.T) {
	server, _ := newTestServer(t, func(cfg *Config) {
		cfg.AuthDisabled = false
		cfg.AuthSecret = []byte("test-secret")
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-b",
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	conn, dialErr := dialGatewayErr(srv, header)
	if conn != nil {
		_ = conn.Close()
	}
	if dialErr == nil {
		t.Fatal("expected handshake to fail with a forged token")
	}
}

func TestRateLimitRejectsFrameBurst(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dialGateway(t, server, nil)
	registerUser(t, conn, "user-a")

	var limited bool
	for i := 0; i < framesPerTypePerWindow+5; i++ {
		writeTestFrame(t, conn, map[string]any{
			"type":       "court.get_session",
			"request_id": "req-burst",
			"payload":    map[string]any{"session_id": "sess-1"},
		})
		got := readTestFrame(t, conn)
		if got.Type != "court.error" {
			continue
		}
		envelope := decodeTestError(t, got.Payload)
		if envelope.Error.Code == string(apperrors.CodeRateLimited) {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the burst to trip the per-type rate limit")
	}
}

func TestBroadcastRedactsPartnerEvidencePerRecipient(t *testing.T) {
	server, _ := newTestServer(t)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	connA, err := dialGatewayErr(srv, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = connA.Close() })
	connB, err := dialGatewayErr(srv, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = connB.Close() })

	registerUser(t, connA, "user-a")
	registerUser(t, connB, "user-b")

	server.BroadcastSession(orchestrator.Event{
		Type:    orchestrator.EventEvidenceSubmitted,
		Session: testSession(),
	})

	gotA := readTestFrame(t, connA)
	gotB := readTestFrame(t, connB)
	if gotA.Type != orchestrator.EventEvidenceSubmitted || gotB.Type != orchestrator.EventEvidenceSubmitted {
		t.Fatalf("frame types = %q, %q", gotA.Type, gotB.Type)
	}

	var viewA, viewB struct {
		Session Snapshot `json:"session"`
	}
	if err := json.Unmarshal(gotA.Payload, &viewA); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	if err := json.Unmarshal(gotB.Payload, &viewB); err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	if viewA.Session.EvidenceA == nil || viewA.Session.EvidenceA.Facts == "" {
		t.Fatal("author should see their own submitted evidence")
	}
	if viewB.Session.EvidenceA != nil {
		t.Fatalf("partner saw unredacted evidence before submitting: %+v", viewB.Session.EvidenceA)
	}
}

func TestNewConnectionSupersedesOldOne(t *testing.T) {
	server, _ := newTestServer(t)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	first, err := dialGatewayErr(srv, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	registerUser(t, first, "user-a")

	second, err := dialGatewayErr(srv, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	registerUser(t, second, "user-a")

	server.BroadcastSession(orchestrator.Event{
		Type:    orchestrator.EventSessionUpdated,
		Session: testSession(),
	})

	got := readTestFrame(t, second)
	if got.Type != orchestrator.EventSessionUpdated {
		t.Fatalf("frame type = %q, want %q", got.Type, orchestrator.EventSessionUpdated)
	}

	_ = first.SetDeadline(time.Now().Add(150 * time.Millisecond))
	var stale wsTestFrame
	if err := json.NewDecoder(first).Decode(&stale); err == nil {
		t.Fatalf("superseded connection still received %q", stale.Type)
	}
}
