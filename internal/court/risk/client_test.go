package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

func TestScreenAllows(t *testing.T) {
	t.Parallel()

	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/screenings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": true})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	decision, err := client.Screen(context.Background(), Check{
		Action: ActionCreateSession,
		UserID: "user-a",
		Text:   "who does the dishes",
	})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected allowed decision")
	}
	if gotBody["action"] != "create_session" || gotBody["text"] != "who does the dishes" {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
}

func TestScreenBlocksWithReason(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": false,
			"reason":  "content needs a human reviewer",
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	decision, err := client.Screen(context.Background(), Check{Action: ActionSubmitEvidence, Text: "..."})
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	if decision.Allowed || decision.Reason == "" {
		t.Fatalf("expected block with reason, got %+v", decision)
	}
}

func TestScreenFailsClosedOnOutage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.Screen(context.Background(), Check{Action: ActionCreateSession, Text: "x"}); !apperrors.IsCode(err, apperrors.CodeUpstreamFailure) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestAllowAll(t *testing.T) {
	t.Parallel()

	decision, err := AllowAll{}.Screen(context.Background(), Check{Action: ActionCreateSession, Text: "anything"})
	if err != nil || !decision.Allowed {
		t.Fatalf("expected allow, got %+v err=%v", decision, err)
	}
}
