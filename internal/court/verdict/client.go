package verdict

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/couplescourt/internal/court/domain"
	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
	"github.com/louisbranch/couplescourt/internal/platform/id"
)

// ClientConfig configures the analysis service endpoints and HTTP
// behavior.
type ClientConfig struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
	// MaxAttempts bounds retries on transport errors and 5xx replies.
	MaxAttempts int
}

// Client is the HTTP Generator implementation.
type Client struct {
	cfg ClientConfig
	ids func() (string, error)
	now func() time.Time
}

// NewClient builds an analysis client. Credential material travels only
// in the Authorization header and never appears in errors.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "analysis base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 2
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, ids: id.NewID, now: time.Now}, nil
}

type verdictPayload struct {
	SessionID string          `json:"session_id"`
	CoupleID  string          `json:"couple_id"`
	Forfeit   bool            `json:"forfeit"`
	EvidenceA evidencePayload `json:"evidence_a"`
	EvidenceB evidencePayload `json:"evidence_b"`
}

type evidencePayload struct {
	Facts    string `json:"facts"`
	Feelings string `json:"feelings"`
}

type verdictReply struct {
	Summary     string `json:"summary"`
	Reasoning   string `json:"reasoning"`
	Resolutions []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"resolutions"`
}

func (c *Client) GenerateVerdict(ctx context.Context, req Request) (domain.Verdict, error) {
	payload := verdictPayload{
		SessionID: req.SessionID,
		CoupleID:  req.CoupleID,
		Forfeit:   req.Forfeit,
		EvidenceA: evidencePayload{Facts: req.EvidenceA.Facts, Feelings: req.EvidenceA.Feelings},
		EvidenceB: evidencePayload{Facts: req.EvidenceB.Facts, Feelings: req.EvidenceB.Feelings},
	}

	var reply verdictReply
	if err := c.post(ctx, "/v1/verdicts", payload, &reply); err != nil {
		return domain.Verdict{}, err
	}
	if strings.TrimSpace(reply.Summary) == "" || len(reply.Resolutions) == 0 {
		return domain.Verdict{}, apperrors.New(apperrors.CodeUpstreamFailure, "analysis reply missing verdict content")
	}

	verdict := domain.Verdict{
		Summary:     reply.Summary,
		Reasoning:   reply.Reasoning,
		GeneratedAt: c.now().UTC(),
	}
	for _, r := range reply.Resolutions {
		resolutionID, err := c.ids()
		if err != nil {
			return domain.Verdict{}, apperrors.Wrap(apperrors.CodeUnknown, "generate resolution id", err)
		}
		verdict.Resolutions = append(verdict.Resolutions, domain.Resolution{
			ID:          resolutionID,
			Title:       r.Title,
			Description: r.Description,
		})
	}
	return verdict, nil
}

type hybridPayload struct {
	SessionID string              `json:"session_id"`
	Summary   string              `json:"summary"`
	PickA     resolutionPayload   `json:"pick_a"`
	PickB     resolutionPayload   `json:"pick_b"`
	Menu      []resolutionPayload `json:"menu"`
}

type resolutionPayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (c *Client) GenerateHybrid(ctx context.Context, req HybridRequest) (domain.Resolution, error) {
	payload := hybridPayload{
		SessionID: req.SessionID,
		Summary:   req.Verdict.Summary,
		PickA:     resolutionPayload{Title: req.PickA.Title, Description: req.PickA.Description},
		PickB:     resolutionPayload{Title: req.PickB.Title, Description: req.PickB.Description},
	}
	for _, r := range req.Verdict.Resolutions {
		payload.Menu = append(payload.Menu, resolutionPayload{Title: r.Title, Description: r.Description})
	}

	var reply struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := c.post(ctx, "/v1/hybrids", payload, &reply); err != nil {
		return domain.Resolution{}, err
	}
	if strings.TrimSpace(reply.Title) == "" {
		return domain.Resolution{}, apperrors.New(apperrors.CodeUpstreamFailure, "analysis reply missing hybrid option")
	}
	resolutionID, err := c.ids()
	if err != nil {
		return domain.Resolution{}, apperrors.Wrap(apperrors.CodeUnknown, "generate resolution id", err)
	}
	return domain.Resolution{
		ID:          resolutionID,
		Title:       reply.Title,
		Description: reply.Description,
		Hybrid:      true,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload, reply any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnknown, "encode analysis request", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.CodeTimeout, "analysis request canceled", err)
		}
		retry, err := c.roundTrip(ctx, path, body, reply)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

// roundTrip reports whether the failure is worth retrying.
func (c *Client) roundTrip(ctx context.Context, path string, body []byte, reply any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnknown, "build analysis request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return true, apperrors.Wrap(apperrors.CodeUpstreamFailure, "analysis request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, readErr := io.ReadAll(io.LimitReader(res.Body, 4096))
		if readErr != nil {
			detail = nil
		}
		appErr := apperrors.WithMetadata(apperrors.CodeUpstreamFailure, "analysis request rejected", map[string]string{
			"status": http.StatusText(res.StatusCode),
			"detail": strings.TrimSpace(string(detail)),
		})
		return res.StatusCode >= 500, appErr
	}
	if err := json.NewDecoder(res.Body).Decode(reply); err != nil {
		return false, apperrors.Wrap(apperrors.CodeUpstreamFailure, "decode analysis reply", err)
	}
	return false, nil
}
