package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/couplescourt/internal/platform/errors"
)

// ClientConfig configures the screening service endpoint.
type ClientConfig struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
}

// Client is the HTTP Gate implementation.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "screening base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg}, nil
}

func (c *Client) Screen(ctx context.Context, check Check) (Decision, error) {
	body, err := json.Marshal(map[string]string{
		"action":    string(check.Action),
		"user_id":   check.UserID,
		"couple_id": check.CoupleID,
		"text":      check.Text,
	})
	if err != nil {
		return Decision{}, apperrors.Wrap(apperrors.CodeUnknown, "encode screening request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/screenings", bytes.NewReader(body))
	if err != nil {
		return Decision{}, apperrors.Wrap(apperrors.CodeUnknown, "build screening request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		// Fail closed.
		return Decision{}, apperrors.Wrap(apperrors.CodeUpstreamFailure, "screening service unreachable", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Decision{}, apperrors.WithMetadata(apperrors.CodeUpstreamFailure, "screening request rejected", map[string]string{
			"status": http.StatusText(res.StatusCode),
		})
	}

	var reply struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		return Decision{}, apperrors.Wrap(apperrors.CodeUpstreamFailure, "decode screening reply", err)
	}
	return Decision{Allowed: reply.Allowed, Reason: reply.Reason}, nil
}
