// Package responder calls the external AI reply-generation service.
// The service is opaque to the relay: one request per new lead, one
// reply string back.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyReply is returned when the service answers 200 with no usable
// reply text.
var ErrEmptyReply = errors.New("responder returned an empty reply")

// LeadContext is what the reply generator gets to work with.
type LeadContext struct {
	LeadID       int64  `json:"lead_id"`
	CustomerName string `json:"customer_name"`
	VehicleYear  string `json:"vehicle_year,omitempty"`
	VehicleMake  string `json:"vehicle_make,omitempty"`
	VehicleModel string `json:"vehicle_model,omitempty"`
}

// Client generates one reply per lead.
type Client interface {
	GenerateReply(ctx context.Context, lead LeadContext) (string, error)
}

// Config holds the HTTP responder's endpoint and credentials.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient is the production Client; it POSTs the lead context and
// expects {"reply": "..."} back.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "responder_client"),
	}
}

type generateResponse struct {
	Reply string `json:"reply"`
}

func (c *HTTPClient) GenerateReply(ctx context.Context, lead LeadContext) (string, error) {
	body, err := json.Marshal(lead)
	if err != nil {
		return "", fmt.Errorf("failed to marshal lead context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read responder response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("responder returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode responder response: %w", err)
	}
	reply := strings.TrimSpace(parsed.Reply)
	if reply == "" {
		return "", ErrEmptyReply
	}

	c.logger.InfoContext(ctx, "reply generated",
		"lead_id", lead.LeadID, "duration_ms", time.Since(started).Milliseconds())
	return reply, nil
}
