package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TwilioConfig holds the credentials and endpoint for the Twilio REST
// API. BaseURL is overridable for testing.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
}

// TwilioProvider sends messages through the Twilio Messages endpoint.
type TwilioProvider struct {
	cfg        TwilioConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func NewTwilioProvider(cfg TwilioConfig, logger *slog.Logger) *TwilioProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &TwilioProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("component", "twilio_provider"),
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`

	// Error envelope fields for non-2xx responses.
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (p *TwilioProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Body", req.Body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.cfg.BaseURL, p.cfg.AccountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build twilio request: %w", err)
	}
	httpReq.SetBasicAuth(p.cfg.AccountSID, p.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read twilio response: %w", err)
	}

	var parsed twilioMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode twilio response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.logger.InfoContext(ctx, "message accepted", "to", req.To, "sid", parsed.SID, "status", parsed.Status)
		return &SendResult{ProviderMessageID: parsed.SID}, nil
	case resp.StatusCode == http.StatusBadRequest:
		// 21xxx codes are permanent input errors; retrying cannot help.
		return nil, fmt.Errorf("%w: code %d: %s", ErrRejected, parsed.Code, parsed.Message)
	default:
		return nil, fmt.Errorf("twilio returned status %d: code %d: %s", resp.StatusCode, parsed.Code, parsed.Message)
	}
}
