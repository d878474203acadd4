package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/pkg/httpretry"
	"github.com/mailgenius/dispatch/internal/pkg/logger"
)

// APISender sends through a JSON send API. Throttles and server errors are
// retried inside the HTTP client before a transient result surfaces; any
// other 4xx is permanent.
type APISender struct {
	apiKey  string
	baseURL string
	client  *httpretry.Client
	log     *logger.Logger
}

// NewAPISender creates a sender targeting the configured API's /messages
// endpoint.
func NewAPISender(cfg config.SendAPIConfig) *APISender {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APISender{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  httpretry.New(&http.Client{Timeout: timeout}, cfg.MaxRetries),
		log:     logger.New("sendapi"),
	}
}

func (s *APISender) Provider() string { return "api" }

// Send delivers a single email through the send API.
func (s *APISender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("send API key not configured")
	}
	if err := validate(msg); err != nil {
		return &SendResult{Error: err, Provider: "api", Permanent: true}, nil
	}

	payload := map[string]interface{}{
		"to": map[string]string{"email": msg.Email},
		"from": map[string]string{
			"email": msg.FromEmail,
			"name":  msg.FromName,
		},
		"subject": msg.Subject,
		"html":    msg.HTMLBody,
		"text":    msg.TextBody,
		"metadata": map[string]string{
			"job_id":      msg.JobID,
			"campaign_id": msg.CampaignID,
			"lead_id":     msg.LeadID,
		},
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = msg.ReplyTo
	}
	if len(msg.Tags) > 0 {
		payload["tags"] = msg.Tags
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Network failures after retries: worth another pass later.
		return &SendResult{Error: err, Provider: "api"}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return &SendResult{
			Error:     fmt.Errorf("send API error %d: %s", resp.StatusCode, string(body)),
			Provider:  "api",
			Permanent: permanentStatus(resp.StatusCode),
		}, nil
	}

	var result struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &result)

	s.log.Debug("sent", "email", msg.Email, "message_id", result.ID)

	return &SendResult{
		Success:   true,
		MessageID: result.ID,
		Provider:  "api",
		SentAt:    time.Now(),
	}, nil
}

// permanentStatus reports whether an HTTP status will fail on every
// attempt. 408 and 429 clear with time; other 4xx mean the request itself
// is bad.
func permanentStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
