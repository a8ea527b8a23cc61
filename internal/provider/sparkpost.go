package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/weblisite/newsletterfy-sub000/internal/pkg/logger"
)

const sparkpostDefaultBaseURL = "https://api.sparkpost.com/api/v1"

// SparkPostConfig holds the settings for the SparkPost provider.
type SparkPostConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// SparkPost sends email via the SparkPost Transmissions API. It is the
// platform's primary delivery provider.
type SparkPost struct {
	health
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSparkPost creates an uninitialized SparkPost provider.
func NewSparkPost(cfg SparkPostConfig) *SparkPost {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sparkpostDefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SparkPost{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ID returns the stable provider identifier.
func (s *SparkPost) ID() string { return "sparkpost" }

// Name returns the human-readable provider name.
func (s *SparkPost) Name() string { return "SparkPost" }

// Initialize validates the API key is present.
func (s *SparkPost) Initialize(ctx context.Context) error {
	if s.apiKey == "" {
		return &ConfigError{Provider: s.ID(), Missing: []string{"SPARKPOST_API_KEY"}}
	}
	s.markReady()
	return nil
}

// ConfigRequirements describes the environment values SparkPost reads.
func (s *SparkPost) ConfigRequirements() ConfigRequirements {
	return ConfigRequirements{
		RequiredEnvVars: []string{"SPARKPOST_API_KEY"},
		OptionalEnvVars: []string{"SPARKPOST_BASE_URL"},
	}
}

// Send delivers one message through the Transmissions API. All recipients
// go in a single transmission; per-recipient merge fields are mapped to
// substitution_data.
func (s *SparkPost) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if !s.isInitialized() {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	recipients := make([]map[string]interface{}, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		addr := map[string]string{"email": r.Email}
		if r.Name != "" {
			addr["name"] = r.Name
		}
		rcpt := map[string]interface{}{"address": addr}
		if len(r.MergeFields) > 0 {
			rcpt["substitution_data"] = r.MergeFields
		}
		recipients = append(recipients, rcpt)
	}

	content := map[string]interface{}{
		"from":    map[string]string{"email": msg.From.Email, "name": msg.From.Name},
		"subject": msg.Subject,
		"html":    msg.HTMLContent,
	}
	if msg.TextContent != "" {
		content["text"] = msg.TextContent
	}
	if msg.From.ReplyTo != "" {
		content["reply_to"] = msg.From.ReplyTo
	}
	if len(msg.Attachments) > 0 {
		atts := make([]map[string]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			atts = append(atts, map[string]string{
				"name": a.Filename,
				"type": a.ContentType,
				"data": base64.StdEncoding.EncodeToString(a.Data),
			})
		}
		content["attachments"] = atts
	}

	transmission := map[string]interface{}{
		"recipients": recipients,
		"content":    content,
		"options": map[string]interface{}{
			"open_tracking":  false,
			"click_tracking": false,
		},
	}
	if len(msg.Tags) > 0 {
		transmission["metadata"] = msg.Tags
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/transmissions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure()
		return nil, &SendError{Provider: s.ID(), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		s.recordFailure()
		apiErr := fmt.Errorf("SparkPost error %d: %s", resp.StatusCode, sparkpostErrorMessage(body))
		return nil, &SendError{Provider: s.ID(), Err: apiErr}
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	json.Unmarshal(body, &result)

	s.recordSuccess()
	logger.Debug("sparkpost transmission accepted", "recipients", len(msg.Recipients), "message_id", result.Results.ID)

	return &SendResult{
		MessageID: result.Results.ID,
		Provider:  s.ID(),
		SentAt:    time.Now(),
	}, nil
}

// TestConnection sends one synthetic message to addr and measures latency.
// Test sends use the normal error accounting.
func (s *SparkPost) TestConnection(ctx context.Context, addr string) (*TestResult, error) {
	start := time.Now()
	res, err := s.Send(ctx, testMessage(s.Name(), addr))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	return &TestResult{MessageID: res.MessageID, ResponseTimeMs: elapsed}, nil
}

// HealthStatus returns a readiness snapshot, re-initializing if needed.
func (s *SparkPost) HealthStatus(ctx context.Context) HealthStatus {
	if !s.isInitialized() {
		if err := s.Initialize(ctx); err != nil {
			st := s.snapshot(err.Error())
			st.Healthy = false
			return st
		}
	}
	if !s.isHealthy() {
		return s.snapshot("error threshold exceeded")
	}
	return s.snapshot("ok")
}

// sparkpostErrorMessage extracts the first API error message, falling back
// to the raw body.
func sparkpostErrorMessage(body []byte) string {
	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		return parsed.Errors[0].Message
	}
	return string(body)
}

// testMessage builds the fixed template used by connection tests.
func testMessage(providerName, addr string) *EmailMessage {
	from := SenderIdentity{
		Email: "no-reply@" + defaultSendingDomain(),
		Name:  "Newsletterfy",
	}
	return &EmailMessage{
		Recipients: []Recipient{{Email: addr}},
		Subject:    fmt.Sprintf("Provider test: %s", providerName),
		HTMLContent: fmt.Sprintf(
			"<p>This is a test message confirming that the <strong>%s</strong> delivery provider is configured correctly.</p>",
			providerName),
		TextContent: fmt.Sprintf("This is a test message confirming that the %s delivery provider is configured correctly.", providerName),
		From:        from,
		Tags:        map[string]string{"category": "provider_test"},
	}
}

// defaultSendingDomain returns the platform sending domain for synthetic
// messages. Overridable via SENDING_DOMAIN for staging environments.
func defaultSendingDomain() string {
	if d := os.Getenv("SENDING_DOMAIN"); d != "" {
		return d
	}
	return "mail.newsletterfy.com"
}
