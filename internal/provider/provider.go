// Package provider contains the email delivery providers and the manager
// that selects between them.
//
// Providers are split into individual files:
//   - sparkpost.go: SparkPost Transmissions API
//   - ses.go:       AWS SES v2
//   - manager.go:   active-provider selection, failover, event logging
//   - identity.go:  sender identity derivation
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MaxConsecutiveErrors is the number of consecutive send failures after
// which a provider is marked unhealthy.
const MaxConsecutiveErrors = 3

// Provider is the uniform contract every delivery service is wrapped in.
// The manager treats providers interchangeably; request/response translation
// for the underlying API stays inside each implementation.
type Provider interface {
	// ID returns the stable provider identifier (e.g. "sparkpost").
	ID() string
	// Name returns the human-readable provider name.
	Name() string
	// Initialize validates required configuration and performs one-time
	// client setup. Returns a *ConfigError naming missing values.
	Initialize(ctx context.Context) error
	// Send transmits one message and returns the provider-assigned
	// message id on success.
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
	// TestConnection sends a synthetic message to addr and measures
	// round-trip latency.
	TestConnection(ctx context.Context, addr string) (*TestResult, error)
	// HealthStatus returns a readiness snapshot, re-initializing the
	// provider if needed. It never returns an error; probe failures are
	// reported as Healthy=false.
	HealthStatus(ctx context.Context) HealthStatus
	// ConfigRequirements describes the environment values the provider
	// needs, without attempting initialization.
	ConfigRequirements() ConfigRequirements
}

// Recipient is one destination address with optional merge fields.
type Recipient struct {
	Email       string
	Name        string
	MergeFields map[string]string
}

// Attachment is a file attached to an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SenderIdentity is the From/Reply-To identity for a message.
type SenderIdentity struct {
	Email   string
	Name    string
	ReplyTo string
}

// EmailMessage is the value object handed to a provider. Built fresh per
// send attempt and never mutated after construction.
type EmailMessage struct {
	Recipients  []Recipient
	Subject     string
	HTMLContent string
	TextContent string
	From        SenderIdentity
	Attachments []Attachment
	// Tags are free-form labels carried into the provider event log for
	// later correlation (newsletter id, schedule id, ...).
	Tags map[string]string
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	MessageID    string
	Provider     string
	UsedFallback bool
	SentAt       time.Time
}

// TestResult is the outcome of a provider connection test.
type TestResult struct {
	MessageID      string
	ResponseTimeMs int64
}

// HealthStatus is a point-in-time snapshot of a provider's readiness.
type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	LastCheck      time.Time `json:"last_check"`
	ErrorCount     int       `json:"error_count"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	Message        string    `json:"message"`
}

// ConfigRequirements describes the environment values a provider reads.
type ConfigRequirements struct {
	RequiredEnvVars []string `json:"required_env_vars"`
	OptionalEnvVars []string `json:"optional_env_vars"`
}

// ConfigError reports missing required configuration for a provider.
// It is fatal for that provider until the configuration is corrected.
type ConfigError struct {
	Provider string
	Missing  []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s: missing required configuration: %s",
		e.Provider, strings.Join(e.Missing, ", "))
}

// SendError wraps a delivery failure with the provider that produced it.
type SendError struct {
	Provider string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("provider %s: send failed: %v", e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FailoverExhaustedError reports that both the active provider and its
// fallback failed to deliver a message.
type FailoverExhaustedError struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *FailoverExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed: %s: %v; %s: %v",
		e.Primary, e.PrimaryErr, e.Fallback, e.FallbackErr)
}

// health tracks the shared provider lifecycle state: initialized/healthy
// flags and the consecutive-error budget. Embedded by each provider.
type health struct {
	mu          sync.Mutex
	initialized bool
	healthy     bool
	errorCount  int
	lastCheck   time.Time
}

// markReady flips the provider healthy after successful initialization
// and resets the error budget.
func (h *health) markReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = true
	h.healthy = true
	h.errorCount = 0
	h.lastCheck = time.Now()
}

// recordSuccess resets the consecutive-error counter.
func (h *health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.healthy = true
}

// recordFailure increments the consecutive-error counter and marks the
// provider unhealthy once the budget is exhausted. Returns the new
// healthy state.
func (h *health) recordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	if h.errorCount >= MaxConsecutiveErrors {
		h.healthy = false
	}
	return h.healthy
}

// isInitialized reports whether Initialize has succeeded.
func (h *health) isInitialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

// isHealthy reports the current healthy flag without probing.
func (h *health) isHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// snapshot returns the current state with the given status message.
func (h *health) snapshot(msg string) HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = time.Now()
	return HealthStatus{
		Healthy:    h.healthy,
		LastCheck:  h.lastCheck,
		ErrorCount: h.errorCount,
		Message:    msg,
	}
}
