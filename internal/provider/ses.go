package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/weblisite/newsletterfy-sub000/internal/pkg/logger"
)

// sesMaxDestinations is the SES SendEmail destination limit. Larger
// recipient sets are split into multiple API calls inside the adapter.
const sesMaxDestinations = 50

// SESConfig holds the settings for the AWS SES provider.
type SESConfig struct {
	AccessKey string
	SecretKey string
	Region    string
}

// sesAPI is the slice of the SES v2 client the provider uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends email via AWS SES using the SDK v2. It is the designated
// fallback provider.
type SES struct {
	health
	accessKey string
	secretKey string
	region    string
	client    sesAPI
}

// NewSES creates an uninitialized SES provider.
func NewSES(cfg SESConfig) *SES {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return &SES{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    region,
	}
}

// ID returns the stable provider identifier.
func (s *SES) ID() string { return "ses" }

// Name returns the human-readable provider name.
func (s *SES) Name() string { return "Amazon SES" }

// Initialize validates credentials and builds the SDK client.
func (s *SES) Initialize(ctx context.Context) error {
	var missing []string
	if s.accessKey == "" {
		missing = append(missing, "AWS_ACCESS_KEY_ID")
	}
	if s.secretKey == "" {
		missing = append(missing, "AWS_SECRET_ACCESS_KEY")
	}
	if len(missing) > 0 {
		return &ConfigError{Provider: s.ID(), Missing: missing}
	}

	if s.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(s.region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.accessKey, s.secretKey, "")),
		)
		if err != nil {
			return fmt.Errorf("ses: load aws config: %w", err)
		}
		s.client = sesv2.NewFromConfig(cfg)
	}

	s.markReady()
	return nil
}

// ConfigRequirements describes the environment values SES reads.
func (s *SES) ConfigRequirements() ConfigRequirements {
	return ConfigRequirements{
		RequiredEnvVars: []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"},
		OptionalEnvVars: []string{"AWS_REGION"},
	}
}

// Send delivers one message through SES, chunking recipients to the API's
// destination limit. The first accepted message id is returned.
func (s *SES) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if !s.isInitialized() {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	content := &types.EmailContent{
		Simple: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
			},
		},
	}
	if msg.TextContent != "" {
		content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}

	var tags []types.MessageTag
	for k, v := range msg.Tags {
		tags = append(tags, types.MessageTag{Name: aws.String(k), Value: aws.String(v)})
	}

	var messageID string
	for start := 0; start < len(msg.Recipients); start += sesMaxDestinations {
		end := start + sesMaxDestinations
		if end > len(msg.Recipients) {
			end = len(msg.Recipients)
		}

		to := make([]string, 0, end-start)
		for _, r := range msg.Recipients[start:end] {
			to = append(to, r.Email)
		}

		input := &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.From.Name, msg.From.Email)),
			Destination:      &types.Destination{ToAddresses: to},
			Content:          content,
			EmailTags:        tags,
		}
		if msg.From.ReplyTo != "" {
			input.ReplyToAddresses = []string{msg.From.ReplyTo}
		}

		result, err := s.client.SendEmail(ctx, input)
		if err != nil {
			s.recordFailure()
			return nil, &SendError{Provider: s.ID(), Err: err}
		}
		if messageID == "" && result.MessageId != nil {
			messageID = *result.MessageId
		}
	}

	s.recordSuccess()
	logger.Debug("ses send accepted", "recipients", len(msg.Recipients), "message_id", messageID)

	return &SendResult{
		MessageID: messageID,
		Provider:  s.ID(),
		SentAt:    time.Now(),
	}, nil
}

// TestConnection sends one synthetic message to addr and measures latency.
func (s *SES) TestConnection(ctx context.Context, addr string) (*TestResult, error) {
	start := time.Now()
	res, err := s.Send(ctx, testMessage(s.Name(), addr))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	return &TestResult{MessageID: res.MessageID, ResponseTimeMs: elapsed}, nil
}

// HealthStatus returns a readiness snapshot, re-initializing if needed.
func (s *SES) HealthStatus(ctx context.Context) HealthStatus {
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
