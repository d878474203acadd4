package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/mailgenius/dispatch/internal/pkg/logger"
)

// SESSender sends emails via AWS SES using the SDK v2.
type SESSender struct {
	client *sesv2.Client
	log    *logger.Logger
}

// NewSESSender builds the SES client. Static credentials take precedence;
// with none configured the SDK falls back to its default chain (instance
// role, environment).
func NewSESSender(accessKey, secretKey, region string) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESSender{
		client: sesv2.NewFromConfig(cfg),
		log:    logger.New("ses"),
	}, nil
}

func (s *SESSender) Provider() string { return "ses" }

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("SES client not initialized")
	}
	if err := validate(msg); err != nil {
		return &SendResult{Error: err, Provider: "ses", Permanent: true}, nil
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
	}
	if msg.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	tags := []types.MessageTag{
		{Name: aws.String("job_id"), Value: aws.String(msg.JobID)},
		{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
	}
	for name, value := range msg.Tags {
		tags = append(tags, types.MessageTag{Name: aws.String(name), Value: aws.String(value)})
	}
	input.EmailTags = tags

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.log.Warn("send rejected", "email", msg.Email, "error", err.Error())
		return &SendResult{
			Error:     err,
			Provider:  "ses",
			Permanent: sesErrorPermanent(err),
		}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	return &SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  "ses",
		SentAt:    time.Now(),
	}, nil
}

// sesErrorPermanent classifies an SES API error. Rejected content and
// unverified identities will fail every attempt; throttles and pauses
// clear on their own.
func sesErrorPermanent(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "MessageRejected",
		"MailFromDomainNotVerifiedException",
		"AccountSuspendedException",
		"BadRequestException",
		"NotFoundException":
		return true
	case "TooManyRequestsException",
		"LimitExceededException",
		"SendingPausedException":
		return false
	}
	return false
}
