// Package sender delivers rendered emails through a pluggable provider:
// AWS SES, a JSON send API, or a log-only sender for development. Provider
// rejections come back as a failed SendResult, not an error; errors are
// reserved for the caller's own misuse (nil client, cancelled context).
package sender

import (
	"context"
	"fmt"
	"time"
)

// EmailMessage is one rendered email ready for delivery.
type EmailMessage struct {
	JobID      string
	CampaignID string
	LeadID     string
	Email      string
	FromName   string
	FromEmail  string
	ReplyTo    string
	Subject    string
	HTMLBody   string
	TextBody   string
	Tags       map[string]string
}

// SendResult is the outcome of one delivery attempt. Permanent is only
// meaningful when Success is false: a permanent failure must not be
// retried, a transient one should be.
type SendResult struct {
	Success   bool
	MessageID string
	Error     error
	Provider  string
	Permanent bool
	SentAt    time.Time
}

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
	Provider() string
}

func validate(msg *EmailMessage) error {
	if msg.Email == "" {
		return fmt.Errorf("message has no recipient")
	}
	if msg.FromEmail == "" {
		return fmt.Errorf("message has no from address")
	}
	if msg.Subject == "" && msg.HTMLBody == "" && msg.TextBody == "" {
		return fmt.Errorf("message is empty")
	}
	return nil
}
