package sender

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/pkg/logger"
)

// LogSender accepts every message and writes it to the log. Development
// and staging default; nothing leaves the box.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender() *LogSender {
	return &LogSender{log: logger.New("logsender")}
}

func (s *LogSender) Provider() string { return "log" }

// Send logs the message and reports success.
func (s *LogSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	if err := validate(msg); err != nil {
		return &SendResult{Error: err, Provider: "log", Permanent: true}, nil
	}

	s.log.Info("send",
		"email", msg.Email,
		"subject", msg.Subject,
		"job_id", msg.JobID,
		"campaign_id", msg.CampaignID,
	)

	return &SendResult{
		Success:   true,
		MessageID: uuid.New().String(),
		Provider:  "log",
		SentAt:    time.Now(),
	}, nil
}

// New builds the sender named by the config. Unknown providers fall back
// to the log sender so a bad deploy cannot silently hit a real provider.
func New(cfg config.SenderConfig) (Sender, error) {
	switch cfg.Provider {
	case "ses":
		return NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	case "api":
		return NewAPISender(cfg.API), nil
	default:
		return NewLogSender(), nil
	}
}
