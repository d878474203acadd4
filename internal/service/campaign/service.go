package campaign

import (
	"context"
	"fmt"
	"log"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/ratelimit"
	"github.com/mailgenius/dispatch/internal/template"
)

// enqueueRateProfile throttles how fast one workspace can dispatch
// campaigns, independent of the per-send limit.
const enqueueRateProfile = "campaign-enqueue"

// Enqueuer inserts a send job. Satisfied by queue.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.NewJob) (string, error)
}

// RateLimiter gates dispatch frequency. Satisfied by ratelimit.Limiter.
type RateLimiter interface {
	Check(ctx context.Context, identifier, name string) (ratelimit.Decision, error)
}

// Gate defers dispatch while the queue is too deep. Satisfied by
// worker.BackpressureMonitor.
type Gate interface {
	IsPaused() bool
	QueueDepth() int
}

// Service turns a campaign into a send job: validate, resolve the audience,
// flip the campaign to sending, and enqueue. All public methods are safe
// for concurrent use if the repository is.
type Service struct {
	repo      Repository
	queue     Enqueuer
	limiter   RateLimiter
	gate      Gate
	templates *template.Engine
	cfg       config.WorkerConfig
}

// NewService creates a campaign service. Limiter and gate may be nil, which
// disables dispatch throttling and backpressure deferral.
func NewService(repo Repository, q Enqueuer, limiter RateLimiter, gate Gate, templates *template.Engine, cfg config.WorkerConfig) *Service {
	return &Service{
		repo:      repo,
		queue:     q,
		limiter:   limiter,
		gate:      gate,
		templates: templates,
		cfg:       cfg,
	}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// Send dispatches a campaign: the campaign flips to sending and a job
// carrying the full recipient list lands in the queue. Refusals happen
// before any state changes; a failed enqueue rolls the status flip back, so
// a campaign is never left sending with no job behind it.
func (s *Service) Send(ctx context.Context, campaignID string) (string, error) {
	c, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return "", err
	}

	if c.Status == domain.CampaignSending {
		return "", ErrAlreadySending
	}
	if !c.Status.IsSendable() {
		return "", fmt.Errorf("%w: status is %s", ErrNotSendable, c.Status)
	}

	if err := s.validateTemplates(c); err != nil {
		return "", err
	}

	recipients, err := s.repo.ActiveRecipients(ctx, c.WorkspaceID, c.Segment)
	if err != nil {
		return "", fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	if s.gate != nil && s.gate.IsPaused() {
		return "", fmt.Errorf("%w (queue depth %d)", ErrEnqueuePaused, s.gate.QueueDepth())
	}

	if s.limiter != nil {
		d, err := s.limiter.Check(ctx, c.WorkspaceID, enqueueRateProfile)
		if err != nil {
			return "", fmt.Errorf("dispatch rate check: %w", err)
		}
		if !d.Allowed {
			return "", &RateLimitedError{RetryAfter: d.RetryAfter}
		}
	}

	if err := s.repo.BeginSending(ctx, campaignID); err != nil {
		return "", err
	}

	jobID, err := s.queue.Enqueue(ctx, queue.NewJob{
		WorkspaceID: c.WorkspaceID,
		CampaignID:  c.ID,
		Priority:    c.Priority,
		Payload: domain.JobPayload{
			Recipients: recipients,
			Subject:    c.Subject,
			HTMLBody:   c.HTMLBody,
			TextBody:   c.TextBody,
			FromName:   c.FromName,
			FromEmail:  c.FromEmail,
			ReplyTo:    c.ReplyTo,
			Tags:       map[string]string{"campaign_name": c.Name},
		},
		BatchSize:  s.batchSize(c),
		MaxRetries: s.cfg.MaxJobRetries,
	})
	if err != nil {
		if rbErr := s.repo.RevertSending(ctx, campaignID, c.Status); rbErr != nil {
			log.Printf("[campaign.Service] rollback of %s to %s failed: %v", campaignID, c.Status, rbErr)
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	log.Printf("[campaign.Service] campaign %s dispatched as job %s (%d recipients)",
		campaignID, jobID, len(recipients))
	return jobID, nil
}

// validateTemplates parses all three templates up front so a syntax error
// surfaces as a refusal instead of a storm of per-recipient failures.
func (s *Service) validateTemplates(c *domain.Campaign) error {
	if err := s.templates.Parse(c.Subject); err != nil {
		return &TemplateError{Field: "subject", Err: err}
	}
	if err := s.templates.Parse(c.HTMLBody); err != nil {
		return &TemplateError{Field: "html_body", Err: err}
	}
	if c.TextBody != "" {
		if err := s.templates.Parse(c.TextBody); err != nil {
			return &TemplateError{Field: "text_body", Err: err}
		}
	}
	return nil
}

func (s *Service) batchSize(c *domain.Campaign) int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return s.cfg.DefaultBatchSize
}
