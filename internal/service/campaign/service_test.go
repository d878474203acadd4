package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/queue"
	"github.com/mailgenius/dispatch/internal/ratelimit"
	"github.com/mailgenius/dispatch/internal/service/campaign"
	"github.com/mailgenius/dispatch/internal/template"
)

// memRepo is an in-memory campaign repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign // keyed by id
	leads     map[string][]domain.Recipient
}

func newMemRepo() *memRepo {
	return &memRepo{
		campaigns: make(map[string]*domain.Campaign),
		leads:     make(map[string][]domain.Recipient),
	}
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) ActiveRecipients(_ context.Context, workspaceID string, _ *string) ([]domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leads[workspaceID], nil
}

func (m *memRepo) BeginSending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	switch c.Status {
	case domain.CampaignDraft, domain.CampaignScheduled:
		c.Status = domain.CampaignSending
		now := time.Now()
		c.StartedAt = &now
		return nil
	case domain.CampaignSending:
		return campaign.ErrAlreadySending
	default:
		return fmt.Errorf("%w: status is %s", campaign.ErrNotSendable, c.Status)
	}
}

func (m *memRepo) RevertSending(_ context.Context, id string, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status == domain.CampaignSending {
		c.Status = to
		c.StartedAt = nil
	}
	return nil
}

func (m *memRepo) seed(c *domain.Campaign, recipients ...domain.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[cp.ID] = &cp
	m.leads[cp.WorkspaceID] = append(m.leads[cp.WorkspaceID], recipients...)
}

func (m *memRepo) status(id string) domain.CampaignStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

// stubQueue records enqueued jobs and can be primed to fail.
type stubQueue struct {
	mu   sync.Mutex
	jobs []queue.NewJob
	err  error
}

func (q *stubQueue) Enqueue(_ context.Context, req queue.NewJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, req)
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *stubQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// denyLimiter refuses every dispatch with a fixed retry-after.
type denyLimiter struct{ after time.Duration }

func (d denyLimiter) Check(_ context.Context, _, _ string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: d.after}, nil
}

// pausedGate simulates a backpressured queue.
type pausedGate struct{ depth int }

func (g pausedGate) IsPaused() bool  { return true }
func (g pausedGate) QueueDepth() int { return g.depth }

func testConfig() config.WorkerConfig {
	return config.WorkerConfig{DefaultBatchSize: 100, MaxJobRetries: 3}
}

func draftCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:          "camp-1",
		WorkspaceID: "ws-1",
		Name:        "Spring Launch",
		Subject:     "Hello {{ first_name }}",
		FromName:    "Growth",
		FromEmail:   "growth@acme.test",
		HTMLBody:    "<p>Hi {{ first_name }}</p>",
		TextBody:    "Hi {{ first_name }}",
		Status:      domain.CampaignDraft,
	}
}

func someRecipients(n int) []domain.Recipient {
	out := make([]domain.Recipient, n)
	for i := range out {
		out[i] = domain.Recipient{
			LeadID: fmt.Sprintf("lead-%d", i),
			Email:  fmt.Sprintf("user%d@example.com", i),
		}
	}
	return out
}

func TestSendDispatchesJob(t *testing.T) {
	repo := newMemRepo()
	repo.seed(draftCampaign(), someRecipients(3)...)
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

	jobID, err := svc.Send(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}
	if got := repo.status("camp-1"); got != domain.CampaignSending {
		t.Fatalf("expected sending, got %s", got)
	}
	if q.count() != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", q.count())
	}

	job := q.jobs[0]
	if job.WorkspaceID != "ws-1" || job.CampaignID != "camp-1" {
		t.Fatalf("job carries wrong identity: %+v", job)
	}
	if len(job.Payload.Recipients) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(job.Payload.Recipients))
	}
	if job.BatchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", job.BatchSize)
	}
	if job.MaxRetries != 3 {
		t.Fatalf("expected 3 max retries, got %d", job.MaxRetries)
	}
	if job.Payload.Tags["campaign_name"] != "Spring Launch" {
		t.Fatalf("expected campaign_name tag, got %v", job.Payload.Tags)
	}
}

func TestSendUsesCampaignBatchSize(t *testing.T) {
	repo := newMemRepo()
	c := draftCampaign()
	c.BatchSize = 250
	repo.seed(c, someRecipients(1)...)
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

	if _, err := svc.Send(context.Background(), "camp-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if q.jobs[0].BatchSize != 250 {
		t.Fatalf("expected batch size 250, got %d", q.jobs[0].BatchSize)
	}
}

func TestSendNotFound(t *testing.T) {
	svc := campaign.NewService(newMemRepo(), &stubQueue{}, nil, nil, template.NewEngine(), testConfig())
	_, err := svc.Send(context.Background(), "nonexistent")
	if err != campaign.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendAlreadySending(t *testing.T) {
	repo := newMemRepo()
	c := draftCampaign()
	c.Status = domain.CampaignSending
	repo.seed(c, someRecipients(1)...)
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

	_, err := svc.Send(context.Background(), "camp-1")
	if err != campaign.ErrAlreadySending {
		t.Fatalf("expected ErrAlreadySending, got %v", err)
	}
	if q.count() != 0 {
		t.Fatal("no job should be enqueued")
	}
}

func TestSendTerminalStatusRefused(t *testing.T) {
	for _, status := range []domain.CampaignStatus{
		domain.CampaignSent, domain.CampaignFailed, domain.CampaignCancelled,
	} {
		repo := newMemRepo()
		c := draftCampaign()
		c.Status = status
		repo.seed(c, someRecipients(1)...)
		q := &stubQueue{}
		svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

		_, err := svc.Send(context.Background(), "camp-1")
		if !errors.Is(err, campaign.ErrNotSendable) {
			t.Fatalf("status %s: expected ErrNotSendable, got %v", status, err)
		}
		if got := repo.status("camp-1"); got != status {
			t.Fatalf("status %s: campaign mutated to %s", status, got)
		}
	}
}

func TestSendNoRecipients(t *testing.T) {
	repo := newMemRepo()
	repo.seed(draftCampaign()) // no leads in the workspace
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

	_, err := svc.Send(context.Background(), "camp-1")
	if err != campaign.ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	if got := repo.status("camp-1"); got != domain.CampaignDraft {
		t.Fatalf("campaign should stay draft, got %s", got)
	}
	if q.count() != 0 {
		t.Fatal("no job should be enqueued")
	}
}

func TestSendBadTemplateRefused(t *testing.T) {
	repo := newMemRepo()
	c := draftCampaign()
	c.Subject = "{% if x %}unclosed"
	repo.seed(c, someRecipients(1)...)
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

	_, err := svc.Send(context.Background(), "camp-1")
	var te *campaign.TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected TemplateError, got %v", err)
	}
	if te.Field != "subject" {
		t.Fatalf("expected subject field, got %s", te.Field)
	}
	if got := repo.status("camp-1"); got != domain.CampaignDraft {
		t.Fatalf("campaign should stay draft, got %s", got)
	}
}

func TestSendPausedQueueDefers(t *testing.T) {
	repo := newMemRepo()
	repo.seed(draftCampaign(), someRecipients(1)...)
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, nil, pausedGate{depth: 150000}, template.NewEngine(), testConfig())

	_, err := svc.Send(context.Background(), "camp-1")
	if !errors.Is(err, campaign.ErrEnqueuePaused) {
		t.Fatalf("expected ErrEnqueuePaused, got %v", err)
	}
	if got := repo.status("camp-1"); got != domain.CampaignDraft {
		t.Fatalf("campaign should stay draft, got %s", got)
	}
}

func TestSendRateLimited(t *testing.T) {
	repo := newMemRepo()
	repo.seed(draftCampaign(), someRecipients(1)...)
	q := &stubQueue{}
	svc := campaign.NewService(repo, q, denyLimiter{after: 45 * time.Second}, nil, template.NewEngine(), testConfig())

	_, err := svc.Send(context.Background(), "camp-1")
	var rl *campaign.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 45*time.Second {
		t.Fatalf("expected 45s retry-after, got %s", rl.RetryAfter)
	}
	if q.count() != 0 {
		t.Fatal("no job should be enqueued")
	}
}

func TestSendRollsBackOnEnqueueFailure(t *testing.T) {
	for _, status := range []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled} {
		repo := newMemRepo()
		c := draftCampaign()
		c.Status = status
		repo.seed(c, someRecipients(2)...)
		q := &stubQueue{err: errors.New("insert failed")}
		svc := campaign.NewService(repo, q, nil, nil, template.NewEngine(), testConfig())

		_, err := svc.Send(context.Background(), "camp-1")
		if err == nil {
			t.Fatalf("status %s: expected enqueue error", status)
		}
		if got := repo.status("camp-1"); got != status {
			t.Fatalf("status %s: expected rollback to %s, got %s", status, status, got)
		}
	}
}
