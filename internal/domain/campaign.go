package domain

import "time"

// CampaignStatus enumerates campaign lifecycle states.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// IsSendable reports whether dispatch may start from this state.
func (s CampaignStatus) IsSendable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// IsTerminal reports whether the campaign reached a final state.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignSent || s == CampaignFailed || s == CampaignCancelled
}

// Campaign holds the content and delivery settings one send job is built
// from. Stats fields are populated by read queries, never written directly.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	WorkspaceID string         `json:"workspace_id" db:"workspace_id"`
	Name        string         `json:"name" db:"name"`
	Subject     string         `json:"subject" db:"subject"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	ReplyTo     string         `json:"reply_to" db:"reply_to"`
	HTMLBody    string         `json:"html_body" db:"html_body"`
	TextBody    string         `json:"text_body" db:"text_body"`
	Segment     *string        `json:"segment" db:"segment"`
	Status      CampaignStatus `json:"status" db:"status"`
	Priority    int            `json:"priority" db:"priority"`
	BatchSize   int            `json:"batch_size" db:"batch_size"`
	ScheduledAt *time.Time     `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// LeadStatus enumerates recipient list membership states. Only active leads
// receive campaign sends.
type LeadStatus string

const (
	LeadActive       LeadStatus = "active"
	LeadUnsubscribed LeadStatus = "unsubscribed"
	LeadBounced      LeadStatus = "bounced"
	LeadComplained   LeadStatus = "complained"
)

// Lead is one recipient row in a workspace list.
type Lead struct {
	ID           string            `json:"id" db:"id"`
	WorkspaceID  string            `json:"workspace_id" db:"workspace_id"`
	Email        string            `json:"email" db:"email"`
	FirstName    string            `json:"first_name" db:"first_name"`
	LastName     string            `json:"last_name" db:"last_name"`
	Status       LeadStatus        `json:"status" db:"status"`
	Segments     []string          `json:"segments" db:"segments"`
	CustomFields map[string]string `json:"custom_fields,omitempty" db:"custom_fields"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}
