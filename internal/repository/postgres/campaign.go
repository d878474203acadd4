// Package postgres implements the service repository interfaces against
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mailgenius/dispatch/internal/domain"
	"github.com/mailgenius/dispatch/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, subject, from_name, from_email,
		       COALESCE(reply_to, ''), html_body, COALESCE(text_body, ''),
		       segment, status, priority, batch_size,
		       scheduled_at, started_at, completed_at, created_at, updated_at
		FROM campaigns
		WHERE id = $1`,
		id).Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLBody, &c.TextBody,
		&c.Segment, &c.Status, &c.Priority, &c.BatchSize,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// ActiveRecipients resolves the audience: active leads in the workspace,
// narrowed to the segment when one is set. Lead names and custom fields
// become the personalization variables; name fields win on collision.
func (r *CampaignRepo) ActiveRecipients(ctx context.Context, workspaceID string, segment *string) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), custom_fields
		FROM leads
		WHERE workspace_id = $1
		  AND status = 'active'
		  AND ($2::text IS NULL OR $2 = ANY(segments))
		ORDER BY created_at ASC`,
		workspaceID, segment)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			rcpt                domain.Recipient
			firstName, lastName string
			customFields        []byte
		)
		if err := rows.Scan(&rcpt.LeadID, &rcpt.Email, &firstName, &lastName, &customFields); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}

		vars := map[string]string{}
		if len(customFields) > 0 {
			if err := json.Unmarshal(customFields, &vars); err != nil {
				vars = map[string]string{}
			}
		}
		if firstName != "" {
			vars["first_name"] = firstName
		}
		if lastName != "" {
			vars["last_name"] = lastName
		}
		if len(vars) > 0 {
			rcpt.Vars = vars
		}
		out = append(out, rcpt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return out, nil
}

// BeginSending flips draft or scheduled to sending. The status list in the
// WHERE clause is the guard: of two concurrent dispatchers exactly one
// updates a row, and the loser resolves the current status to report why.
func (r *CampaignRepo) BeginSending(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = 'sending', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')`,
		id)
	if err != nil {
		return fmt.Errorf("begin sending: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status domain.CampaignStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return campaign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve status: %w", err)
	}
	if status == domain.CampaignSending {
		return campaign.ErrAlreadySending
	}
	return fmt.Errorf("%w: status is %s", campaign.ErrNotSendable, status)
}

// RevertSending rolls a failed dispatch back to its prior status. Only a
// sending campaign reverts, so a settle that happened in between wins.
func (r *CampaignRepo) RevertSending(ctx context.Context, id string, to domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`,
		id, to)
	if err != nil {
		return fmt.Errorf("revert sending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}
