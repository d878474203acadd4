package campaign

import (
	"context"

	"github.com/mailgenius/dispatch/internal/domain"
)

// Repository is the data access contract for campaign dispatch.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// ActiveRecipients resolves the campaign's audience: active leads in the
	// workspace, narrowed to a segment when one is set, with personalization
	// variables ready for rendering.
	ActiveRecipients(ctx context.Context, workspaceID string, segment *string) ([]domain.Recipient, error)

	// BeginSending flips draft or scheduled to sending. The flip is guarded
	// so two concurrent dispatchers cannot both win; the loser gets
	// ErrAlreadySending (or ErrNotSendable when the campaign moved to a
	// terminal state in between).
	BeginSending(ctx context.Context, id string) error

	// RevertSending rolls a sending campaign back after a failed enqueue.
	RevertSending(ctx context.Context, id string, to domain.CampaignStatus) error
}
