package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailgenius/dispatch/internal/pkg/httputil"
)

// SendCampaign dispatches a campaign into the send queue. The 202 carries
// the job id; delivery happens asynchronously in the worker pools.
// POST /api/campaigns/{id}/send
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	jobID, err := h.campaigns.Send(r.Context(), campaignID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	httputil.Accepted(w, map[string]string{
		"campaign_id": campaignID,
		"job_id":      jobID,
		"status":      "queued",
	})
}
