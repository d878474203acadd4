package api

import (
	"net/http"

	"github.com/mailgenius/dispatch/internal/pkg/httputil"
)

// RateLimitUsage reports how much of the current window an identifier has
// consumed. An empty profile reads the default profile.
// GET /api/ratelimits/usage?identifier=...&profile=...
func (h *Handlers) RateLimitUsage(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		httputil.BadRequest(w, "identifier is required")
		return
	}
	name := r.URL.Query().Get("profile")

	used, err := h.limiter.Usage(r.Context(), identifier, name)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	profile := h.limiter.Profile(name)
	httputil.OK(w, map[string]any{
		"identifier":     identifier,
		"profile":        name,
		"used":           used,
		"limit":          profile.Limit,
		"window_seconds": profile.WindowSeconds,
	})
}

// ResetRateLimit clears an identifier's current window, typically after an
// operator resolves a provider incident mid-campaign.
// POST /api/ratelimits/reset
func (h *Handlers) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Profile    string `json:"profile"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		httputil.BadRequest(w, "identifier is required")
		return
	}

	cleared, err := h.limiter.Reset(r.Context(), req.Identifier, req.Profile)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"identifier": req.Identifier,
		"profile":    req.Profile,
		"cleared":    cleared,
	})
}
