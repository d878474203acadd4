package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mailgenius/dispatch/internal/pkg/httputil"
	"github.com/mailgenius/dispatch/internal/service/campaign"
)

// writeDispatchError maps campaign dispatch failures onto HTTP statuses.
// Anything unrecognized is an infrastructure fault and stays opaque to the
// client.
func writeDispatchError(w http.ResponseWriter, err error) {
	var (
		tmplErr *campaign.TemplateError
		rlErr   *campaign.RateLimitedError
	)
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, campaign.ErrNotSendable), errors.Is(err, campaign.ErrAlreadySending):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients):
		httputil.BadRequest(w, err.Error())
	case errors.As(err, &tmplErr):
		httputil.BadRequest(w, err.Error())
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rlErr.RetryAfter)))
		httputil.Error(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, campaign.ErrEnqueuePaused):
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// retryAfterSeconds rounds a wait up to whole seconds for the Retry-After
// header. Sub-second waits still advertise one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
