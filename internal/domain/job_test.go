package domain

import "testing"

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobCompleted, false},
		{JobPending, JobFailed, false},
		{JobPending, JobRetrying, false},

		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobRetrying, true},
		{JobProcessing, JobCancelled, true},
		{JobProcessing, JobPending, false},

		{JobRetrying, JobProcessing, true},
		{JobRetrying, JobCancelled, true},
		{JobRetrying, JobCompleted, false},
		{JobRetrying, JobPending, false},

		{JobCompleted, JobProcessing, false},
		{JobCompleted, JobPending, false},
		{JobCompleted, JobCancelled, false},
		{JobFailed, JobProcessing, false},
		{JobFailed, JobCancelled, false},
		{JobCancelled, JobProcessing, false},
		{JobCancelled, JobPending, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		if got != tt.allowed {
			t.Errorf("%s -> %s: CanTransitionTo = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}

	live := []JobStatus{JobPending, JobProcessing, JobRetrying}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{JobID: "j-1", From: JobCompleted, To: JobProcessing}
	want := "job j-1: invalid transition completed -> processing"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name      string
		processed int
		failed    int
		total     int
		want      int
	}{
		{"empty", 0, 0, 0, 0},
		{"zero done", 0, 0, 100, 0},
		{"half", 50, 0, 100, 50},
		{"mixed", 30, 20, 100, 50},
		{"rounds up", 2, 0, 3, 67},
		{"rounds down", 1, 0, 3, 33},
		{"complete", 90, 10, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &ProgressRecord{ProcessedItems: tt.processed, FailedItems: tt.failed, TotalItems: tt.total}
			if got := p.Percent(); got != tt.want {
				t.Errorf("Percent() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCampaignStatusSendable(t *testing.T) {
	sendable := []CampaignStatus{CampaignDraft, CampaignScheduled}
	for _, s := range sendable {
		if !s.IsSendable() {
			t.Errorf("%s.IsSendable() = false, want true", s)
		}
	}

	notSendable := []CampaignStatus{CampaignSending, CampaignSent, CampaignFailed, CampaignCancelled}
	for _, s := range notSendable {
		if s.IsSendable() {
			t.Errorf("%s.IsSendable() = true, want false", s)
		}
	}
}
