package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mailgenius/dispatch/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func testPayload(n int) domain.JobPayload {
	recipients := make([]domain.Recipient, n)
	for i := range recipients {
		recipients[i] = domain.Recipient{
			LeadID: "lead-" + string(rune('a'+i%26)),
			Email:  "user@example.com",
		}
	}
	return domain.JobPayload{
		Recipients: recipients,
		Subject:    "Hello",
		HTMLBody:   "<p>Hi {{ first_name }}</p>",
		FromName:   "Acme",
		FromEmail:  "news@acme.test",
	}
}

func TestEnqueueValidation(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	ctx := context.Background()

	tests := []struct {
		name string
		req  NewJob
	}{
		{
			name: "empty recipients",
			req:  NewJob{Payload: domain.JobPayload{}, BatchSize: 100},
		},
		{
			name: "zero batch size",
			req:  NewJob{Payload: testPayload(10), BatchSize: 0},
		},
		{
			name: "negative batch size",
			req:  NewJob{Payload: testPayload(10), BatchSize: -5},
		},
		{
			name: "negative max retries",
			req:  NewJob{Payload: testPayload(10), BatchSize: 100, MaxRetries: -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Enqueue(ctx, tt.req)
			if err == nil {
				t.Fatal("Enqueue() expected error, got nil")
			}
			if !IsValidation(err) {
				t.Errorf("Enqueue() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestEnqueueInsertsJobBatchesProgress(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_batches").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO progress_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// 250 recipients at size 100 split into 3 batches
	id, err := store.Enqueue(context.Background(), NewJob{
		WorkspaceID: "ws-1",
		CampaignID:  "camp-1",
		Payload:     testPayload(250),
		BatchSize:   100,
		MaxRetries:  3,
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if id == "" {
		t.Error("Enqueue() returned empty job id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestEnqueueRollsBackOnBatchInsertFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO job_batches").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Enqueue(context.Background(), NewJob{
		Payload:   testPayload(10),
		BatchSize: 5,
	})
	if err == nil {
		t.Fatal("Enqueue() expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func claimRows(t *testing.T, jobID string, status domain.JobStatus) *sqlmock.Rows {
	t.Helper()
	payload, err := json.Marshal(testPayload(3))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "campaign_id", "status", "priority", "payload",
		"batch_size", "total_recipients", "max_retries", "retry_count",
		"scheduled_at", "started_at", "completed_at",
		"error_message", "claimed_by", "claimed_at",
		"created_at", "updated_at",
	}).AddRow(
		jobID, "ws-1", "camp-1", string(status), 5, payload,
		100, 3, 3, 0,
		nil, now, nil,
		"", "worker-1", now,
		now, now,
	)
}

func TestClaimNextReturnsJob(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1").
		WillReturnRows(claimRows(t, "job-1", domain.JobProcessing))

	job, err := store.ClaimNext(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNext() returned nil job")
	}
	if job.ID != "job-1" {
		t.Errorf("job.ID = %s, want job-1", job.ID)
	}
	if job.Status != domain.JobProcessing {
		t.Errorf("job.Status = %s, want processing", job.Status)
	}
	if len(job.Payload.Recipients) != 3 {
		t.Errorf("recipients = %d, want 3", len(job.Payload.Recipients))
	}
}

func TestClaimNextEmptyQueueReturnsNil(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1").
		WillReturnError(sql.ErrNoRows)

	job, err := store.ClaimNext(context.Background(), "worker-1")
	if err != nil {
		t.Errorf("ClaimNext() on empty queue should not error, got: %v", err)
	}
	if job != nil {
		t.Errorf("ClaimNext() on empty queue = %+v, want nil", job)
	}
}

func TestUpdateStatusValidTransition(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateStatus(context.Background(), "job-1", domain.JobCompleted, "")
	if err != nil {
		t.Errorf("UpdateStatus() error: %v", err)
	}
}

func TestUpdateStatusInvalidTransition(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	// Guarded update touches no rows, then the lookup reveals the job is
	// already completed.
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := store.UpdateStatus(context.Background(), "job-1", domain.JobProcessing, "")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("UpdateStatus() error = %v, want InvalidTransitionError", err)
	}
	if invalid.From != domain.JobCompleted || invalid.To != domain.JobProcessing {
		t.Errorf("transition error = %s -> %s, want completed -> processing", invalid.From, invalid.To)
	}
}

func TestUpdateStatusUnknownStatus(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	err := store.UpdateStatus(context.Background(), "job-1", domain.JobStatus("sideways"), "")
	if !IsValidation(err) {
		t.Errorf("UpdateStatus() error = %v, want ValidationError", err)
	}
}

func TestUpdateStatusJobNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	err := store.UpdateStatus(context.Background(), "missing", domain.JobCancelled, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}

func TestCancelVoidsScheduledRetries(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE retry_entries").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE progress_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Cancel(context.Background(), "job-1"); err != nil {
		t.Errorf("Cancel() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := store.Cancel(context.Background(), "job-1")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("Cancel() error = %v, want InvalidTransitionError", err)
	}
	if invalid.From != domain.JobCompleted {
		t.Errorf("invalid.From = %s, want completed", invalid.From)
	}
}

func TestRequeueNotRequeueable(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := store.Requeue(context.Background(), "job-1")
	if !errors.Is(err, ErrNotRequeueable) {
		t.Errorf("Requeue() error = %v, want ErrNotRequeueable", err)
	}
}

func TestRequeueResetsBatchesAndProgress(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE job_batches").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE progress_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Requeue(context.Background(), "job-1"); err != nil {
		t.Errorf("Requeue() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectQuery("DELETE FROM jobs").
		WithArgs(30).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	removed, err := store.CleanupOlderThan(context.Background(), 30)
	if err != nil {
		t.Fatalf("CleanupOlderThan() error: %v", err)
	}
	if removed != 42 {
		t.Errorf("CleanupOlderThan() = %d, want 42", removed)
	}
}

func TestCleanupOlderThanRejectsNonPositive(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	for _, days := range []int{0, -7} {
		if _, err := store.CleanupOlderThan(context.Background(), days); !IsValidation(err) {
			t.Errorf("CleanupOlderThan(%d) error = %v, want ValidationError", days, err)
		}
	}
}

func TestFinalizeNotReadyReturnsEmpty(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	// Open batches or live retries keep the guarded update from matching.
	mock.ExpectQuery("UPDATE jobs").
		WillReturnError(sql.ErrNoRows)

	status, err := store.Finalize(context.Background(), "job-1")
	if err != nil {
		t.Errorf("Finalize() error: %v", err)
	}
	if status != "" {
		t.Errorf("Finalize() = %q, want empty status", status)
	}
}

func TestFinalizeCompletesCleanJob(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectQuery("UPDATE jobs").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectExec("UPDATE progress_records").
		WithArgs("job-1", "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := store.Finalize(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if status != domain.JobCompleted {
		t.Errorf("Finalize() = %s, want completed", status)
	}
}

func TestTransitionSourcesMatchDomainGraph(t *testing.T) {
	// Every source the SQL guard allows must be legal in the domain graph,
	// and vice versa.
	for _, next := range []domain.JobStatus{
		domain.JobPending, domain.JobProcessing, domain.JobCompleted,
		domain.JobFailed, domain.JobRetrying, domain.JobCancelled,
	} {
		sources := transitionSources(next)
		for _, from := range sources {
			if !domain.JobStatus(from).CanTransitionTo(next) {
				t.Errorf("transitionSources(%s) includes illegal source %s", next, from)
			}
		}
	}

	// Spot-check the edges the graph is built around.
	processing := transitionSources(domain.JobProcessing)
	want := map[string]bool{"pending": true, "retrying": true}
	if len(processing) != len(want) {
		t.Fatalf("sources for processing = %v, want pending and retrying", processing)
	}
	for _, s := range processing {
		if !want[s] {
			t.Errorf("unexpected source %s for processing", s)
		}
	}
}
