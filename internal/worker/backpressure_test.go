package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mailgenius/dispatch/internal/config"
	"github.com/mailgenius/dispatch/internal/queue"
)

func depthRows(n int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func TestBackpressureHysteresis(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	bp := NewBackpressureMonitor(queue.NewStore(db), config.QueueConfig{MaxDepth: 1000, ResumeFraction: 0.5})
	ctx := context.Background()

	steps := []struct {
		depth      int
		wantPaused bool
	}{
		{100, false},
		{1000, true}, // at the threshold
		{700, true},  // inside the band: stays paused
		{499, false}, // below the resume line
		{999, false}, // inside the band: stays resumed
		{1500, true},
	}
	for _, s := range steps {
		mock.ExpectQuery("SELECT COUNT").WillReturnRows(depthRows(s.depth))
		bp.check(ctx)
		if bp.IsPaused() != s.wantPaused {
			t.Errorf("depth %d: paused = %v, want %v", s.depth, bp.IsPaused(), s.wantPaused)
		}
		if bp.QueueDepth() != s.depth {
			t.Errorf("depth %d not recorded, got %d", s.depth, bp.QueueDepth())
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBackpressureKeepsStateOnError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	bp := NewBackpressureMonitor(queue.NewStore(db), config.QueueConfig{MaxDepth: 100, ResumeFraction: 0.5})
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(depthRows(100))
	bp.check(ctx)
	if !bp.IsPaused() {
		t.Fatal("monitor should pause at the threshold")
	}

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("db down"))
	bp.check(ctx)
	if !bp.IsPaused() {
		t.Error("a failed depth check must not clear the flag")
	}
}

func TestBackpressureDefaults(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	bp := NewBackpressureMonitor(queue.NewStore(db), config.QueueConfig{})
	if bp.maxDepth != 100000 || bp.resumeBelow != 50000 {
		t.Errorf("defaults = %d/%d, want 100000/50000", bp.maxDepth, bp.resumeBelow)
	}
}
