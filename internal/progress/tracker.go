// Package progress tracks long-running operations in Postgres. Counters
// only move by additive SQL increments, so concurrent updaters and
// interrupted runs can never regress a record, and percent-done is derived,
// never stored.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailgenius/dispatch/internal/domain"
)

// ErrNotFound is returned when no progress record has the requested id.
var ErrNotFound = errors.New("progress record not found")

// ErrStillRunning is returned when Remove targets a record that has not
// finished yet.
var ErrStillRunning = errors.New("progress record still running")

// Tracker reads and writes progress_records.
type Tracker struct {
	db *sql.DB
}

// NewTracker wraps an open database handle.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Create opens a running record and returns its id. When id is empty a new
// one is generated; send jobs pass their job id so job and progress share a
// key.
func (t *Tracker) Create(ctx context.Context, id string, typ domain.ProgressType, ownerID string, totalItems int, metadata map[string]string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO progress_records (id, type, owner_id, status, total_items, metadata, start_time)
		VALUES ($1, $2, $3, 'running', $4, $5, NOW())`,
		id, typ, ownerID, totalItems, meta)
	if err != nil {
		return "", fmt.Errorf("create progress record: %w", err)
	}
	return id, nil
}

// Get returns one record.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.ProgressRecord, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, type, owner_id, status, total_items, processed_items, failed_items,
		       COALESCE(message, ''), metadata, start_time, end_time
		FROM progress_records
		WHERE id = $1`,
		id)
	return scanRecord(row)
}

// ForOwner returns the owner's records, newest first.
func (t *Tracker) ForOwner(ctx context.Context, ownerID string, limit int) ([]domain.ProgressRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, type, owner_id, status, total_items, processed_items, failed_items,
		       COALESCE(message, ''), metadata, start_time, end_time
		FROM progress_records
		WHERE owner_id = $1
		ORDER BY start_time DESC
		LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list progress records: %w", err)
	}
	defer rows.Close()

	var records []domain.ProgressRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.ProgressRecord, error) {
	var (
		rec  domain.ProgressRecord
		meta []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Type, &rec.OwnerID, &rec.Status,
		&rec.TotalItems, &rec.ProcessedItems, &rec.FailedItems,
		&rec.Message, &meta, &rec.StartTime, &rec.EndTime,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan progress record: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// Increment adds to the counters. Negative deltas are rejected; going
// backwards is reserved for an explicit owner-driven reset.
func (t *Tracker) Increment(ctx context.Context, id string, processed, failed int) error {
	if processed < 0 || failed < 0 {
		return fmt.Errorf("progress increment must not be negative: processed=%d failed=%d", processed, failed)
	}
	if processed == 0 && failed == 0 {
		return nil
	}

	res, err := t.db.ExecContext(ctx, `
		UPDATE progress_records
		SET processed_items = processed_items + $2,
		    failed_items = failed_items + $3
		WHERE id = $1`,
		id, processed, failed)
	if err != nil {
		return fmt.Errorf("increment progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessage replaces the human-readable status line.
func (t *Tracker) SetMessage(ctx context.Context, id, message string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE progress_records SET message = $2 WHERE id = $1`,
		id, message)
	if err != nil {
		return fmt.Errorf("set progress message: %w", err)
	}
	return nil
}

// Finish closes a running record with a final status and message. Records
// already closed are left alone, so a late worker cannot overwrite an
// operator's cancellation.
func (t *Tracker) Finish(ctx context.Context, id string, status domain.ProgressStatus, message string) error {
	if status == domain.ProgressRunning {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}

	res, err := t.db.ExecContext(ctx, `
		UPDATE progress_records
		SET status = $2, message = $3, end_time = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, status, message)
	if err != nil {
		return fmt.Errorf("finish progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, err := t.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status == domain.ProgressRunning {
			return fmt.Errorf("finish progress %s: update matched no rows", id)
		}
		return nil
	}
	return nil
}

// Delete removes records for retention cleanup. Running records are kept.
func (t *Tracker) Delete(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", olderThanDays)
	}

	res, err := t.db.ExecContext(ctx, `
		DELETE FROM progress_records
		WHERE status <> 'running'
		  AND end_time < NOW() - ($1 || ' days')::interval`,
		olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("delete progress records: %w", err)
	}
	return res.RowsAffected()
}

// Remove deletes one record. Running records are refused; finish or cancel
// the owner first.
func (t *Tracker) Remove(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx, `
		DELETE FROM progress_records
		WHERE id = $1 AND status <> 'running'`,
		id)
	if err != nil {
		return fmt.Errorf("remove progress record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status domain.ProgressStatus
	err = t.db.QueryRowContext(ctx, `SELECT status FROM progress_records WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove progress record: %w", err)
	}
	return ErrStillRunning
}
