package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Call struct {
	ID             uuid.UUID       `db:"id"`
	CallSID        string          `db:"call_sid"`
	FromNumber     string          `db:"from_number"`
	ToNumber       string          `db:"to_number"`
	Direction      CallDirection   `db:"direction"`
	Status         CallStatus      `db:"status"`
	StartTime      time.Time       `db:"start_time"`
	EndTime        sql.NullTime    `db:"end_time"`
	Duration       sql.NullInt64   `db:"duration"`
	RecordingURL   sql.NullString  `db:"recording_url"`
	Transcription  TranscriptJSON  `db:"transcription"`
	Cost           sql.NullFloat64 `db:"cost"`
	Segments       sql.NullInt64   `db:"segments"`
	UltravoxCallID sql.NullString  `db:"ultravox_call_id"`
	UltravoxCost   sql.NullFloat64 `db:"ultravox_cost"`
	HangUpBy       sql.NullString  `db:"hang_up_by"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

type CreateCallParams struct {
	CallSID    string
	FromNumber string
	ToNumber   string
	Direction  CallDirection
	Status     CallStatus
	StartTime  time.Time
}

const sqlEnsureCall = `
INSERT INTO calls (call_sid, from_number, to_number, direction, status, start_time)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (call_sid) DO NOTHING`

// EnsureCall creates the calls row unless one already exists for the SID.
// Existing rows are left untouched.
func (s *Store) EnsureCall(ctx context.Context, params CreateCallParams) error {
	if params.StartTime.IsZero() {
		params.StartTime = time.Now().UTC()
	}
	if params.Direction == "" {
		params.Direction = CallDirectionInbound
	}
	if params.Status == "" {
		params.Status = CallStatusInProgress
	}

	_, err := s.db.ExecContext(ctx, sqlEnsureCall,
		params.CallSID,
		params.FromNumber,
		params.ToNumber,
		params.Direction,
		params.Status,
		params.StartTime)
	if err != nil {
		s.logger.Error(ctx, "failed to ensure call record", err)
		return fmt.Errorf("failed to ensure call record: %w", err)
	}
	return nil
}

// CallRecordUpdate is the final state of a bridged call.
type CallRecordUpdate struct {
	CallSID         string
	DurationSeconds int
	Transcript      TranscriptJSON
	EndTime         time.Time
	UltravoxCallID  string
	UltravoxCost    float64
	HangUpBy        string
}

const sqlUpdateCallRecord = `
UPDATE calls
SET duration = $1,
    transcription = $2,
    end_time = $3,
    ultravox_cost = $4,
    hang_up_by = $5,
    ultravox_call_id = NULLIF($6, ''),
    status = $7,
    updated_at = NOW()
WHERE call_sid = $8`

// UpdateCallRecord writes the finalized call. Writing the same update twice
// leaves the row unchanged apart from updated_at.
func (s *Store) UpdateCallRecord(ctx context.Context, update CallRecordUpdate) error {
	result, err := s.db.ExecContext(ctx, sqlUpdateCallRecord,
		update.DurationSeconds,
		update.Transcript,
		update.EndTime,
		update.UltravoxCost,
		update.HangUpBy,
		update.UltravoxCallID,
		CallStatusCompleted,
		update.CallSID)
	if err != nil {
		s.logger.Error(ctx, "failed to update call record", err)
		return fmt.Errorf("failed to update call record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		s.logger.Error(ctx, "failed to get rows affected", err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlUpdateCallStatus = `
UPDATE calls SET status = $1, updated_at = NOW() WHERE call_sid = $2`

func (s *Store) UpdateCallStatus(ctx context.Context, callSID string, status CallStatus) error {
	result, err := s.db.ExecContext(ctx, sqlUpdateCallStatus, status, callSID)
	if err != nil {
		s.logger.Error(ctx, "failed to update call status", err)
		return fmt.Errorf("failed to update call status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlListRecentCallsByNumber = `
SELECT * FROM calls
WHERE from_number = $1
  AND call_sid <> $2
  AND status = 'completed'
ORDER BY start_time DESC
LIMIT $3`

// ListRecentCallsByNumber returns the caller's latest completed calls, newest first.
func (s *Store) ListRecentCallsByNumber(ctx context.Context, fromNumber, excludeCallSID string, limit int) ([]Call, error) {
	var calls []Call
	err := s.db.SelectContext(ctx, &calls, sqlListRecentCallsByNumber, fromNumber, excludeCallSID, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to list recent calls by number", err)
		return nil, fmt.Errorf("failed to list recent calls by number: %w", err)
	}
	return calls, nil
}
