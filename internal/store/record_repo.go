package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/canchenlee/foodscan/internal/models"
)

// SessionRecordRepo persists completed recognition sessions.
type SessionRecordRepo struct {
	db *DB
}

func NewSessionRecordRepo(db *DB) *SessionRecordRepo {
	return &SessionRecordRepo{db: db}
}

func (r *SessionRecordRepo) Create(ctx context.Context, record *models.SessionRecord) error {
	selections, err := json.Marshal(selectionsOrEmpty(record.SelectedCandidates))
	if err != nil {
		return fmt.Errorf("failed to marshal candidate selections: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO session_records (
			session_id, photo_path, capture_json_path, recognition_json_path,
			timestamp, selected_candidates
		) VALUES (?, ?, ?, ?, ?, ?)`

	_, err = r.db.conn.ExecContext(ctx, query,
		record.SessionID.String(),
		record.PhotoPath,
		record.CaptureJSONPath,
		record.RecognitionJSONPath,
		record.Timestamp,
		string(selections),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

// UpdateSelections stores the user's candidate choices for a session,
// flushed when the review screen is dismissed.
func (r *SessionRecordRepo) UpdateSelections(ctx context.Context, sessionID uuid.UUID, selections []int) error {
	data, err := json.Marshal(selectionsOrEmpty(selections))
	if err != nil {
		return fmt.Errorf("failed to marshal candidate selections: %w", err)
	}

	result, err := r.db.conn.ExecContext(ctx,
		`UPDATE session_records SET selected_candidates = ? WHERE session_id = ?`,
		string(data), sessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update candidate selections: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session record not found")
	}
	return nil
}

func (r *SessionRecordRepo) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecord, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT session_id, photo_path, capture_json_path, recognition_json_path,
			   timestamp, selected_candidates
		FROM session_records WHERE session_id = ?`, sessionID.String())

	record, err := scanSessionRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return record, nil
}

// List returns all session records, most recent first.
func (r *SessionRecordRepo) List(ctx context.Context) ([]*models.SessionRecord, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT session_id, photo_path, capture_json_path, recognition_json_path,
			   timestamp, selected_candidates
		FROM session_records ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var records []*models.SessionRecord
	for rows.Next() {
		record, err := scanSessionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *SessionRecordRepo) Delete(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.db.conn.ExecContext(ctx,
		`DELETE FROM session_records WHERE session_id = ?`, sessionID.String())
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRecord(row rowScanner) (*models.SessionRecord, error) {
	record := &models.SessionRecord{}
	var id, selections string
	if err := row.Scan(
		&id,
		&record.PhotoPath,
		&record.CaptureJSONPath,
		&record.RecognitionJSONPath,
		&record.Timestamp,
		&selections,
	); err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	record.SessionID = sessionID
	if err := json.Unmarshal([]byte(selections), &record.SelectedCandidates); err != nil {
		return nil, fmt.Errorf("invalid candidate selections: %w", err)
	}
	return record, nil
}

func selectionsOrEmpty(selections []int) []int {
	if selections == nil {
		return []int{}
	}
	return selections
}
