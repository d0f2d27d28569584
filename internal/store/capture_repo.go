package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/canchenlee/foodscan/internal/models"
)

// EstimateCaptureRepo persists data-collection captures between the capture
// step and their eventual submission.
type EstimateCaptureRepo struct {
	db *DB
}

func NewEstimateCaptureRepo(db *DB) *EstimateCaptureRepo {
	return &EstimateCaptureRepo{db: db}
}

func (r *EstimateCaptureRepo) Create(ctx context.Context, capture *models.EstimateCapture) error {
	query := `
		INSERT OR REPLACE INTO estimate_captures (
			session_id, photo_path, additional_photo_path, bundle_json_path,
			timestamp, is_submitted, initial_weight, plate_weight, food_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.conn.ExecContext(ctx, query,
		capture.SessionID.String(),
		capture.PhotoPath,
		capture.AdditionalPhotoPath,
		capture.BundleJSONPath,
		capture.Timestamp,
		capture.IsSubmitted,
		capture.InitialWeight,
		capture.PlateWeight,
		capture.FoodName,
	)
	if err != nil {
		return fmt.Errorf("failed to insert estimate capture: %w", err)
	}
	return nil
}

// Update rewrites the mutable labeling fields and the submission flag.
func (r *EstimateCaptureRepo) Update(ctx context.Context, capture *models.EstimateCapture) error {
	result, err := r.db.conn.ExecContext(ctx, `
		UPDATE estimate_captures
		SET additional_photo_path = ?, is_submitted = ?, plate_weight = ?, food_name = ?
		WHERE session_id = ?`,
		capture.AdditionalPhotoPath,
		capture.IsSubmitted,
		capture.PlateWeight,
		capture.FoodName,
		capture.SessionID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update estimate capture: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("estimate capture not found")
	}
	return nil
}

func (r *EstimateCaptureRepo) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*models.EstimateCapture, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT session_id, photo_path, additional_photo_path, bundle_json_path,
			   timestamp, is_submitted, initial_weight, plate_weight, food_name
		FROM estimate_captures WHERE session_id = ?`, sessionID.String())

	capture, err := scanEstimateCapture(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("estimate capture not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get estimate capture: %w", err)
	}
	return capture, nil
}

// List returns all captures, most recent first. Submitted captures are
// included; presentation decides how to show them.
func (r *EstimateCaptureRepo) List(ctx context.Context) ([]*models.EstimateCapture, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT session_id, photo_path, additional_photo_path, bundle_json_path,
			   timestamp, is_submitted, initial_weight, plate_weight, food_name
		FROM estimate_captures ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list estimate captures: %w", err)
	}
	defer rows.Close()

	var captures []*models.EstimateCapture
	for rows.Next() {
		capture, err := scanEstimateCapture(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan estimate capture: %w", err)
		}
		captures = append(captures, capture)
	}
	return captures, rows.Err()
}

// Delete removes the record and, when files is non-nil, the artifacts it
// points at.
func (r *EstimateCaptureRepo) Delete(ctx context.Context, sessionID uuid.UUID, files *FileStore) error {
	if files != nil {
		capture, err := r.GetBySessionID(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, name := range []string{capture.PhotoPath, capture.AdditionalPhotoPath, capture.BundleJSONPath} {
			if err := files.Remove(name); err != nil {
				return fmt.Errorf("failed to remove capture file: %w", err)
			}
		}
	}

	_, err := r.db.conn.ExecContext(ctx,
		`DELETE FROM estimate_captures WHERE session_id = ?`, sessionID.String())
	if err != nil {
		return fmt.Errorf("failed to delete estimate capture: %w", err)
	}
	return nil
}

func scanEstimateCapture(row rowScanner) (*models.EstimateCapture, error) {
	capture := &models.EstimateCapture{}
	var id string
	if err := row.Scan(
		&id,
		&capture.PhotoPath,
		&capture.AdditionalPhotoPath,
		&capture.BundleJSONPath,
		&capture.Timestamp,
		&capture.IsSubmitted,
		&capture.InitialWeight,
		&capture.PlateWeight,
		&capture.FoodName,
	); err != nil {
		return nil, err
	}
	sessionID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	capture.SessionID = sessionID
	return capture, nil
}
