package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNegativeNetWeight is returned when plate weight exceeds the gross
	// weight. Rejected at the edit boundary; never stored or transmitted.
	ErrNegativeNetWeight = errors.New("net food weight is negative")
	// ErrMissingFoodName is returned when a collection submission has no
	// food name.
	ErrMissingFoodName = errors.New("food name is required")
)

// SessionRecord is one persisted recognition session: the capture artifacts
// on disk plus the user's candidate selections.
type SessionRecord struct {
	SessionID           uuid.UUID
	PhotoPath           string
	CaptureJSONPath     string
	RecognitionJSONPath string
	Timestamp           time.Time
	// SelectedCandidates holds the per-result candidate choices made during
	// review, in result order. Empty means server defaults.
	SelectedCandidates []int
}

// NewSessionRecord creates a record for a completed recognition session.
func NewSessionRecord(sessionID uuid.UUID, photoPath, captureJSONPath, recognitionJSONPath string) *SessionRecord {
	return &SessionRecord{
		SessionID:           sessionID,
		PhotoPath:           photoPath,
		CaptureJSONPath:     captureJSONPath,
		RecognitionJSONPath: recognitionJSONPath,
		Timestamp:           time.Now(),
	}
}

/// EstimateCapture is one data-collection sample: capture artifacts plus the
// ground-truth weight labeling filled in before submission.
type EstimateCapture struct {
	SessionID           uuid.UUID
	PhotoPath           string
	AdditionalPhotoPath string
	BundleJSONPath      string
	Timestamp           time.Time
	IsSubmitted         bool
	// InitialWeight is the gross weight of plate plus food, in kilograms.
	InitialWeight float64
	// PlateWeight is the weight of the empty plate, in kilograms.
	PlateWeight float64
	FoodName    string
}

// NewEstimateCapture creates an unsubmitted capture with the weight
// measured at capture time.
func NewEstimateCapture(sessionID uuid.UUID, photoPath, bundleJSONPath string, initialWeight float64) *EstimateCapture {
	return &EstimateCapture{
		SessionID:      sessionID,
		PhotoPath:      photoPath,
		BundleJSONPath: bundleJSONPath,
		Timestamp:      time.Now(),
		InitialWeight:  initialWeight,
	}
}

// NetWeight is the food weight with the plate subtracted, in kilograms.
func (c *EstimateCapture) NetWeight() float64 {
	return c.InitialWeight - c.PlateWeight
}

// ValidateForSubmission checks the user-entered labeling before it may be
// persisted or uploaded.
func (c *EstimateCapture) ValidateForSubmission() error {
	if c.FoodName == "" {
		return ErrMissingFoodName
	}
	if c.NetWeight() < 0 {
		return fmt.Errorf("initial %.3fkg, plate %.3fkg: %w", c.InitialWeight, c.PlateWeight, ErrNegativeNetWeight)
	}
	return nil
}
