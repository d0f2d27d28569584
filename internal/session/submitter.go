package session

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/google/uuid"

	"github.com/canchenlee/foodscan/internal/backend"
	"github.com/canchenlee/foodscan/internal/store"
)

// Submitter uploads stored data-collection captures to the backend. It is
// the edit boundary for the labeling fields: invalid input is rejected
// before anything is persisted or transmitted.
type Submitter struct {
	connector *backend.Connector
	files     *store.FileStore
	captures  *store.EstimateCaptureRepo
	token     string
}

func NewSubmitter(connector *backend.Connector, files *store.FileStore, captures *store.EstimateCaptureRepo, token string) *Submitter {
	return &Submitter{connector: connector, files: files, captures: captures, token: token}
}

// AttachAdditionalPhoto stores the second capture angle for a saved
// estimate capture.
func (s *Submitter) AttachAdditionalPhoto(ctx context.Context, sessionID uuid.UUID, image []byte) error {
	capture, err := s.captures.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	name, err := s.files.Save(image, "jpg")
	if err != nil {
		return fmt.Errorf("saving additional photo: %w", err)
	}
	capture.AdditionalPhotoPath = name
	if err := s.captures.Update(ctx, capture); err != nil {
		return err
	}
	return nil
}

// Submit labels a stored capture with the food name and plate weight (in
// grams, as entered) and uploads it. The net weight must come out
// non-negative; otherwise the edit is refused and nothing changes.
func (s *Submitter) Submit(ctx context.Context, sessionID uuid.UUID, foodName, plateWeightText string) error {
	plateGrams, err := strconv.ParseFloat(plateWeightText, 64)
	if err != nil || plateGrams < 0 {
		return fmt.Errorf("plate weight %q: %w", plateWeightText, ErrWeightInput)
	}

	capture, err := s.captures.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	capture.FoodName = foodName
	capture.PlateWeight = plateGrams / 1000
	if err := capture.ValidateForSubmission(); err != nil {
		return err
	}

	image, err := s.files.Read(capture.PhotoPath)
	if err != nil {
		return fmt.Errorf("reading capture photo: %w", err)
	}
	additional, err := s.files.Read(capture.AdditionalPhotoPath)
	if err != nil {
		return fmt.Errorf("reading additional photo: %w", err)
	}
	peripheral, err := s.files.Read(capture.BundleJSONPath)
	if err != nil {
		return fmt.Errorf("reading sensor bundle: %w", err)
	}

	err = s.connector.SubmitDensityCollection(ctx, s.token, sessionID.String(), backend.CollectionSubmission{
		Peripheral:      peripheral,
		Image:           image,
		AdditionalImage: additional,
		FoodName:        capture.FoodName,
		Weight:          strconv.FormatFloat(capture.NetWeight(), 'f', 3, 64),
	})
	if err != nil {
		return err
	}

	capture.IsSubmitted = true
	if err := s.captures.Update(ctx, capture); err != nil {
		return fmt.Errorf("flagging submitted capture: %w", err)
	}
	log.Printf("[SESSION] %s: collection sample submitted (%s, net %.3fkg)",
		sessionID, capture.FoodName, capture.NetWeight())
	return nil
}
