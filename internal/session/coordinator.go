package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/canchenlee/foodscan/internal/backend"
	"github.com/canchenlee/foodscan/internal/bundle"
	"github.com/canchenlee/foodscan/internal/capture"
	"github.com/canchenlee/foodscan/internal/models"
	"github.com/canchenlee/foodscan/internal/recognition"
	"github.com/canchenlee/foodscan/internal/store"
)

// State is the capture session state. The capture trigger is available only
// in Idle; every other state gates it.
type State int32

const (
	Idle State = iota
	Capturing
	Encoding
	Uploading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Encoding:
		return "encoding"
	case Uploading:
		return "uploading"
	default:
		return "unknown"
	}
}

// Mode selects the workflow a coordinator drives.
type Mode int

const (
	// Recognize uploads each capture for nutrition estimation.
	Recognize Mode = iota
	// Collect saves each capture locally as a labeled training sample for
	// later submission.
	Collect
)

// ErrWeightInput is returned when the user-entered weight text is not a
// non-negative number. Rejected before any persistence or network use.
var ErrWeightInput = errors.New("weight input must be a non-negative number")

// Sink receives session outcomes. All calls are made from the coordination
// goroutine; implementations hand off to their own context as needed.
type Sink interface {
	// RecognitionReady delivers the parsed result of a successful
	// recognition session.
	RecognitionReady(sessionID uuid.UUID, result *recognition.SessionResult)
	// CaptureSaved reports a locally saved data-collection capture.
	CaptureSaved(capture *models.EstimateCapture)
	// SessionFailed reports the single user-visible error of a failed
	// session. The coordinator has already returned to Idle.
	SessionFailed(sessionID uuid.UUID, err error)
}

// WeightPrompt supplies the gross weight, in grams, of the plated food for
// a data-collection capture. Blocking is expected: the session stays out of
// Idle until the prompt returns. ok=false means the user cancelled.
type WeightPrompt interface {
	RequestWeight() (text string, ok bool)
}

// Coordinator drives one capture workflow: capture, encode, then upload or
// local save. All state transitions run on a single coordination goroutine,
// so there is at most one capture in flight and no locking around the state
// itself.
type Coordinator struct {
	mode      Mode
	manager   *capture.Manager
	connector *backend.Connector
	files     *store.FileStore
	records   *store.SessionRecordRepo
	captures  *store.EstimateCaptureRepo
	sink      Sink
	prompt    WeightPrompt
	token     string

	state atomic.Int32
	tasks chan func()
	quit  chan struct{}
}

// Config collects the coordinator's collaborators. Records is required in
// Recognize mode; Captures and Prompt in Collect mode.
type Config struct {
	Mode      Mode
	Manager   *capture.Manager
	Connector *backend.Connector
	Files     *store.FileStore
	Records   *store.SessionRecordRepo
	Captures  *store.EstimateCaptureRepo
	Sink      Sink
	Prompt    WeightPrompt
	Token     string
}

// NewCoordinator creates a coordinator and starts its coordination
// goroutine. Call Close when done.
func NewCoordinator(config Config) *Coordinator {
	c := &Coordinator{
		mode:      config.Mode,
		manager:   config.Manager,
		connector: config.Connector,
		files:     config.Files,
		records:   config.Records,
		captures:  config.Captures,
		sink:      config.Sink,
		prompt:    config.Prompt,
		token:     config.Token,
		tasks:     make(chan func(), 16),
		quit:      make(chan struct{}),
	}
	go c.loop()
	return c
}

// Close stops the coordination goroutine. In-flight work completes but its
// callbacks are dropped, mirroring a dismissed capture screen.
func (c *Coordinator) Close() {
	close(c.quit)
}

// State returns the current session state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Available reports whether a capture trigger would be accepted.
func (c *Coordinator) Available() bool {
	return c.State() == Idle
}

// TriggerCapture requests one capture. Triggers arriving while the session
// is not Idle are dropped; at most one capture is in flight.
func (c *Coordinator) TriggerCapture(ctx context.Context) {
	c.enqueue(func() { c.handleTrigger(ctx) })
}

func (c *Coordinator) loop() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.quit:
			return
		}
	}
}

func (c *Coordinator) enqueue(task func()) {
	select {
	case c.tasks <- task:
	case <-c.quit:
	}
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) handleTrigger(ctx context.Context) {
	if c.State() != Idle {
		log.Printf("[SESSION] Capture trigger ignored in state %s", c.State())
		return
	}
	sessionID := uuid.New()
	c.setState(Capturing)
	log.Printf("[SESSION] %s: capture started", sessionID)

	c.manager.CaptureImage(ctx, func(output capture.Output, err error) {
		c.enqueue(func() { c.handleCaptured(ctx, sessionID, output, err) })
	})
}

func (c *Coordinator) handleCaptured(ctx context.Context, sessionID uuid.UUID, output capture.Output, err error) {
	if err != nil {
		c.fail(sessionID, fmt.Errorf("capture: %w", err))
		return
	}
	c.setState(Encoding)

	b := &bundle.CaptureBundle{
		Image:       output.Image,
		Depth:       output.Depth,
		Calibration: output.Calibration,
		Attitude:    output.Attitude,
		SessionID:   sessionID,
	}
	go func() {
		artifacts, err := c.encodeAndPersist(b)
		c.enqueue(func() { c.handleEncoded(ctx, sessionID, artifacts, err) })
	}()
}

// encodedArtifacts are the two files produced by the Encoding state, plus
// the raw bytes kept for the upload.
type encodedArtifacts struct {
	peripheral     []byte
	image          []byte
	peripheralPath string
	imagePath      string
}

// encodeAndPersist runs the JSON and JPEG persistence concurrently and
// joins both; a failure on either side fails the whole step and removes
// whatever the other side wrote.
func (c *Coordinator) encodeAndPersist(b *bundle.CaptureBundle) (encodedArtifacts, error) {
	var artifacts encodedArtifacts
	artifacts.image = b.Image

	var group errgroup.Group
	group.Go(func() error {
		data, err := bundle.Encode(b.Depth, b.Calibration, b.Attitude)
		if err != nil {
			return err
		}
		name, err := c.files.Save(data, "json")
		if err != nil {
			return err
		}
		artifacts.peripheral = data
		artifacts.peripheralPath = name
		return nil
	})
	group.Go(func() error {
		name, err := c.files.Save(b.Image, "jpg")
		if err != nil {
			return err
		}
		artifacts.imagePath = name
		return nil
	})

	if err := group.Wait(); err != nil {
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath)
		return encodedArtifacts{}, fmt.Errorf("encoding capture: %w", err)
	}
	return artifacts, nil
}

func (c *Coordinator) handleEncoded(ctx context.Context, sessionID uuid.UUID, artifacts encodedArtifacts, err error) {
	if err != nil {
		c.fail(sessionID, err)
		return
	}

	switch c.mode {
	case Recognize:
		c.setState(Uploading)
		go func() {
			result, err := c.connector.GetRecognitionResult(
				ctx, c.token, sessionID.String(), artifacts.peripheral, artifacts.image)
			c.enqueue(func() { c.handleRecognized(ctx, sessionID, artifacts, result, err) })
		}()
	case Collect:
		// The prompt blocks on the user; keep the loop responsive and the
		// session gated until the answer arrives.
		go func() {
			text, ok := c.prompt.RequestWeight()
			c.enqueue(func() { c.handleWeightEntered(ctx, sessionID, artifacts, text, ok) })
		}()
	}
}

func (c *Coordinator) handleRecognized(
	ctx context.Context,
	sessionID uuid.UUID,
	artifacts encodedArtifacts,
	result *recognition.SessionResult,
	err error,
) {
	if err != nil {
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath)
		c.fail(sessionID, err)
		return
	}

	recognitionPath, err := c.files.Save(result.Raw, "json")
	if err != nil {
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath)
		c.fail(sessionID, fmt.Errorf("persisting recognition response: %w", err))
		return
	}
	record := models.NewSessionRecord(sessionID, artifacts.imagePath, artifacts.peripheralPath, recognitionPath)
	if err := c.records.Create(ctx, record); err != nil {
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath, recognitionPath)
		c.fail(sessionID, fmt.Errorf("persisting session record: %w", err))
		return
	}

	log.Printf("[SESSION] %s: recognition complete, %d entities", sessionID, len(result.Results))
	c.setState(Idle)
	c.sink.RecognitionReady(sessionID, result)
}

func (c *Coordinator) handleWeightEntered(
	ctx context.Context,
	sessionID uuid.UUID,
	artifacts encodedArtifacts,
	text string,
	ok bool,
) {
	if !ok {
		// Cancelled: nothing persisted, nothing uploaded.
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath)
		log.Printf("[SESSION] %s: collection cancelled at weight prompt", sessionID)
		c.setState(Idle)
		return
	}

	grams, err := strconv.ParseFloat(text, 64)
	if err != nil || grams < 0 {
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath)
		c.fail(sessionID, fmt.Errorf("weight %q: %w", text, ErrWeightInput))
		return
	}

	capture := models.NewEstimateCapture(sessionID, artifacts.imagePath, artifacts.peripheralPath, grams/1000)
	if err := c.captures.Create(ctx, capture); err != nil {
		c.removeArtifacts(artifacts.peripheralPath, artifacts.imagePath)
		c.fail(sessionID, fmt.Errorf("persisting estimate capture: %w", err))
		return
	}

	log.Printf("[SESSION] %s: estimate capture saved (%.3fkg gross)", sessionID, capture.InitialWeight)
	c.setState(Idle)
	c.sink.CaptureSaved(capture)
}

// fail surfaces one user-visible error and re-arms the capture gate. The
// session always returns fully to Idle.
func (c *Coordinator) fail(sessionID uuid.UUID, err error) {
	log.Printf("[SESSION] %s: %v", sessionID, err)
	c.setState(Idle)
	c.sink.SessionFailed(sessionID, err)
}

func (c *Coordinator) removeArtifacts(names ...string) {
	for _, name := range names {
		if err := c.files.Remove(name); err != nil {
			log.Printf("[SESSION] Failed to remove artifact %s: %v", name, err)
		}
	}
}
