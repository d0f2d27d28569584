package session

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/canchenlee/foodscan/internal/backend"
	"github.com/canchenlee/foodscan/internal/bundle"
	"github.com/canchenlee/foodscan/internal/capture"
	"github.com/canchenlee/foodscan/internal/models"
	"github.com/canchenlee/foodscan/internal/recognition"
	"github.com/canchenlee/foodscan/internal/store"
)

const recognitionBody = `{
	"results": [{
		"bounding_box": [0.1, 0.1, 0.5, 0.5],
		"volume": 0.0003,
		"area": 0.01,
		"candidates": [{
			"name": "oatmeal", "group": "grains", "score": 90,
			"volume_density": 400, "area_density": 0,
			"nutrition": {"totalCarbs": 0.12}
		}]
	}]
}`

type testSink struct {
	ready  chan *recognition.SessionResult
	saved  chan *models.EstimateCapture
	failed chan error
}

func newTestSink() *testSink {
	return &testSink{
		ready:  make(chan *recognition.SessionResult, 4),
		saved:  make(chan *models.EstimateCapture, 4),
		failed: make(chan error, 4),
	}
}

func (s *testSink) RecognitionReady(_ uuid.UUID, result *recognition.SessionResult) {
	s.ready <- result
}

func (s *testSink) CaptureSaved(capture *models.EstimateCapture) {
	s.saved <- capture
}

func (s *testSink) SessionFailed(_ uuid.UUID, err error) {
	s.failed <- err
}

type testPrompt struct {
	text string
	ok   bool
}

func (p *testPrompt) RequestWeight() (string, bool) {
	return p.text, p.ok
}

// gatedDevice holds each still capture until released, keeping the session
// in Capturing for as long as a test needs.
type gatedDevice struct {
	frame   capture.Frame
	release chan struct{}
	stills  atomic.Int32
}

func (d *gatedDevice) HasDepthCapability() bool             { return true }
func (d *gatedDevice) Start() error                         { return nil }
func (d *gatedDevice) Stop() error                          { return nil }
func (d *gatedDevice) Attitude() bundle.Attitude            { return bundle.Attitude{} }
func (d *gatedDevice) Still(context.Context) (capture.Frame, error) {
	d.stills.Add(1)
	<-d.release
	return d.frame, nil
}

func testFrame() capture.Frame {
	return capture.Frame{
		Image:       []byte{0xff, 0xd8, 0xff, 0xe0},
		DepthBuffer: []float32{0.4, 0.5, 0.6, float32(math.NaN())},
		DepthWidth:  2,
		DepthHeight: 2,
		Calibration: bundle.CalibrationData{
			IntrinsicMatrix: [3][3]float64{{2700, 0, 0}, {0, 2700, 0}, {960, 720, 1}},
			ReferenceWidth:  1920,
			ReferenceHeight: 1440,
		},
	}
}

type fixture struct {
	coordinator *Coordinator
	sink        *testSink
	files       *store.FileStore
	filesDir    string
	db          *store.DB
	records     *store.SessionRecordRepo
	captures    *store.EstimateCaptureRepo
	requests    *atomic.Int32
}

func setup(t *testing.T, mode Mode, handler http.HandlerFunc, prompt WeightPrompt) *fixture {
	t.Helper()

	requests := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	filesDir := t.TempDir()
	files, err := store.NewFileStore(filesDir)
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	device := &capture.StaticDevice{Frame: testFrame()}
	manager, err := capture.NewManager(device)
	if err != nil {
		t.Fatalf("Failed to create capture manager: %v", err)
	}

	sink := newTestSink()
	records := store.NewSessionRecordRepo(db)
	captures := store.NewEstimateCaptureRepo(db)
	coordinator := NewCoordinator(Config{
		Mode:      mode,
		Manager:   manager,
		Connector: backend.NewConnector(server.URL, nil),
		Files:     files,
		Records:   records,
		Captures:  captures,
		Sink:      sink,
		Prompt:    prompt,
		Token:     "test-token",
	})
	t.Cleanup(coordinator.Close)

	return &fixture{
		coordinator: coordinator,
		sink:        sink,
		files:       files,
		filesDir:    filesDir,
		db:          db,
		records:     records,
		captures:    captures,
		requests:    requests,
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func storedFileCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read storage dir: %v", err)
	}
	return len(entries)
}

func TestRecognizeFlow(t *testing.T) {
	f := setup(t, Recognize, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(recognitionBody))
	}, nil)

	if !f.coordinator.Available() {
		t.Fatal("Coordinator not available at start")
	}
	f.coordinator.TriggerCapture(context.Background())

	var result *recognition.SessionResult
	select {
	case result = <-f.sink.ready:
	case err := <-f.sink.failed:
		t.Fatalf("Session failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recognition result never arrived")
	}

	if len(result.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(result.Results))
	}
	if w := result.Results[0].Weight(); math.Abs(w-0.0003*400) > 1e-12 {
		t.Errorf("Weight = %v, expected %v", w, 0.0003*400)
	}

	waitFor(t, "return to idle", f.coordinator.Available)

	records, err := f.records.List(context.Background())
	if err != nil {
		t.Fatalf("Failed to list session records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 session record, got %d", len(records))
	}
	// Photo, peripheral JSON and recognition JSON are all persisted.
	if storedFileCount(t, f.filesDir) != 3 {
		t.Errorf("Expected 3 stored artifacts, got %d", storedFileCount(t, f.filesDir))
	}
}

func TestRecognizeFlow_UploadFailure(t *testing.T) {
	f := setup(t, Recognize, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, nil)

	f.coordinator.TriggerCapture(context.Background())

	select {
	case err := <-f.sink.failed:
		if !errors.Is(err, recognition.ErrUnexpectedResponse) {
			t.Errorf("Expected ErrUnexpectedResponse, got %v", err)
		}
	case <-f.sink.ready:
		t.Fatal("Expected failure, got result")
	case <-time.After(2 * time.Second):
		t.Fatal("Failure never surfaced")
	}

	waitFor(t, "return to idle", f.coordinator.Available)
	if storedFileCount(t, f.filesDir) != 0 {
		t.Errorf("Expected artifacts removed after failure, found %d", storedFileCount(t, f.filesDir))
	}

	// The gate is re-armed: a manual resubmission is accepted.
	f.coordinator.TriggerCapture(context.Background())
	select {
	case <-f.sink.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("Second trigger was not processed")
	}
}

func TestTriggerWhileBusyIsNoOp(t *testing.T) {
	device := &gatedDevice{frame: testFrame(), release: make(chan struct{})}
	manager, err := capture.NewManager(device)
	if err != nil {
		t.Fatalf("Failed to create capture manager: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	files, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create file store: %v", err)
	}
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	sink := newTestSink()
	coordinator := NewCoordinator(Config{
		Mode:      Recognize,
		Manager:   manager,
		Connector: backend.NewConnector(server.URL, nil),
		Files:     files,
		Records:   store.NewSessionRecordRepo(db),
		Sink:      sink,
		Token:     "t",
	})
	defer coordinator.Close()

	coordinator.TriggerCapture(context.Background())
	waitFor(t, "capturing state", func() bool { return coordinator.State() == Capturing })

	// Rapid re-triggers while the hardware capture is in flight.
	coordinator.TriggerCapture(context.Background())
	coordinator.TriggerCapture(context.Background())
	waitFor(t, "triggers drained", func() bool { return len(sink.failed) == 0 && device.stills.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := device.stills.Load(); got != 1 {
		t.Errorf("Hardware capture invoked %d times, expected exactly 1", got)
	}

	close(device.release)
	select {
	case <-sink.ready:
	case err := <-sink.failed:
		t.Fatalf("Session failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Result never arrived")
	}

	if got := device.stills.Load(); got != 1 {
		t.Errorf("Hardware capture invoked %d times total, expected 1", got)
	}
}

func TestCollectFlow(t *testing.T) {
	f := setup(t, Collect, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Collection capture must not contact the network")
	}, &testPrompt{text: "500", ok: true})

	f.coordinator.TriggerCapture(context.Background())

	var saved *models.EstimateCapture
	select {
	case saved = <-f.sink.saved:
	case err := <-f.sink.failed:
		t.Fatalf("Session failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Capture was never saved")
	}

	if math.Abs(saved.InitialWeight-0.5) > 1e-9 {
		t.Errorf("Initial weight = %v kg, expected 0.5", saved.InitialWeight)
	}
	if saved.IsSubmitted {
		t.Errorf("Fresh capture marked submitted")
	}

	stored, err := f.captures.GetBySessionID(context.Background(), saved.SessionID)
	if err != nil {
		t.Fatalf("Capture not persisted: %v", err)
	}
	if stored.PhotoPath == "" || stored.BundleJSONPath == "" {
		t.Errorf("Stored capture missing artifact paths: %+v", stored)
	}
	if f.requests.Load() != 0 {
		t.Errorf("Collection capture made %d network requests", f.requests.Load())
	}
	waitFor(t, "return to idle", f.coordinator.Available)
}

func TestCollectFlow_Cancelled(t *testing.T) {
	f := setup(t, Collect, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Cancelled capture must not contact the network")
	}, &testPrompt{ok: false})

	f.coordinator.TriggerCapture(context.Background())
	waitFor(t, "return to idle", f.coordinator.Available)

	captures, err := f.captures.List(context.Background())
	if err != nil {
		t.Fatalf("Failed to list captures: %v", err)
	}
	if len(captures) != 0 {
		t.Errorf("Cancelled capture was persisted")
	}
	waitFor(t, "artifact cleanup", func() bool { return storedFileCount(t, f.filesDir) == 0 })
	if f.requests.Load() != 0 {
		t.Errorf("Cancelled capture made %d network requests", f.requests.Load())
	}
}

func TestCollectFlow_InvalidWeight(t *testing.T) {
	f := setup(t, Collect, func(w http.ResponseWriter, r *http.Request) {}, &testPrompt{text: "not a number", ok: true})

	f.coordinator.TriggerCapture(context.Background())

	select {
	case err := <-f.sink.failed:
		if !errors.Is(err, ErrWeightInput) {
			t.Errorf("Expected ErrWeightInput, got %v", err)
		}
	case <-f.sink.saved:
		t.Fatal("Invalid weight was accepted")
	case <-time.After(2 * time.Second):
		t.Fatal("Failure never surfaced")
	}

	captures, err := f.captures.List(context.Background())
	if err != nil {
		t.Fatalf("Failed to list captures: %v", err)
	}
	if len(captures) != 0 {
		t.Errorf("Capture with invalid weight was persisted")
	}
}
