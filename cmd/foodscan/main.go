package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/canchenlee/foodscan/internal/backend"
	"github.com/canchenlee/foodscan/internal/bundle"
	"github.com/canchenlee/foodscan/internal/capture"
	"github.com/canchenlee/foodscan/internal/models"
	"github.com/canchenlee/foodscan/internal/recognition"
	"github.com/canchenlee/foodscan/internal/session"
	"github.com/canchenlee/foodscan/internal/store"
)

func main() {
	var (
		mode       = flag.String("mode", "recognize", "Session mode: recognize or collect")
		imagePath  = flag.String("image", "", "Path to the sample JPEG image")
		bundlePath = flag.String("bundle", "", "Path to the sample sensor bundle JSON")
	)
	flag.Parse()

	if *imagePath == "" || *bundlePath == "" {
		log.Fatal("Please provide -image and -bundle sample files")
	}

	frame, attitude, err := loadSampleFrame(*imagePath, *bundlePath)
	if err != nil {
		log.Fatal("Failed to load sample capture:", err)
	}

	device := &capture.StaticDevice{Frame: frame, DeviceAttitude: attitude}
	manager, err := capture.NewManager(device)
	if err != nil {
		log.Fatal("Failed to initialize capture:", err)
	}
	if err := manager.StartRunning(); err != nil {
		log.Fatal("Failed to start capture:", err)
	}
	defer manager.StopRunning()

	uploadDir := getEnv("UPLOAD_DIR", "./captures")
	files, err := store.NewFileStore(uploadDir)
	if err != nil {
		log.Fatal("Failed to initialize storage:", err)
	}
	db, err := store.NewDB(getEnv("DB_PATH", "./foodscan.db"))
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	token := getEnv("FOODSCAN_TOKEN", "dev")
	connector := backend.NewConnector(getEnv("FOODSCAN_BACKEND_URL", "http://localhost:5000"), nil)

	sink := &cliSink{
		ready:  make(chan *recognition.SessionResult, 1),
		saved:  make(chan *models.EstimateCapture, 1),
		failed: make(chan error, 1),
	}
	input := bufio.NewScanner(os.Stdin)

	sessionMode := session.Recognize
	if *mode == "collect" {
		sessionMode = session.Collect
	} else if *mode != "recognize" {
		log.Fatalf("Unknown mode %q", *mode)
	}

	coordinator := session.NewCoordinator(session.Config{
		Mode:      sessionMode,
		Manager:   manager,
		Connector: connector,
		Files:     files,
		Records:   store.NewSessionRecordRepo(db),
		Captures:  store.NewEstimateCaptureRepo(db),
		Sink:      sink,
		Prompt:    &stdinPrompt{input: input},
		Token:     token,
	})
	defer coordinator.Close()

	coordinator.TriggerCapture(context.Background())

	switch sessionMode {
	case session.Recognize:
		select {
		case result := <-sink.ready:
			printSessionResult(result)
		case err := <-sink.failed:
			log.Fatal("Session failed:", err)
		}
	case session.Collect:
		select {
		case saved := <-sink.saved:
			fmt.Printf("Capture saved: session %s, gross %.0fg\n", saved.SessionID, saved.InitialWeight*1000)
			submitCapture(input, connector, files, db, saved, frame.Image, token)
		case err := <-sink.failed:
			log.Fatal("Session failed:", err)
		}
	}
}

func loadSampleFrame(imagePath, bundlePath string) (capture.Frame, bundle.Attitude, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return capture.Frame{}, bundle.Attitude{}, fmt.Errorf("reading image: %w", err)
	}
	peripheral, err := os.ReadFile(bundlePath)
	if err != nil {
		return capture.Frame{}, bundle.Attitude{}, fmt.Errorf("reading bundle: %w", err)
	}
	depth, calibration, attitude, err := bundle.Decode(peripheral)
	if err != nil {
		return capture.Frame{}, bundle.Attitude{}, fmt.Errorf("decoding bundle: %w", err)
	}

	raw := make([]float32, 0, depth.Width()*depth.Height())
	for _, row := range depth.Rows() {
		raw = append(raw, row...)
	}
	return capture.Frame{
		Image:       image,
		DepthBuffer: raw,
		DepthWidth:  depth.Width(),
		DepthHeight: depth.Height(),
		Calibration: calibration,
	}, attitude, nil
}

func printSessionResult(result *recognition.SessionResult) {
	fmt.Printf("Recognized %d entit(ies)\n\n", len(result.Results))
	for i, entity := range result.Results {
		fmt.Printf("Entity %d (volume %.1fcm3):\n", i+1, entity.Volume*1e6)
		for j, candidate := range entity.Candidates {
			marker := " "
			if j == entity.SelectedIndex() {
				marker = "*"
			}
			fmt.Printf("  %s %-20s score %3d  %s\n", marker, candidate.Name, candidate.Score, candidate.GroupName)
		}
		fmt.Printf("  weight %s  carbs %s\n\n", formatGrams(entity.Weight()), formatGrams(entity.Carbs()))
	}
	fmt.Printf("Total: weight %s, carbs %s\n",
		formatGrams(result.TotalWeight()), formatGrams(result.TotalCarbs()))
}

// formatGrams renders a kg value in grams; negative values mean the amount
// could not be derived.
func formatGrams(kg float64) string {
	if kg < 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1fg", kg*1000)
}

func submitCapture(
	input *bufio.Scanner,
	connector *backend.Connector,
	files *store.FileStore,
	db *store.DB,
	saved *models.EstimateCapture,
	additionalImage []byte,
	token string,
) {
	name := readLine(input, "Food name: ")
	plateWeight := readLine(input, "Plate weight (g): ")
	if name == "" || plateWeight == "" {
		fmt.Println("Submission skipped")
		return
	}

	submitter := session.NewSubmitter(connector, files, store.NewEstimateCaptureRepo(db), token)
	ctx := context.Background()
	if err := submitter.AttachAdditionalPhoto(ctx, saved.SessionID, additionalImage); err != nil {
		log.Fatal("Failed to attach additional photo:", err)
	}
	if err := submitter.Submit(ctx, saved.SessionID, name, plateWeight); err != nil {
		log.Fatal("Failed to submit:", err)
	}
	fmt.Println("Submitted!")
}

func readLine(input *bufio.Scanner, prompt string) string {
	fmt.Print(prompt)
	if !input.Scan() {
		return ""
	}
	return strings.TrimSpace(input.Text())
}

type cliSink struct {
	ready  chan *recognition.SessionResult
	saved  chan *models.EstimateCapture
	failed chan error
}

func (s *cliSink) RecognitionReady(_ uuid.UUID, result *recognition.SessionResult) {
	s.ready <- result
}

func (s *cliSink) CaptureSaved(capture *models.EstimateCapture) {
	s.saved <- capture
}

func (s *cliSink) SessionFailed(_ uuid.UUID, err error) {
	s.failed <- err
}

type stdinPrompt struct {
	input *bufio.Scanner
}

func (p *stdinPrompt) RequestWeight() (string, bool) {
	text := readLine(p.input, "Gross weight in grams (empty to cancel): ")
	if text == "" {
		return "", false
	}
	return text, true
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
