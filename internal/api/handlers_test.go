package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/canchenlee/foodscan/internal/backend"
	"github.com/canchenlee/foodscan/internal/bundle"
)

func testPeripheral(t *testing.T) []byte {
	t.Helper()
	const size = 64
	raw := make([]float32, size*size)
	for row := 0; row < size; row++ {
		for col := 0; col < size; col++ {
			depth := float32(0.5)
			if row >= 24 && row < 40 && col >= 24 && col < 40 {
				depth = 0.48
			}
			raw[row*size+col] = depth
		}
	}
	depth, err := bundle.ConvertDepthData(raw, size, size)
	if err != nil {
		t.Fatalf("Failed to build depth map: %v", err)
	}
	calibration := bundle.CalibrationData{
		IntrinsicMatrix: [3][3]float64{{500, 0, 0}, {0, 500, 0}, {32, 32, 1}},
		ReferenceWidth:  size,
		ReferenceHeight: size,
	}
	peripheral, err := bundle.Encode(depth, calibration, bundle.Attitude{})
	if err != nil {
		t.Fatalf("Failed to encode bundle: %v", err)
	}
	return peripheral
}

func testServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	server := httptest.NewServer(NewRouter(NewHandlers(NewDataDir(root), nil)))
	t.Cleanup(server.Close)
	return server, root
}

// multipartBody builds a request body with the given file and value fields.
func multipartBody(t *testing.T, files map[string][]byte, values map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for field, data := range files {
		part, err := writer.CreateFormFile(field, field+".bin")
		if err != nil {
			t.Fatalf("Failed to create %s part: %v", field, err)
		}
		part.Write(data)
	}
	for field, value := range values {
		writer.WriteField(field, value)
	}
	writer.Close()
	return body, writer.FormDataContentType()
}

func TestNutritionEstimation(t *testing.T) {
	server, root := testServer(t)

	connector := backend.NewConnector(server.URL, nil)
	session, err := connector.GetRecognitionResult(
		context.Background(), "test-token", "session-1", testPeripheral(t), []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("GetRecognitionResult failed: %v", err)
	}

	if len(session.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(session.Results))
	}
	result := session.Results[0]
	if result.Volume <= 0 || result.Area <= 0 {
		t.Errorf("Expected positive volume and area, got %v / %v", result.Volume, result.Area)
	}
	if len(result.Candidates) != len(DefaultCandidates) {
		t.Fatalf("Expected %d candidates, got %d", len(DefaultCandidates), len(result.Candidates))
	}
	if result.Weight() <= 0 {
		t.Errorf("Expected positive derived weight, got %v", result.Weight())
	}
	if result.Carbs() <= 0 {
		t.Errorf("Expected positive derived carbs, got %v", result.Carbs())
	}

	// Session artifacts land under recognition_session_data.
	var sessionDirs []string
	filepath.Walk(filepath.Join(root, recognitionStorageDir), func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && filepath.Base(path) == "recognition.json" {
			sessionDirs = append(sessionDirs, filepath.Dir(path))
		}
		return nil
	})
	if len(sessionDirs) != 1 {
		t.Fatalf("Expected 1 stored session, found %d", len(sessionDirs))
	}
	for _, name := range []string{"image.jpg", "peripheral.json", "recognition.json"} {
		if _, err := os.Stat(filepath.Join(sessionDirs[0], name)); err != nil {
			t.Errorf("Missing stored %s: %v", name, err)
		}
	}
}

func TestNutritionEstimation_UnreadableBundle(t *testing.T) {
	server, _ := testServer(t)

	connector := backend.NewConnector(server.URL, nil)
	session, err := connector.GetRecognitionResult(
		context.Background(), "test-token", "session-2", []byte("not json"), []byte{0xff, 0xd8})
	if err != nil {
		t.Fatalf("GetRecognitionResult failed: %v", err)
	}
	if len(session.Results) != 0 {
		t.Errorf("Expected empty results for unreadable bundle, got %d", len(session.Results))
	}
}

func TestNutritionEstimation_BadRequests(t *testing.T) {
	server, _ := testServer(t)

	tests := []struct {
		name   string
		files  map[string][]byte
		values map[string]string
	}{
		{
			name:   "MissingImage",
			files:  map[string][]byte{"peripheral": []byte("{}")},
			values: map[string]string{"session_id": "s", "token": "tk"},
		},
		{
			name:   "MissingPeripheral",
			files:  map[string][]byte{"image": {0xff}},
			values: map[string]string{"session_id": "s", "token": "tk"},
		},
		{
			name:   "MissingSessionID",
			files:  map[string][]byte{"image": {0xff}, "peripheral": []byte("{}")},
			values: map[string]string{"token": "tk"},
		},
		{
			name:   "MissingToken",
			files:  map[string][]byte{"image": {0xff}, "peripheral": []byte("{}")},
			values: map[string]string{"session_id": "s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.files, tt.values)
			resp, err := http.Post(server.URL+"/nutritionestimation", contentType, body)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Status = %d, expected 400", resp.StatusCode)
			}
		})
	}
}

func TestDensityCollect(t *testing.T) {
	server, root := testServer(t)

	connector := backend.NewConnector(server.URL, nil)
	err := connector.SubmitDensityCollection(context.Background(), "test-token", "session-3",
		backend.CollectionSubmission{
			Peripheral:      testPeripheral(t),
			Image:           []byte{0xff, 0xd8},
			AdditionalImage: []byte{0xff, 0xd9},
			FoodName:        "steamed rice",
			Weight:          "0.380",
		})
	if err != nil {
		t.Fatalf("SubmitDensityCollection failed: %v", err)
	}

	var labels []string
	filepath.Walk(filepath.Join(root, collectionStorageDir), func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && filepath.Base(path) == "collection_label.txt" {
			labels = append(labels, path)
		}
		return nil
	})
	if len(labels) != 1 {
		t.Fatalf("Expected 1 stored label, found %d", len(labels))
	}
	label, err := os.ReadFile(labels[0])
	if err != nil {
		t.Fatalf("Failed to read label: %v", err)
	}
	if string(label) != "name: steamed rice\nweight: 0.380" {
		t.Errorf("Label content = %q", label)
	}
	for _, name := range []string{"image.jpg", "additional.jpg", "peripheral.json"} {
		if _, err := os.Stat(filepath.Join(filepath.Dir(labels[0]), name)); err != nil {
			t.Errorf("Missing stored %s: %v", name, err)
		}
	}
}

func TestDensityCollect_MissingLabel(t *testing.T) {
	server, _ := testServer(t)

	files := map[string][]byte{
		"image":      {0xff},
		"additional": {0xfe},
		"peripheral": []byte("{}"),
	}
	body, contentType := multipartBody(t, files, map[string]string{
		"session_id": "s", "token": "tk", "weight": "0.5",
	})
	resp, err := http.Post(server.URL+"/densitycollect", contentType, body)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Status = %d, expected 400", resp.StatusCode)
	}
}
