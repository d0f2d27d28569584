package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/canchenlee/foodscan/internal/bundle"
	"github.com/canchenlee/foodscan/internal/estimate"
)

const maxUploadBytes = 64 << 20

// FoodCandidate is one row of the built-in density table. VolumeDensity is
// kg per cubic meter; the nutrition values are per kg of food.
type FoodCandidate struct {
	Name          string
	Group         string
	Score         int
	VolumeDensity float64
	Carbs         float64
	Calories      float64
	Fat           float64
	Protein       float64
}

// DefaultCandidates covers common staple foods. With no classifier attached
// every session gets the same candidate list; the client picks.
var DefaultCandidates = []FoodCandidate{
	{Name: "white rice", Group: "grains", Score: 80, VolumeDensity: 750, Carbs: 0.28, Calories: 1300, Fat: 0.003, Protein: 0.027},
	{Name: "mashed potato", Group: "vegetables", Score: 70, VolumeDensity: 1030, Carbs: 0.17, Calories: 1130, Fat: 0.042, Protein: 0.020},
	{Name: "oatmeal", Group: "grains", Score: 60, VolumeDensity: 640, Carbs: 0.12, Calories: 710, Fat: 0.015, Protein: 0.025},
	{Name: "pasta", Group: "grains", Score: 50, VolumeDensity: 800, Carbs: 0.31, Calories: 1580, Fat: 0.009, Protein: 0.058},
}

type Handlers struct {
	data       *DataDir
	candidates []FoodCandidate
}

func NewHandlers(data *DataDir, candidates []FoodCandidate) *Handlers {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	return &Handlers{data: data, candidates: candidates}
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type nutritionResponse struct {
	Results []resultResponse `json:"results"`
}

type resultResponse struct {
	BoundingBox []float64           `json:"bounding_box"`
	Volume      float64             `json:"volume"`
	Area        float64             `json:"area"`
	Candidates  []candidateResponse `json:"candidates"`
}

type candidateResponse struct {
	Name          string        `json:"name"`
	Group         string        `json:"group"`
	Score         int           `json:"score"`
	VolumeDensity float64       `json:"volume_density"`
	AreaDensity   float64       `json:"area_density"`
	Nutrition     nutritionInfo `json:"nutrition"`
}

type nutritionInfo struct {
	Carbs    float64 `json:"totalCarbs"`
	Calories float64 `json:"calories"`
	Fat      float64 `json:"totalFat"`
	Protein  float64 `json:"protein"`
}

// NutritionEstimationHandler accepts a capture upload, estimates the food
// area and volume from the sensor bundle, and responds with the candidate
// list. The frame is treated as a single entity.
func (h *Handlers) NutritionEstimationHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Unexpected file attachments.", http.StatusBadRequest)
		return
	}
	image, err := readFilePart(r, "image")
	if err != nil {
		http.Error(w, "Unexpected file attachments.", http.StatusBadRequest)
		return
	}
	peripheral, err := readFilePart(r, "peripheral")
	if err != nil {
		http.Error(w, "Unexpected file attachments.", http.StatusBadRequest)
		return
	}
	sessionID, token := r.FormValue("session_id"), r.FormValue("token")
	if sessionID == "" || token == "" {
		http.Error(w, "Request metadata not found.", http.StatusBadRequest)
		return
	}

	dir, err := h.data.SessionDir(sessionID, false)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to store session: %v", err), http.StatusInternalServerError)
		return
	}
	if err := writeSessionFile(dir, "image.jpg", image); err != nil {
		http.Error(w, fmt.Sprintf("Failed to store session: %v", err), http.StatusInternalServerError)
		return
	}
	if err := writeSessionFile(dir, "peripheral.json", peripheral); err != nil {
		http.Error(w, fmt.Sprintf("Failed to store session: %v", err), http.StatusInternalServerError)
		return
	}

	body, err := json.Marshal(h.estimateResponse(sessionID, peripheral))
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	if err := writeSessionFile(dir, "recognition.json", body); err != nil {
		log.Printf("[SERVER] %s: failed to store recognition result: %v", sessionID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *Handlers) estimateResponse(sessionID string, peripheral []byte) nutritionResponse {
	depth, calibration, _, err := bundle.Decode(peripheral)
	if err != nil {
		log.Printf("[SERVER] %s: unreadable sensor bundle: %v", sessionID, err)
		return nutritionResponse{Results: []resultResponse{}}
	}
	area, volume, err := estimate.AreaVolume(depth, calibration)
	if err != nil {
		log.Printf("[SERVER] %s: estimation failed: %v", sessionID, err)
		return nutritionResponse{Results: []resultResponse{}}
	}
	log.Printf("[SERVER] %s: estimated area %.6fm2 volume %.8fm3", sessionID, area, volume)

	candidates := make([]candidateResponse, len(h.candidates))
	for i, c := range h.candidates {
		candidates[i] = candidateResponse{
			Name:          c.Name,
			Group:         c.Group,
			Score:         c.Score,
			VolumeDensity: c.VolumeDensity,
			Nutrition: nutritionInfo{
				Carbs:    c.Carbs,
				Calories: c.Calories,
				Fat:      c.Fat,
				Protein:  c.Protein,
			},
		}
	}
	return nutritionResponse{Results: []resultResponse{{
		BoundingBox: []float64{0, 0, 1, 1},
		Volume:      volume,
		Area:        area,
		Candidates:  candidates,
	}}}
}

// DensityCollectHandler accepts a labeled data-collection upload and stores
// it for offline density calibration.
func (h *Handlers) DensityCollectHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Unexpected file attachments.", http.StatusBadRequest)
		return
	}
	parts := make(map[string][]byte, 3)
	for _, field := range []string{"image", "additional", "peripheral"} {
		data, err := readFilePart(r, field)
		if err != nil {
			http.Error(w, "Unexpected file attachments.", http.StatusBadRequest)
			return
		}
		parts[field] = data
	}
	sessionID, token := r.FormValue("session_id"), r.FormValue("token")
	if sessionID == "" || token == "" {
		http.Error(w, "Request metadata not found.", http.StatusBadRequest)
		return
	}
	name, weight := r.FormValue("name"), r.FormValue("weight")
	if name == "" || weight == "" {
		http.Error(w, "Request metadata not found.", http.StatusBadRequest)
		return
	}

	dir, err := h.data.SessionDir(sessionID, true)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to store session: %v", err), http.StatusInternalServerError)
		return
	}
	files := map[string][]byte{
		"image.jpg":            parts["image"],
		"additional.jpg":       parts["additional"],
		"peripheral.json":      parts["peripheral"],
		"collection_label.txt": []byte(fmt.Sprintf("name: %s\nweight: %s", name, weight)),
	}
	for fileName, data := range files {
		if err := writeSessionFile(dir, fileName, data); err != nil {
			http.Error(w, fmt.Sprintf("Failed to store session: %v", err), http.StatusInternalServerError)
			return
		}
	}
	log.Printf("[SERVER] %s: collection sample stored (%s, %skg)", sessionID, name, weight)

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status": "OK"}`))
}

func readFilePart(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %s part: %w", field, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading %s part: %w", field, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty %s part", field)
	}
	return data, nil
}
