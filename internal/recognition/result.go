package recognition

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrUnexpectedResponse is returned when the recognition backend replies
// with a body that does not satisfy the expected schema.
var ErrUnexpectedResponse = errors.New("unexpected recognition response")

// ErrCandidateOutOfRange is returned when a candidate selection falls
// outside the candidate list.
var ErrCandidateOutOfRange = errors.New("candidate index out of range")

// WeightUnavailable is the sentinel reported when no density information is
// usable for a result. It is distinct from a candidate carrying a zero
// density, which only marks that coefficient as unused.
const WeightUnavailable = -1.0

// NutritionInformation holds per-unit-mass nutrition figures of one food
// candidate. Nil fields mean the figure is not available, not zero.
type NutritionInformation struct {
	Carbs    *float64
	Calories *float64
	Fat      *float64
	Protein  *float64
}

// Candidate is one possible classification of a detected food entity.
type Candidate struct {
	Name      string
	GroupName string
	// Score is the classification confidence; higher means more likely.
	Score     int
	Nutrition NutritionInformation
	// VolumeDensity is in kilograms per cubic meter; zero means unused.
	VolumeDensity float64
	// AreaDensity is in kilograms per square meter; zero means unused.
	AreaDensity float64
}

// BoundingBox locates an entity in the submitted image by its corner
// coordinates, normalized to [0,1].
type BoundingBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Result is the recognition outcome for a single food entity. Candidates
// keep the server-provided rank order; the selected candidate defaults to
// the first and is only changed by explicit user action. Weight and carbs
// are derived on every read, never cached.
type Result struct {
	BoundingBox BoundingBox
	// Volume is the entity volume estimate in cubic meters.
	Volume float64
	// Area is the entity top-area estimate in square meters.
	Area       float64
	Candidates []Candidate

	selected int
}

// SelectedIndex returns the index of the currently selected candidate.
func (r *Result) SelectedIndex() int {
	return r.selected
}

// SelectedCandidate returns the currently selected candidate.
func (r *Result) SelectedCandidate() Candidate {
	return r.Candidates[r.selected]
}

// SelectCandidate changes the selected candidate. The index must lie within
// the candidate list.
func (r *Result) SelectCandidate(index int) error {
	if index < 0 || index >= len(r.Candidates) {
		return fmt.Errorf("selecting candidate %d of %d: %w", index, len(r.Candidates), ErrCandidateOutOfRange)
	}
	r.selected = index
	return nil
}

// Weight derives the entity weight in kilograms from the selected
// candidate's density coefficients. Volume density is preferred over area
// density; when neither is usable the result is WeightUnavailable.
func (r *Result) Weight() float64 {
	if len(r.Candidates) == 0 {
		return WeightUnavailable
	}
	candidate := r.SelectedCandidate()
	switch {
	case candidate.VolumeDensity != 0:
		return r.Volume * candidate.VolumeDensity
	case candidate.AreaDensity != 0:
		return r.Area * candidate.AreaDensity
	default:
		return WeightUnavailable
	}
}

// Carbs derives the carbohydrate weight in kilograms. It is available only
// when the weight is available and the selected candidate publishes a
// carbs-per-unit-mass figure.
func (r *Result) Carbs() float64 {
	if len(r.Candidates) == 0 {
		return WeightUnavailable
	}
	candidate := r.SelectedCandidate()
	if candidate.Nutrition.Carbs == nil {
		return WeightUnavailable
	}
	weight := r.Weight()
	if weight < 0 {
		return WeightUnavailable
	}
	return weight * *candidate.Nutrition.Carbs
}

// SessionResult is the full recognition outcome of one capture session. Raw
// keeps the response payload verbatim for diagnostics and replay.
type SessionResult struct {
	Results []*Result
	Raw     json.RawMessage
}

// TotalWeight sums the weights of all results whose weight is available.
// Unavailable results are excluded, not counted as zero.
func (s *SessionResult) TotalWeight() float64 {
	total := 0.0
	for _, result := range s.Results {
		if w := result.Weight(); w >= 0 {
			total += w
		}
	}
	return total
}

// TotalCarbs sums the carbohydrate weights of all results whose value is
// available.
func (s *SessionResult) TotalCarbs() float64 {
	total := 0.0
	for _, result := range s.Results {
		if c := result.Carbs(); c >= 0 {
			total += c
		}
	}
	return total
}

type wireSession struct {
	Results []wireResult `json:"results"`
}

type wireResult struct {
	BoundingBox []float64       `json:"bounding_box"`
	Volume      *float64        `json:"volume"`
	Area        *float64        `json:"area"`
	Candidates  []wireCandidate `json:"candidates"`
}

type wireCandidate struct {
	Name          *string       `json:"name"`
	Group         *string       `json:"group"`
	Score         *int          `json:"score"`
	VolumeDensity *float64      `json:"volume_density"`
	AreaDensity   *float64      `json:"area_density"`
	Nutrition     wireNutrition `json:"nutrition"`
}

type wireNutrition struct {
	TotalCarbs *float64 `json:"totalCarbs"`
	Calories   *float64 `json:"calories"`
	TotalFat   *float64 `json:"totalFat"`
	Protein    *float64 `json:"protein"`
}

// ParseSessionResult parses a recognition response body. Parsing is all or
// nothing: a single malformed result or candidate rejects the whole
// response with ErrUnexpectedResponse, and no partial result list is ever
// returned.
func ParseSessionResult(data []byte) (*SessionResult, error) {
	var wire wireSession
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	session := &SessionResult{
		Results: make([]*Result, 0, len(wire.Results)),
		Raw:     json.RawMessage(append([]byte(nil), data...)),
	}
	for i, w := range wire.Results {
		result, err := parseResult(w)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		session.Results = append(session.Results, result)
	}
	return session, nil
}

func parseResult(w wireResult) (*Result, error) {
	if len(w.BoundingBox) != 4 || w.Volume == nil || w.Area == nil {
		return nil, ErrUnexpectedResponse
	}
	for _, v := range w.BoundingBox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrUnexpectedResponse
		}
	}
	result := &Result{
		BoundingBox: BoundingBox{
			MinX: w.BoundingBox[0],
			MinY: w.BoundingBox[1],
			MaxX: w.BoundingBox[2],
			MaxY: w.BoundingBox[3],
		},
		Volume:     *w.Volume,
		Area:       *w.Area,
		Candidates: make([]Candidate, 0, len(w.Candidates)),
	}
	for _, c := range w.Candidates {
		if c.Name == nil || c.Group == nil || c.Score == nil ||
			c.VolumeDensity == nil || c.AreaDensity == nil {
			return nil, ErrUnexpectedResponse
		}
		result.Candidates = append(result.Candidates, Candidate{
			Name:      *c.Name,
			GroupName: *c.Group,
			Score:     *c.Score,
			Nutrition: NutritionInformation{
				Carbs:    c.Nutrition.TotalCarbs,
				Calories: c.Nutrition.Calories,
				Fat:      c.Nutrition.TotalFat,
				Protein:  c.Nutrition.Protein,
			},
			VolumeDensity: *c.VolumeDensity,
			AreaDensity:   *c.AreaDensity,
		})
	}
	return result, nil
}
