package bundle

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShapeMismatch is returned when a raw sensor buffer does not match
	// its declared dimensions.
	ErrShapeMismatch = errors.New("sensor buffer shape mismatch")
)

// Attitude is the device orientation at the capture instant, in radians.
type Attitude struct {
	Pitch float64
	Roll  float64
	Yaw   float64
}

// DepthMap is a dense rectangular grid of depth values in meters,
// stored row major as [height][width].
type DepthMap struct {
	width  int
	height int
	data   [][]float32
}

// NewDepthMap builds a depth map from row-major rows. All rows must have
// the same length and there must be at least one row.
func NewDepthMap(rows [][]float32) (*DepthMap, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrShapeMismatch
	}
	width := len(rows[0])
	for _, row := range rows {
		if len(row) != width {
			return nil, ErrShapeMismatch
		}
	}
	return &DepthMap{width: width, height: len(rows), data: rows}, nil
}

func (dm *DepthMap) Width() int {
	return dm.width
}

func (dm *DepthMap) Height() int {
	return dm.height
}

// At returns the depth at the given row and column.
func (dm *DepthMap) At(row, col int) float32 {
	return dm.data[row][col]
}

// Rows exposes the underlying row-major grid. Callers must not mutate it.
func (dm *DepthMap) Rows() [][]float32 {
	return dm.data
}

// CalibrationData is an immutable snapshot of the camera intrinsic and lens
// distortion parameters for one capture. The intrinsic matrix follows the
// wire convention: entry [0][0] is the focal length and row 2 holds the
// optical center as [x, y, 1].
type CalibrationData struct {
	IntrinsicMatrix   [3][3]float64
	PixelSize         float64
	ReferenceWidth    float64
	ReferenceHeight   float64
	DistortionCenterX float64
	DistortionCenterY float64

	// Lens distortion lookup tables are optional; nil means the camera did
	// not report them.
	LensDistortionLookupTable        []float32
	InverseLensDistortionLookupTable []float32
}

// Intrinsics returns the intrinsic matrix as a dense 3x3 matrix.
func (c *CalibrationData) Intrinsics() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, c.IntrinsicMatrix[i][j])
		}
	}
	return m
}

// FocalLength returns the focal length in pixels, relative to the reference
// dimensions.
func (c *CalibrationData) FocalLength() float64 {
	return c.IntrinsicMatrix[0][0]
}

// OpticalCenter returns the optical center in pixels, relative to the
// reference dimensions.
func (c *CalibrationData) OpticalCenter() (x, y float64) {
	return c.IntrinsicMatrix[2][0], c.IntrinsicMatrix[2][1]
}

// CaptureBundle is one temporally coherent capture: the color image, the
// depth map, and the calibration and attitude snapshots taken at the same
// instant. It is never mutated after creation.
type CaptureBundle struct {
	Image       []byte // JPEG bytes
	Depth       *DepthMap
	Calibration CalibrationData
	Attitude    Attitude
	SessionID   uuid.UUID
	Timestamp   time.Time
}
