package bundle

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// wireDocument is the JSON document uploaded as the "peripheral" part of a
// recognition request. Field names and nesting are fixed by the backend.
type wireDocument struct {
	CalibrationData wireCalibration `json:"calibration_data"`
	DeviceAttitude  wireAttitude    `json:"device_attitude"`
	DepthData       [][]float32     `json:"depth_data"`
}

type wireCalibration struct {
	IntrinsicMatrix                  [][]float64 `json:"intrinsic_matrix"`
	PixelSize                        float64     `json:"pixel_size"`
	ReferenceDimensions              []float64   `json:"intrinsic_matrix_reference_dimensions"`
	LensDistortionCenter             []float64   `json:"lens_distortion_center"`
	LensDistortionLookupTable        []float32   `json:"lens_distortion_lookup_table,omitempty"`
	InverseLensDistortionLookupTable []float32   `json:"inverse_lens_distortion_lookup_table,omitempty"`
}

type wireAttitude struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`
}

// Encode serializes the depth map, calibration data and device attitude of
// one capture into the canonical JSON document consumed by the backend.
func Encode(depth *DepthMap, calibration CalibrationData, attitude Attitude) ([]byte, error) {
	if depth == nil || depth.width == 0 || depth.height == 0 {
		return nil, fmt.Errorf("encoding sensor bundle: %w", ErrShapeMismatch)
	}
	matrix := make([][]float64, 3)
	for i := 0; i < 3; i++ {
		matrix[i] = []float64{
			calibration.IntrinsicMatrix[i][0],
			calibration.IntrinsicMatrix[i][1],
			calibration.IntrinsicMatrix[i][2],
		}
	}
	doc := wireDocument{
		CalibrationData: wireCalibration{
			IntrinsicMatrix:                  matrix,
			PixelSize:                        calibration.PixelSize,
			ReferenceDimensions:              []float64{calibration.ReferenceWidth, calibration.ReferenceHeight},
			LensDistortionCenter:             []float64{calibration.DistortionCenterX, calibration.DistortionCenterY},
			LensDistortionLookupTable:        calibration.LensDistortionLookupTable,
			InverseLensDistortionLookupTable: calibration.InverseLensDistortionLookupTable,
		},
		DeviceAttitude: wireAttitude{
			Pitch: attitude.Pitch,
			Roll:  attitude.Roll,
			Yaw:   attitude.Yaw,
		},
		DepthData: depth.data,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding sensor bundle: %w", err)
	}
	return data, nil
}

// Decode parses a previously encoded sensor bundle document. The production
// flow never reads these documents back; this exists for locally persisted
// copies.
func Decode(data []byte) (*DepthMap, CalibrationData, Attitude, error) {
	var doc wireDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, CalibrationData{}, Attitude{}, fmt.Errorf("decoding sensor bundle: %w", err)
	}
	if len(doc.CalibrationData.IntrinsicMatrix) != 3 ||
		len(doc.CalibrationData.ReferenceDimensions) != 2 ||
		len(doc.CalibrationData.LensDistortionCenter) != 2 {
		return nil, CalibrationData{}, Attitude{}, fmt.Errorf("decoding sensor bundle: %w", ErrShapeMismatch)
	}
	calibration := CalibrationData{
		PixelSize:                        doc.CalibrationData.PixelSize,
		ReferenceWidth:                   doc.CalibrationData.ReferenceDimensions[0],
		ReferenceHeight:                  doc.CalibrationData.ReferenceDimensions[1],
		DistortionCenterX:                doc.CalibrationData.LensDistortionCenter[0],
		DistortionCenterY:                doc.CalibrationData.LensDistortionCenter[1],
		LensDistortionLookupTable:        doc.CalibrationData.LensDistortionLookupTable,
		InverseLensDistortionLookupTable: doc.CalibrationData.InverseLensDistortionLookupTable,
	}
	for i := 0; i < 3; i++ {
		if len(doc.CalibrationData.IntrinsicMatrix[i]) != 3 {
			return nil, CalibrationData{}, Attitude{}, fmt.Errorf("decoding sensor bundle: %w", ErrShapeMismatch)
		}
		for j := 0; j < 3; j++ {
			calibration.IntrinsicMatrix[i][j] = doc.CalibrationData.IntrinsicMatrix[i][j]
		}
	}
	depth, err := NewDepthMap(doc.DepthData)
	if err != nil {
		return nil, CalibrationData{}, Attitude{}, fmt.Errorf("decoding sensor bundle: %w", err)
	}
	attitude := Attitude{
		Pitch: doc.DeviceAttitude.Pitch,
		Roll:  doc.DeviceAttitude.Roll,
		Yaw:   doc.DeviceAttitude.Yaw,
	}
	return depth, calibration, attitude, nil
}

// ConvertDepthData converts a raw row-major depth buffer into a DepthMap.
// Every pixel is copied exactly once, in row-major order; NaN and infinite
// values are replaced with 0 so the document stays valid JSON and the
// backend sees a consistent sentinel.
func ConvertDepthData(raw []float32, width, height int) (*DepthMap, error) {
	if width <= 0 || height <= 0 || len(raw) != width*height {
		return nil, fmt.Errorf("converting depth buffer of %d values to %dx%d: %w",
			len(raw), width, height, ErrShapeMismatch)
	}
	rows := make([][]float32, height)
	for row := 0; row < height; row++ {
		rows[row] = make([]float32, width)
		for col := 0; col < width; col++ {
			v := raw[width*row+col]
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				v = 0
			}
			rows[row][col] = v
		}
	}
	return &DepthMap{width: width, height: height, data: rows}, nil
}

// ConvertLensDistortionTable decodes a lens distortion lookup table from its
// native packed form, a sequence of little-endian float32 values.
func ConvertLensDistortionTable(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("converting lookup table of %d bytes: %w", len(data), ErrShapeMismatch)
	}
	table := make([]float32, len(data)/4)
	for i := range table {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		table[i] = math.Float32frombits(bits)
	}
	return table, nil
}
