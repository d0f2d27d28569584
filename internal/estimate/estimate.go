// Package estimate computes the top-surface area and volume of food on a
// plate from a depth map and its camera calibration. The depth pixels are
// unprojected to a point cloud, the table surface is found with a RANSAC
// plane fit, the cloud is rotated so the table is level, and the food
// columns above the table are integrated on a fixed grid.
package estimate

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/canchenlee/foodscan/internal/bundle"
)

var ErrInsufficientData = errors.New("estimate: not enough depth samples")

const (
	// Grid cell edge used for area/volume integration, in meters.
	gridLength = 0.002

	// RANSAC plane fit parameters. The residual threshold is on the z
	// axis, in meters.
	ransacThreshold  = 0.002
	ransacIterations = 64

	// Points with this few close neighbors are interpolation artifacts on
	// depth discontinuities and are dropped before integration.
	neighborDistance = 0.004
	neighborCount    = 4
)

// Intrinsics is the pinhole model of a depth map after scaling the camera
// calibration down from the reference image dimensions. The optical center
// is expressed in depth-map pixels, accounting for the center crop from the
// reference aspect ratio to square.
type Intrinsics struct {
	FocalLength    float64
	OpticalCenterX float64
	OpticalCenterY float64
}

// RemapIntrinsics scales the calibration's intrinsic matrix to the depth
// map's resolution.
func RemapIntrinsics(depth *bundle.DepthMap, calibration bundle.CalibrationData) (Intrinsics, error) {
	refMin := math.Min(calibration.ReferenceWidth, calibration.ReferenceHeight)
	if refMin <= 0 {
		return Intrinsics{}, fmt.Errorf("estimate: reference dimensions %gx%g",
			calibration.ReferenceWidth, calibration.ReferenceHeight)
	}
	scale := float64(min(depth.Width(), depth.Height())) / refMin
	centerOffset := math.Floor((calibration.ReferenceWidth - calibration.ReferenceHeight) / 2)
	centerX, centerY := calibration.OpticalCenter()
	return Intrinsics{
		FocalLength:    calibration.FocalLength() * scale,
		OpticalCenterX: (centerX - centerOffset) * scale,
		OpticalCenterY: centerY * scale,
	}, nil
}

// PointCloud unprojects every positive depth pixel to camera space. Zero
// pixels carry no measurement and are skipped.
func PointCloud(depth *bundle.DepthMap, in Intrinsics) []r3.Vector {
	points := make([]r3.Vector, 0, depth.Width()*depth.Height())
	for row := 0; row < depth.Height(); row++ {
		for col := 0; col < depth.Width(); col++ {
			d := float64(depth.At(row, col))
			if d <= 0 {
				continue
			}
			points = append(points, r3.Vector{
				X: (float64(row) - in.OpticalCenterX) * d / in.FocalLength,
				Y: (float64(col) - in.OpticalCenterY) * d / in.FocalLength,
				Z: d,
			})
		}
	}
	return points
}

// plane is z = A*x + B*y + C.
type plane struct {
	A, B, C float64
}

func (p plane) residual(v r3.Vector) float64 {
	return math.Abs(v.Z - (p.A*v.X + p.B*v.Y + p.C))
}

// fitPlaneLSQ solves the least-squares plane through all points.
func fitPlaneLSQ(points []r3.Vector) (plane, error) {
	if len(points) < 3 {
		return plane{}, ErrInsufficientData
	}
	a := mat.NewDense(len(points), 3, nil)
	b := mat.NewVecDense(len(points), nil)
	for i, v := range points {
		a.Set(i, 0, v.X)
		a.Set(i, 1, v.Y)
		a.Set(i, 2, 1)
		b.SetVec(i, v.Z)
	}
	var qr mat.QR
	qr.Factorize(a)
	var solution mat.VecDense
	if err := qr.SolveVecTo(&solution, false, b); err != nil {
		return plane{}, fmt.Errorf("estimate: plane fit: %w", err)
	}
	return plane{A: solution.AtVec(0), B: solution.AtVec(1), C: solution.AtVec(2)}, nil
}

// fitPlaneRANSAC finds the dominant plane: the base the food sits on. The
// returned mask marks the inlier points.
func fitPlaneRANSAC(points []r3.Vector, rng *rand.Rand) (plane, []bool, error) {
	if len(points) < 3 {
		return plane{}, nil, ErrInsufficientData
	}

	var best plane
	bestInliers := -1
	for iter := 0; iter < ransacIterations; iter++ {
		sample := []r3.Vector{
			points[rng.Intn(len(points))],
			points[rng.Intn(len(points))],
			points[rng.Intn(len(points))],
		}
		candidate, err := planeThrough(sample)
		if err != nil {
			continue
		}
		inliers := 0
		for _, v := range points {
			if candidate.residual(v) < ransacThreshold {
				inliers++
			}
		}
		if inliers > bestInliers {
			best, bestInliers = candidate, inliers
		}
	}
	if bestInliers < 3 {
		return plane{}, nil, ErrInsufficientData
	}

	// Refine with a least-squares fit over the consensus set.
	mask := make([]bool, len(points))
	consensus := make([]r3.Vector, 0, bestInliers)
	for i, v := range points {
		if best.residual(v) < ransacThreshold {
			mask[i] = true
			consensus = append(consensus, v)
		}
	}
	refined, err := fitPlaneLSQ(consensus)
	if err != nil {
		return plane{}, nil, err
	}
	return refined, mask, nil
}

// planeThrough solves z = A*x + B*y + C exactly through three points.
func planeThrough(sample []r3.Vector) (plane, error) {
	a := mat.NewDense(3, 3, []float64{
		sample[0].X, sample[0].Y, 1,
		sample[1].X, sample[1].Y, 1,
		sample[2].X, sample[2].Y, 1,
	})
	b := mat.NewVecDense(3, []float64{sample[0].Z, sample[1].Z, sample[2].Z})
	var solution mat.VecDense
	if err := solution.SolveVec(a, b); err != nil {
		return plane{}, fmt.Errorf("estimate: degenerate sample: %w", err)
	}
	return plane{A: solution.AtVec(0), B: solution.AtVec(1), C: solution.AtVec(2)}, nil
}

// levelRotation is the rotation that makes the fitted plane parallel to the
// xOy surface, as an axis-angle vector.
func levelRotation(p plane) r3.Vector {
	tangentSquare := p.A*p.A + p.B*p.B
	if tangentSquare < 1e-18 {
		return r3.Vector{}
	}
	normalLenSquare := tangentSquare + 1
	normalLen := math.Sqrt(normalLenSquare)
	regularizer := math.Acos(1/normalLen) / math.Sqrt(tangentSquare*normalLenSquare)
	return r3.Vector{
		X: -p.B * normalLen * regularizer,
		Y: p.A * normalLen * regularizer,
	}
}

// rotate applies the axis-angle rotation to v (Rodrigues formula).
func rotate(v, axisAngle r3.Vector) r3.Vector {
	angle := axisAngle.Norm()
	if angle == 0 {
		return v
	}
	axis := axisAngle.Mul(1 / angle)
	sin, cos := math.Sincos(angle)
	return v.Mul(cos).
		Add(axis.Cross(v).Mul(sin)).
		Add(axis.Mul(axis.Dot(v) * (1 - cos)))
}

type gridIndex struct {
	x, y int
}

// gridLookup buckets points by their xOy grid cell.
func gridLookup(points []r3.Vector, cellLength float64) map[gridIndex][]r3.Vector {
	if len(points) == 0 {
		return nil
	}
	xMin, yMin := points[0].X, points[0].Y
	for _, v := range points[1:] {
		xMin = math.Min(xMin, v.X)
		yMin = math.Min(yMin, v.Y)
	}
	lookup := make(map[gridIndex][]r3.Vector)
	for _, v := range points {
		index := gridIndex{
			x: int(math.Floor((v.X - xMin) / cellLength)),
			y: int(math.Floor((v.Y - yMin) / cellLength)),
		}
		lookup[index] = append(lookup[index], v)
	}
	return lookup
}

// filterIsolated drops points with too few close neighbors. Depth maps are
// interpolated at object edges; those samples float between the food and the
// table and would inflate the volume.
func filterIsolated(points []r3.Vector) []r3.Vector {
	if len(points) == 0 {
		return nil
	}
	xMin, yMin := points[0].X, points[0].Y
	for _, v := range points[1:] {
		xMin = math.Min(xMin, v.X)
		yMin = math.Min(yMin, v.Y)
	}
	lookup := make(map[gridIndex][]r3.Vector)
	indexOf := func(v r3.Vector) gridIndex {
		return gridIndex{
			x: int(math.Floor((v.X - xMin) / neighborDistance)),
			y: int(math.Floor((v.Y - yMin) / neighborDistance)),
		}
	}
	for _, v := range points {
		lookup[indexOf(v)] = append(lookup[indexOf(v)], v)
	}

	kept := make([]r3.Vector, 0, len(points))
	for _, v := range points {
		center := indexOf(v)
		close := 0
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for _, other := range lookup[gridIndex{x: center.x + dx, y: center.y + dy}] {
					if other.Sub(v).Norm2() < neighborDistance*neighborDistance {
						close++
					}
				}
			}
		}
		if close > neighborCount {
			kept = append(kept, v)
		}
	}
	return kept
}

// AreaVolume estimates the top surface area (square meters) and volume
// (cubic meters) of everything standing above the base plane, treating the
// whole frame as one entity.
func AreaVolume(depth *bundle.DepthMap, calibration bundle.CalibrationData) (area, volume float64, err error) {
	intrinsics, err := RemapIntrinsics(depth, calibration)
	if err != nil {
		return 0, 0, err
	}
	cloud := PointCloud(depth, intrinsics)
	if len(cloud) < 3 {
		return 0, 0, ErrInsufficientData
	}

	rng := rand.New(rand.NewSource(1))
	base, inlierMask, err := fitPlaneRANSAC(cloud, rng)
	if err != nil {
		return 0, 0, err
	}

	rotation := levelRotation(base)
	var backgroundDepth float64
	inliers := 0
	for i, v := range cloud {
		cloud[i] = rotate(v, rotation)
		if inlierMask[i] {
			backgroundDepth += cloud[i].Z
			inliers++
		}
	}
	backgroundDepth /= float64(inliers)

	// Food points stand above the table: closer to the camera than the
	// leveled base plane.
	food := make([]r3.Vector, 0, len(cloud))
	for i, v := range cloud {
		if !inlierMask[i] && backgroundDepth-v.Z > 0 {
			food = append(food, v)
		}
	}
	food = filterIsolated(food)

	cellArea := gridLength * gridLength
	for _, cell := range gridLookup(food, gridLength) {
		area += cellArea
		var meanHeight float64
		for _, v := range cell {
			meanHeight += backgroundDepth - v.Z
		}
		meanHeight /= float64(len(cell))
		volume += meanHeight * cellArea
	}
	return area, volume, nil
}
