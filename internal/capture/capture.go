package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/canchenlee/foodscan/internal/bundle"
)

// ErrDeviceUnsupported is reported at construction when the device has no
// depth-capable camera. Callers must not use the manager after seeing it.
var ErrDeviceUnsupported = errors.New("depth-capable camera not available")

// Frame is the raw output of one hardware still capture.
type Frame struct {
	Image       []byte // JPEG bytes
	DepthBuffer []float32
	DepthWidth  int
	DepthHeight int
	Calibration bundle.CalibrationData
}

// Device abstracts the depth camera and motion sensor hardware. Exactly one
// component may drive a device at a time.
type Device interface {
	// HasDepthCapability reports whether the device can deliver depth data
	// alongside still captures.
	HasDepthCapability() bool
	// Start and Stop control continuous streaming. Both are idempotent.
	Start() error
	Stop() error
	// Still triggers one capture and blocks until the frame is ready.
	Still(ctx context.Context) (Frame, error)
	// Attitude returns the latest sampled device attitude. Only meaningful
	// while the device is streaming.
	Attitude() bundle.Attitude
}

/// Output is the result of one accepted capture trigger: the color image,
// the converted depth map, and the calibration and attitude snapshots of
// the same physical capture event.
type Output struct {
	Image       []byte
	Depth       *bundle.DepthMap
	Calibration bundle.CalibrationData
	Attitude    bundle.Attitude
}

// Manager owns the capture hardware session. It produces one temporally
// coherent sensor bundle per accepted trigger and delivers it through a
// callback invoked exactly once.
type Manager struct {
	device Device

	mu      sync.Mutex
	running bool
}

// NewManager wraps a device. It fails fast with ErrDeviceUnsupported when
// the required depth capability is absent.
func NewManager(device Device) (*Manager, error) {
	if !device.HasDepthCapability() {
		return nil, ErrDeviceUnsupported
	}
	return &Manager{device: device}, nil
}

// StartRunning begins continuous sensor streaming. Calling it while already
// running is a no-op.
func (m *Manager) StartRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.device.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	m.running = true
	return nil
}

// StopRunning ends sensor streaming. Safe to call without a prior start.
func (m *Manager) StopRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("stopping capture device: %w", err)
	}
	m.running = false
	return nil
}

// DeviceAttitude polls the latest known attitude. The value is only usable
// while the manager is running; callers must not rely on it otherwise.
func (m *Manager) DeviceAttitude() bundle.Attitude {
	return m.device.Attitude()
}

// CaptureImage triggers one still capture. The callback is invoked exactly
// once, with either a complete output or a non-nil error; on error the
// other fields must be treated as absent. The attitude is sampled at the
// trigger instant so it corresponds to the same capture event as the depth
// and color data.
func (m *Manager) CaptureImage(ctx context.Context, callback func(Output, error)) {
	attitude := m.device.Attitude()
	go func() {
		frame, err := m.device.Still(ctx)
		if err != nil {
			log.Printf("[CAPTURE] Still capture failed: %v", err)
			callback(Output{}, fmt.Errorf("capturing still: %w", err))
			return
		}
		depth, err := bundle.ConvertDepthData(frame.DepthBuffer, frame.DepthWidth, frame.DepthHeight)
		if err != nil {
			callback(Output{}, fmt.Errorf("converting captured depth: %w", err))
			return
		}
		callback(Output{
			Image:       frame.Image,
			Depth:       depth,
			Calibration: frame.Calibration,
			Attitude:    attitude,
		}, nil)
	}()
}
