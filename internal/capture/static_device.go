package capture

import (
	"context"
	"sync"

	"github.com/canchenlee/foodscan/internal/bundle"
)

// StaticDevice is a Device that replays a fixed frame and attitude. It
// stands in for camera hardware in the CLI and in tests.
type StaticDevice struct {
	Frame        Frame
	DeviceAttitude bundle.Attitude
	// CaptureErr, when set, makes every still capture fail.
	CaptureErr error
	// NoDepth, when set, reports a device without depth capability.
	NoDepth bool

	mu         sync.Mutex
	running    bool
	stillCount int
}

func (d *StaticDevice) HasDepthCapability() bool {
	return !d.NoDepth
}

func (d *StaticDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

func (d *StaticDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *StaticDevice) Still(ctx context.Context) (Frame, error) {
	d.mu.Lock()
	d.stillCount++
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if d.CaptureErr != nil {
		return Frame{}, d.CaptureErr
	}
	return d.Frame, nil
}

func (d *StaticDevice) Attitude() bundle.Attitude {
	return d.DeviceAttitude
}

// StillCount reports how many still captures the device has served.
func (d *StaticDevice) StillCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stillCount
}

// Running reports whether the device is currently streaming.
func (d *StaticDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
