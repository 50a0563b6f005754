package camera

import (
	"errors"
	"sync"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/frame"
)

// ErrClosed is returned by MockDriver.Read when the device is not open.
var ErrClosed = errors.New("camera: device closed")

// MockDriver generates a moving test pattern.
// Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	width  int
	height int
	fps    float64
	opened bool
	count  int
}

// NewMockDriver creates a synthetic camera producing width x height frames.
func NewMockDriver(width, height int) *MockDriver {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &MockDriver{width: width, height: height}
}

func (m *MockDriver) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Info("Using MOCK camera driver (%dx%d test pattern)", m.width, m.height)
	m.opened = true
	return nil
}

// Read renders a horizontal gradient that scrolls one column per frame,
// with a white bar at the bottom whose length follows the frame counter.
func (m *MockDriver) Read() (*frame.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return nil, ErrClosed
	}

	f := frame.New(m.width, m.height)
	bar := m.height - m.height/20
	progress := (m.count % 100) * m.width / 100
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			i := (y*m.width + x) * frame.Channels
			if y >= bar {
				if x < progress {
					f.Pix[i], f.Pix[i+1], f.Pix[i+2] = 0xff, 0xff, 0xff
				}
				continue
			}
			v := byte((x + m.count) * 255 / m.width)
			f.Pix[i] = v
			f.Pix[i+1] = byte(y * 255 / m.height)
			f.Pix[i+2] = 0xff - v
		}
	}
	m.count++
	return f, nil
}

func (m *MockDriver) SetFPS(fps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Trace("Mock camera: fps=%.2f", fps)
	m.fps = fps
	return nil
}

// FPS returns the last rate passed to SetFPS.
func (m *MockDriver) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}

func (m *MockDriver) IsOpened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	debug.Trace("Mock camera Close")
	m.opened = false
	return nil
}
