package camera

import (
	"sync"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/frame"
)

// Driver is the low-level capture device used by a Source.
// It represents the vendor SDK or library actually talking to the camera
// (OpenCV, GStreamer, a synthetic pattern, ...).
type Driver interface {
	Open() error
	Read() (*frame.Frame, error)
	SetFPS(fps float64) error
	IsOpened() bool
	Close() error
}

// Source is the camera seen by the rest of the application.
// Frame never fails: a closed device or a failed read yields nil.
type Source struct {
	mu     sync.Mutex
	driver Driver
	fps    float64

	// size of the last good frame, 0 until one was read
	width, height int
}

// NewSource wraps a driver. fps is the capture rate requested when the
// device is opened; 0 leaves the device default.
func NewSource(d Driver, fps float64) *Source {
	return &Source{
		driver: d,
		fps:    fps,
	}
}

// Open opens the device if it is not already open and applies the
// configured capture rate.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.driver.IsOpened() {
		return nil
	}
	if err := s.driver.Open(); err != nil {
		return err
	}
	debug.Info("Camera opened")
	s.applyRate()
	return nil
}

// Close releases the device. Closing a closed source is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.driver.IsOpened() {
		return nil
	}
	debug.Info("Camera closed")
	return s.driver.Close()
}

// IsOpen reports whether the device is available.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver.IsOpened()
}

// SetRate requests a capture rate. The request is best-effort: it is
// remembered and forwarded to the device when open, and a device that
// rejects it keeps capturing at whatever rate it runs.
func (s *Source) SetRate(fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fps = fps
	if s.driver.IsOpened() {
		s.applyRate()
	}
}

// Rate returns the last requested capture rate.
func (s *Source) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// Frame returns the next frame, or nil if the device is closed or the
// read failed.
func (s *Source) Frame() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.driver.IsOpened() {
		return nil
	}
	f, err := s.driver.Read()
	if err != nil {
		debug.Trace("Camera: read failed: %v", err)
		return nil
	}
	if !f.Valid() {
		debug.Trace("Camera: discarding malformed frame")
		return nil
	}
	s.width, s.height = f.Width, f.Height
	return f
}

// FrameSize returns the dimensions of the last frame delivered.
// ok is false until a frame has been read.
func (s *Source) FrameSize() (width, height int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.width > 0 && s.height > 0
}

func (s *Source) applyRate() {
	if s.fps <= 0 {
		return
	}
	if err := s.driver.SetFPS(s.fps); err != nil {
		debug.Verbose("Camera: device refused %.2f fps: %v", s.fps, err)
		return
	}
	debug.Verbose("Camera: capture rate set to %.2f fps", s.fps)
}
