// Package control turns user requests (web form, record button, command
// line) into recorder sessions using the current camera settings.
package control

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// Framerate bounds accepted from users.
const (
	MinFramerate = 1
	MaxFramerate = 60
)

// Size used when neither the camera nor the defaults know the frame size.
const (
	FallbackWidth  = 640
	FallbackHeight = 480
)

// ErrInvalidRequest is returned for malformed user input.
var ErrInvalidRequest = errors.New("control: invalid request")

// Camera is the part of camera.Source the controller needs.
type Camera interface {
	FrameSize() (width, height int, ok bool)
	SetRate(fps float64)
	Rate() float64
}

// Recorder is the part of recorder.Recorder the controller drives.
type Recorder interface {
	Start(opts recorder.Options) (*recorder.Session, error)
	Stop() (*recorder.Session, error)
	StopAfter(d time.Duration) error
	Recording() bool
	Current() *recorder.Session
}

// Defaults fill in whatever a Request leaves empty.
type Defaults struct {
	Dir      string
	FPS      float64
	Codec    string
	Width    int // used until the camera delivered a frame
	Height   int
	AutoStop time.Duration
}

// Request is a start request. Zero fields take the Defaults.
type Request struct {
	Framerate       float64 `json:"framerate"`
	Compression     string  `json:"compression"`
	Filename        string  `json:"filename"`
	Directory       string  `json:"directory"`
	AutoStopSeconds float64 `json:"auto_stop_seconds"`
}

// Validate rejects values no default can repair.
func (r Request) Validate() error {
	if math.IsNaN(r.Framerate) || math.IsInf(r.Framerate, 0) {
		return fmt.Errorf("%w: framerate must be a number", ErrInvalidRequest)
	}
	if r.Framerate != 0 && (r.Framerate < MinFramerate || r.Framerate > MaxFramerate) {
		return fmt.Errorf("%w: framerate must be between %d and %d, got %g", ErrInvalidRequest, MinFramerate, MaxFramerate, r.Framerate)
	}
	if math.IsNaN(r.AutoStopSeconds) || math.IsInf(r.AutoStopSeconds, 0) || r.AutoStopSeconds < 0 {
		return fmt.Errorf("%w: auto_stop_seconds must be >= 0, got %g", ErrInvalidRequest, r.AutoStopSeconds)
	}
	if strings.ContainsAny(r.Filename, `/\`) {
		return fmt.Errorf("%w: filename must not contain a path separator", ErrInvalidRequest)
	}
	return nil
}

// Controller serializes start, stop and toggle requests.
type Controller struct {
	cam      Camera
	rec      Recorder
	defaults Defaults

	mu sync.Mutex
}

// New creates a controller.
func New(cam Camera, rec Recorder, d Defaults) *Controller {
	return &Controller{cam: cam, rec: rec, defaults: d}
}

// Defaults returns the values used for empty request fields.
func (c *Controller) Defaults() Defaults {
	return c.defaults
}

// Start opens a recording. Once the recorder accepted the session, a
// framerate different from the camera's is requested from the camera.
// A rejected start leaves the camera and any open session untouched.
func (c *Controller) Start(req Request) (*recorder.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(req)
}

func (c *Controller) start(req Request) (*recorder.Session, error) {
	if c.rec.Recording() {
		return nil, recorder.ErrAlreadyRecording
	}

	opts := c.options(req)
	s, err := c.rec.Start(opts)
	if err != nil {
		return nil, err
	}
	if opts.FPS != c.cam.Rate() {
		c.cam.SetRate(opts.FPS)
	}

	autoStop := c.defaults.AutoStop
	if req.AutoStopSeconds > 0 {
		autoStop = time.Duration(req.AutoStopSeconds * float64(time.Second))
	}
	if autoStop > 0 {
		if err := c.rec.StopAfter(autoStop); err != nil {
			debug.Error(err)
		}
	}
	return s, nil
}

func (c *Controller) options(req Request) recorder.Options {
	opts := recorder.Options{
		Dir:      c.defaults.Dir,
		Filename: req.Filename,
		FPS:      c.defaults.FPS,
		Codec:    c.defaults.Codec,
		Width:    c.defaults.Width,
		Height:   c.defaults.Height,
	}
	if req.Directory != "" {
		opts.Dir = req.Directory
	}
	if req.Framerate > 0 {
		opts.FPS = req.Framerate
	}
	if req.Compression != "" {
		opts.Codec = req.Compression
	}
	if w, h, ok := c.cam.FrameSize(); ok {
		opts.Width, opts.Height = w, h
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = FallbackWidth, FallbackHeight
	}
	return opts
}

// Stop closes the recording, if any.
func (c *Controller) Stop() (*recorder.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Stop()
}

// Toggle stops a running recording or starts one with the defaults.
// It is the record button action; failures are logged.
func (c *Controller) Toggle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec.Recording() {
		if _, err := c.rec.Stop(); err != nil {
			debug.Error(err)
		}
		return
	}
	if _, err := c.start(Request{}); err != nil {
		debug.Error(fmt.Errorf("start recording: %w", err))
	}
}

// Current returns the open session, or nil.
func (c *Controller) Current() *recorder.Session {
	return c.rec.Current()
}
