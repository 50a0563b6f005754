package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/frame"
)

var (
	// ErrNotRecording is returned by WriteFrame when no session is open.
	ErrNotRecording = errors.New("recorder: not recording")
	// ErrAlreadyRecording is returned by Start while a session is open.
	ErrAlreadyRecording = errors.New("recorder: already recording")
	// ErrUnsupportedCodec is returned by Start for an unknown FOURCC.
	ErrUnsupportedCodec = errors.New("recorder: unsupported codec")
	// ErrInvalidOptions is returned by Start for missing or non-positive parameters.
	ErrInvalidOptions = errors.New("recorder: invalid options")
	// ErrBadFrame is returned by WriteFrame for a buffer that does not match its size.
	ErrBadFrame = errors.New("recorder: malformed frame")
)

// Stream is an open output video.
type Stream interface {
	Write(f *frame.Frame) error
	Close() error
}

// Encoder opens output videos. It stands for the video-writing library.
type Encoder interface {
	Open(path, codec string, fps float64, width, height int) (Stream, error)
}

// Options describes a recording to start.
type Options struct {
	Dir      string
	Filename string // empty = DefaultFilename(now)
	FPS      float64
	Codec    string
	Width    int
	Height   int
}

// Session is a snapshot of a recording.
type Session struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	Codec         string    `json:"codec"`
	FPS           float64   `json:"framerate"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Started       time.Time `json:"started"`
	Stopped       time.Time `json:"stopped"`
	FramesWritten uint64    `json:"frames_written"`
	WriteFailures uint64    `json:"write_failures"`
}

// Listener is notified of recording lifecycle changes. Callbacks run on
// the goroutine that caused the change, after the recorder lock is released.
type Listener interface {
	RecordingStarted(s Session)
	RecordingStopped(s Session)
	RecordingFailed(opts Options, err error)
}

// Recorder writes frames to one output video at a time.
//
// States: Idle -> Recording -> Idle, driven only by Start and Stop.
// All methods are safe for concurrent use.
type Recorder struct {
	encoder Encoder
	now     func() time.Time

	mu        sync.Mutex
	stream    Stream
	session   *Session
	autoStop  *time.Timer
	listeners []Listener
}

// New creates an idle recorder writing through enc.
func New(enc Encoder) *Recorder {
	return &Recorder{
		encoder: enc,
		now:     time.Now,
	}
}

// AddListener registers l for lifecycle events.
func (r *Recorder) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Start opens a new recording. On any failure the recorder stays Idle and
// the error says why (unsupported codec, directory, encoder).
// Starting while a session is open is rejected with ErrAlreadyRecording;
// listeners are not told about that rejection since nothing failed.
func (r *Recorder) Start(opts Options) (*Session, error) {
	s, err := r.start(opts)
	if errors.Is(err, ErrAlreadyRecording) {
		return nil, err
	}
	if err != nil {
		r.notify(func(l Listener) { l.RecordingFailed(opts, err) })
		return nil, err
	}
	r.notify(func(l Listener) { l.RecordingStarted(*s) })
	return s, nil
}

func (r *Recorder) start(opts Options) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream != nil {
		return nil, ErrAlreadyRecording
	}

	codec, ok := normalizeCodec(opts.Codec)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, opts.Codec)
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("%w: framerate must be > 0, got %g", ErrInvalidOptions, opts.FPS)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%w: frame size must be positive, got %dx%d", ErrInvalidOptions, opts.Width, opts.Height)
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("%w: destination directory is required", ErrInvalidOptions)
	}

	started := r.now()
	name := strings.TrimSpace(opts.Filename)
	if name == "" {
		name = DefaultFilename(started)
	}
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: filename %q must not contain a directory", ErrInvalidOptions, name)
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	path := filepath.Join(opts.Dir, name)
	debug.Verbose("Recorder: opening %s (%s, %.2f fps, %dx%d)", path, codec, opts.FPS, opts.Width, opts.Height)
	stream, err := r.encoder.Open(path, codec, opts.FPS, opts.Width, opts.Height)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}

	r.stream = stream
	r.session = &Session{
		ID:      uuid.NewString(),
		Path:    path,
		Codec:   codec,
		FPS:     opts.FPS,
		Width:   opts.Width,
		Height:  opts.Height,
		Started: started,
	}
	debug.Recording("started", path)

	s := *r.session
	return &s, nil
}

// WriteFrame appends f to the open recording. Frames whose size differs
// from the session's are resized to the session size first.
// A write error is reported but leaves the session open.
func (r *Recorder) WriteFrame(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream == nil {
		return ErrNotRecording
	}
	if !f.Valid() {
		r.session.WriteFailures++
		return ErrBadFrame
	}

	if !f.SameSize(r.session.Width, r.session.Height) {
		debug.Trace("Recorder: resizing %s to %dx%d", f.Size(), r.session.Width, r.session.Height)
		f = f.Resize(r.session.Width, r.session.Height)
	}

	if err := r.stream.Write(f); err != nil {
		r.session.WriteFailures++
		return fmt.Errorf("write frame: %w", err)
	}
	r.session.FramesWritten++
	if debug.IsEnabled(debug.LevelLive) && r.session.FramesWritten%100 == 0 {
		debug.Frames(r.session.FramesWritten, r.session.WriteFailures)
	}
	return nil
}

// Stop closes the open recording and returns its final snapshot.
// Calling Stop while Idle is a no-op returning (nil, nil).
func (r *Recorder) Stop() (*Session, error) {
	s, err := r.stop("")
	if s != nil {
		r.notify(func(l Listener) { l.RecordingStopped(*s) })
	}
	return s, err
}

// stop closes the session; a non-empty id restricts it to that session.
func (r *Recorder) stop(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream == nil {
		return nil, nil
	}
	if id != "" && r.session.ID != id {
		return nil, nil
	}
	if r.autoStop != nil {
		r.autoStop.Stop()
		r.autoStop = nil
	}

	err := r.stream.Close()
	r.stream = nil
	r.session.Stopped = r.now()
	s := *r.session
	r.session = nil

	debug.Recording("stopped", s.Path)
	debug.Frames(s.FramesWritten, s.WriteFailures)
	if err != nil {
		return &s, fmt.Errorf("close output %s: %w", s.Path, err)
	}
	return &s, nil
}

// StopAfter arranges for the current recording to stop after d.
// The timer only ever stops the session that was open when it was armed.
func (r *Recorder) StopAfter(d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream == nil {
		return ErrNotRecording
	}
	if r.autoStop != nil {
		r.autoStop.Stop()
	}

	id := r.session.ID
	debug.Verbose("Recorder: auto-stop in %v", d)
	r.autoStop = time.AfterFunc(d, func() {
		s, err := r.stop(id)
		if err != nil {
			debug.Error(err)
		}
		if s != nil {
			debug.Info("Auto-stop: recording stopped after %v", d)
			r.notify(func(l Listener) { l.RecordingStopped(*s) })
		}
	})
	return nil
}

// Recording reports whether a session is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream != nil
}

// Current returns a snapshot of the open session, or nil when Idle.
func (r *Recorder) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	s := *r.session
	return &s
}

func (r *Recorder) notify(fn func(Listener)) {
	r.mu.Lock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.mu.Unlock()

	for _, l := range ls {
		fn(l)
	}
}
