package preview

import (
	"context"
	"image"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/frame"
	"github.com/cjeanneret/CamRec/internal/metrics"
)

// DefaultInterval is the tick period of the loop (about 30 Hz).
const DefaultInterval = 30 * time.Millisecond

// FrameSource yields at most one frame per call, nil when none is available.
type FrameSource interface {
	Frame() *frame.Frame
}

// FrameSink receives the original frames while a recording is open.
type FrameSink interface {
	Recording() bool
	WriteFrame(f *frame.Frame) error
}

// Display renders a converted, scaled preview image.
type Display interface {
	Show(img image.Image)
}

// Button reports a press once per physical press.
type Button interface {
	Pressed() bool
}

// Config sets the tick period and the display area.
type Config struct {
	Interval      time.Duration
	DisplayWidth  int // 0 = unconstrained
	DisplayHeight int // 0 = unconstrained
}

// Stats are running counters since the loop was created.
type Stats struct {
	Ticks       uint64 `json:"ticks"`
	Shown       uint64 `json:"shown"`
	Missing     uint64 `json:"missing"`
	Written     uint64 `json:"written"`
	WriteErrors uint64 `json:"write_errors"`
}

// Loop pulls one frame per tick, shows it and forwards it to the recorder.
// Everything happens synchronously on the goroutine running Run, so a slow
// camera or encoder delays the next tick instead of queueing frames.
type Loop struct {
	source  FrameSource
	sink    FrameSink
	display Display
	cfg     Config

	button Button
	toggle func()

	ticks, shown, missing, written, writeErrors atomic.Uint64
}

// NewLoop wires a loop. A zero Interval means DefaultInterval.
func NewLoop(src FrameSource, sink FrameSink, disp Display, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Loop{
		source:  src,
		sink:    sink,
		display: disp,
		cfg:     cfg,
	}
}

// SetButton attaches a hardware button polled on every tick; each press calls toggle.
// Must be called before Run.
func (l *Loop) SetButton(b Button, toggle func()) {
	l.button = b
	l.toggle = toggle
}

// Tick processes at most one frame. It returns false when no frame was
// available; the tick is then skipped without retry.
func (l *Loop) Tick() bool {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()
	l.ticks.Add(1)

	if l.button != nil && l.button.Pressed() {
		debug.Info("Record button pressed")
		l.toggle()
	}

	f := l.source.Frame()
	if f == nil {
		l.missing.Add(1)
		metrics.FrameMissing()
		return false
	}
	metrics.FrameCaptured()

	if l.display != nil {
		img := f.RGBA()
		w, h := frame.FitWithin(f.Width, f.Height, l.cfg.DisplayWidth, l.cfg.DisplayHeight)
		if w != f.Width || h != f.Height {
			l.display.Show(frame.Scale(img, w, h))
		} else {
			l.display.Show(img)
		}
		l.shown.Add(1)
	}

	if l.sink != nil && l.sink.Recording() {
		if err := l.sink.WriteFrame(f); err != nil {
			l.writeErrors.Add(1)
			metrics.FrameWritten(false)
			debug.Live("Frame write failed: %v", err)
		} else {
			l.written.Add(1)
			metrics.FrameWritten(true)
		}
	}
	return true
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	debug.Verbose("Preview loop running every %v", l.cfg.Interval)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			debug.Verbose("Preview loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:       l.ticks.Load(),
		Shown:       l.shown.Load(),
		Missing:     l.missing.Load(),
		Written:     l.written.Load(),
		WriteErrors: l.writeErrors.Load(),
	}
}
