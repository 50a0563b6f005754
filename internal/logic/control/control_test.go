package control

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

type fakeCamera struct {
	w, h  int
	known bool
	rate  float64
	rates []float64
}

func (c *fakeCamera) FrameSize() (int, int, bool) { return c.w, c.h, c.known }
func (c *fakeCamera) Rate() float64               { return c.rate }
func (c *fakeCamera) SetRate(fps float64) {
	c.rate = fps
	c.rates = append(c.rates, fps)
}

type fakeRecorder struct {
	startErr error
	opts     []recorder.Options
	current  *recorder.Session
	stops    int
	after    []time.Duration
}

func (r *fakeRecorder) Start(opts recorder.Options) (*recorder.Session, error) {
	r.opts = append(r.opts, opts)
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.current = &recorder.Session{ID: "s1", Codec: opts.Codec, FPS: opts.FPS, Width: opts.Width, Height: opts.Height}
	s := *r.current
	return &s, nil
}

func (r *fakeRecorder) Stop() (*recorder.Session, error) {
	r.stops++
	s := r.current
	r.current = nil
	return s, nil
}

func (r *fakeRecorder) StopAfter(d time.Duration) error {
	r.after = append(r.after, d)
	return nil
}

func (r *fakeRecorder) Recording() bool             { return r.current != nil }
func (r *fakeRecorder) Current() *recorder.Session { return r.current }

func defaults() Defaults {
	return Defaults{Dir: "/videos", FPS: 30, Codec: "XVID", Width: 640, Height: 480}
}

func TestStart_UsesDefaults(t *testing.T) {
	cam := &fakeCamera{rate: 30}
	rec := &fakeRecorder{}
	c := New(cam, rec, defaults())

	s, err := c.Start(Request{})
	require.NoError(t, err)
	require.NotNil(t, s)

	require.Len(t, rec.opts, 1)
	assert.Equal(t, recorder.Options{Dir: "/videos", FPS: 30, Codec: "XVID", Width: 640, Height: 480}, rec.opts[0])
	assert.Empty(t, cam.rates, "rate unchanged, camera not touched")
	assert.Empty(t, rec.after)
}

func TestStart_RequestOverridesAndCameraSize(t *testing.T) {
	cam := &fakeCamera{w: 1280, h: 720, known: true, rate: 30}
	rec := &fakeRecorder{}
	c := New(cam, rec, defaults())

	_, err := c.Start(Request{Framerate: 15, Compression: "mjpg", Filename: "run1.avi", Directory: "/data"})
	require.NoError(t, err)

	opts := rec.opts[0]
	assert.Equal(t, "/data", opts.Dir)
	assert.Equal(t, "run1.avi", opts.Filename)
	assert.Equal(t, 15.0, opts.FPS)
	assert.Equal(t, "mjpg", opts.Codec)
	assert.Equal(t, 1280, opts.Width)
	assert.Equal(t, 720, opts.Height)
	assert.Equal(t, []float64{15}, cam.rates)
}

func TestStart_FallbackSize(t *testing.T) {
	rec := &fakeRecorder{}
	d := defaults()
	d.Width, d.Height = 0, 0
	c := New(&fakeCamera{rate: 30}, rec, d)

	_, err := c.Start(Request{})
	require.NoError(t, err)
	assert.Equal(t, FallbackWidth, rec.opts[0].Width)
	assert.Equal(t, FallbackHeight, rec.opts[0].Height)
}

func TestStart_AutoStop(t *testing.T) {
	rec := &fakeRecorder{}
	d := defaults()
	d.AutoStop = time.Minute
	c := New(&fakeCamera{rate: 30}, rec, d)

	_, err := c.Start(Request{AutoStopSeconds: 2.5})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2500 * time.Millisecond}, rec.after)

	_, _ = c.Stop()
	_, err = c.Start(Request{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, rec.after[1], "default auto-stop applies")
}

func TestStart_InvalidRequest(t *testing.T) {
	tests := map[string]Request{
		"framerate too low":  {Framerate: 0.5},
		"framerate too high": {Framerate: 61},
		"framerate NaN":      {Framerate: math.NaN()},
		"negative auto-stop": {AutoStopSeconds: -1},
		"infinite auto-stop": {AutoStopSeconds: math.Inf(1)},
		"filename with path": {Filename: "../escape.avi"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			rec := &fakeRecorder{}
			c := New(&fakeCamera{}, rec, defaults())

			_, err := c.Start(req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, rec.opts, "recorder must not be called")
		})
	}
}

func TestStart_RecorderErrorPassesThrough(t *testing.T) {
	rec := &fakeRecorder{startErr: recorder.ErrAlreadyRecording}
	c := New(&fakeCamera{rate: 30}, rec, defaults())

	_, err := c.Start(Request{})
	assert.True(t, errors.Is(err, recorder.ErrAlreadyRecording))
	assert.Empty(t, rec.after)
}

func TestStart_WhileRecordingKeepsCameraRate(t *testing.T) {
	cam := &fakeCamera{rate: 30}
	rec := &fakeRecorder{}
	c := New(cam, rec, defaults())

	first, err := c.Start(Request{})
	require.NoError(t, err)

	_, err = c.Start(Request{Framerate: 5})
	assert.ErrorIs(t, err, recorder.ErrAlreadyRecording)
	assert.Empty(t, cam.rates)
	assert.Equal(t, 30.0, cam.Rate())
	assert.Len(t, rec.opts, 1, "recorder not asked again")
	assert.Equal(t, first.ID, c.Current().ID)
}

func TestStart_RecorderFailureKeepsCameraRate(t *testing.T) {
	cam := &fakeCamera{rate: 30}
	rec := &fakeRecorder{startErr: recorder.ErrUnsupportedCodec}
	c := New(cam, rec, defaults())

	_, err := c.Start(Request{Framerate: 10, Compression: "NOPE"})
	assert.ErrorIs(t, err, recorder.ErrUnsupportedCodec)
	assert.Empty(t, cam.rates)
	assert.Equal(t, 30.0, cam.Rate())
}

func TestToggle(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(&fakeCamera{rate: 30}, rec, defaults())

	c.Toggle()
	assert.True(t, rec.Recording())
	assert.NotNil(t, c.Current())

	c.Toggle()
	assert.False(t, rec.Recording())
	assert.Equal(t, 1, rec.stops)
}

func TestToggle_StartFailureIsLogged(t *testing.T) {
	rec := &fakeRecorder{startErr: errors.New("disk full")}
	c := New(&fakeCamera{rate: 30}, rec, defaults())

	assert.NotPanics(t, c.Toggle)
	assert.False(t, rec.Recording())
}

func TestToggle_StopsSessionStartedElsewhere(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(&fakeCamera{rate: 30}, rec, defaults())

	_, err := c.Start(Request{Compression: "MJPG"})
	require.NoError(t, err)

	c.Toggle()
	assert.False(t, rec.Recording())
	assert.Equal(t, 1, rec.stops)
	assert.Len(t, rec.opts, 1)
}
