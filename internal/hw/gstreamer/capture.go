// Package gstreamer provides a camera driver on top of a GStreamer pipeline
// ending in an appsink, for sources OpenCV cannot open directly
// (GenICam/Aravis, RTSP, libcamera, ...).
package gstreamer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/frame"
)

// pullTimeout bounds a single Read so a stalled source only costs one tick.
const pullTimeout = 20 * time.Millisecond

var (
	errClosed  = errors.New("gstreamer: pipeline closed")
	errNoFrame = errors.New("gstreamer: no sample")
)

// Capture is a camera.Driver pulling BGR frames from:
//
//	<source> ! videoconvert ! videoscale ! videorate ! capsfilter ! appsink
type Capture struct {
	mu       sync.Mutex
	source   string
	width    int
	height   int
	fps      float64
	pipeline *gst.Pipeline
	sink     *app.Sink
	rate     *gst.Element
}

// NewCapture prepares a pipeline for source, a gst-launch fragment such as
// "aravissrc camera-name=Basler-123" or "v4l2src device=/dev/video0".
// Zero width/height keep the source resolution.
func NewCapture(source string, width, height int) *Capture {
	return &Capture{source: source, width: width, height: height}
}

func (c *Capture) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline != nil {
		return nil
	}
	if c.source == "" {
		return errors.New("gstreamer: camera.source is required")
	}

	gst.Init(nil)

	launch := fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate ! capsfilter name=rate ! appsink name=sink sync=false max-buffers=1 drop=true",
		c.source,
	)
	debug.Verbose("GStreamer: %s", launch)
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	// a pipeline that never reached c.pipeline is torn down here
	release := func(err error) error {
		if serr := pipeline.SetState(gst.StateNull); serr != nil {
			debug.Trace("GStreamer: release pipeline: %v", serr)
		}
		return err
	}

	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return release(fmt.Errorf("find appsink: %w", err))
	}
	rate, err := pipeline.GetElementByName("rate")
	if err != nil {
		return release(fmt.Errorf("find capsfilter: %w", err))
	}
	if err := rate.SetProperty("caps", gst.NewCapsFromString(buildCaps(c.width, c.height, c.fps))); err != nil {
		return release(fmt.Errorf("set caps: %w", err))
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return release(fmt.Errorf("start pipeline: %w", err))
	}

	c.pipeline = pipeline
	c.sink = app.SinkFromElement(sinkElem)
	c.rate = rate
	return nil
}

// Read waits at most pullTimeout for the next sample.
func (c *Capture) Read() (*frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sink == nil {
		return nil, errClosed
	}
	sample := c.sink.TryPullSample(pullTimeout)
	if sample == nil {
		return nil, errNoFrame
	}

	width, height := c.width, c.height
	if caps := sample.GetCaps(); caps != nil {
		if s := caps.GetStructureAt(0); s != nil {
			if v, err := s.GetValue("width"); err == nil {
				if w, ok := v.(int); ok {
					width = w
				}
			}
			if v, err := s.GetValue("height"); err == nil {
				if h, ok := v.(int); ok {
					height = h
				}
			}
		}
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errNoFrame
	}
	mapInfo := buffer.Map(gst.MapRead)
	pix, err := packRows(mapInfo.Bytes(), width, height)
	buffer.Unmap()
	if err != nil {
		return nil, err
	}
	return &frame.Frame{Width: width, Height: height, Pix: pix}, nil
}

// packRows copies a raw BGR image into a tightly packed buffer. GStreamer
// pads each row to a multiple of 4 bytes, so rows of width*3 bytes that are
// not aligned carry trailing padding which is dropped here.
func packRows(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gstreamer: invalid sample size %dx%d", width, height)
	}
	row := width * frame.Channels
	packed := row * height
	if len(data) == packed {
		pix := make([]byte, packed)
		copy(pix, data)
		return pix, nil
	}

	stride := (row + 3) &^ 3
	if len(data) < stride*(height-1)+row {
		return nil, fmt.Errorf("gstreamer: sample of %d bytes does not match %dx%d", len(data), width, height)
	}
	pix := make([]byte, packed)
	for y := 0; y < height; y++ {
		copy(pix[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return pix, nil
}

// SetFPS rewrites the capsfilter so videorate drops or duplicates frames.
func (c *Capture) SetFPS(fps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fps = fps
	if c.rate == nil {
		return nil
	}
	return c.rate.SetProperty("caps", gst.NewCapsFromString(buildCaps(c.width, c.height, fps)))
}

func (c *Capture) IsOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline != nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline == nil {
		return nil
	}
	err := c.pipeline.SetState(gst.StateNull)
	c.pipeline = nil
	c.sink = nil
	c.rate = nil
	return err
}

// buildCaps returns the raw BGR caps for the capsfilter.
func buildCaps(width, height int, fps float64) string {
	caps := "video/x-raw,format=BGR"
	if width > 0 && height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", width, height)
	}
	if num, den := rateFraction(fps); num > 0 {
		caps += fmt.Sprintf(",framerate=%d/%d", num, den)
	}
	return caps
}

// rateFraction turns fps into a reduced fraction with millihertz precision,
// e.g. 29.97 -> 2997/100 and 0.5 -> 1/2. Non-positive rates give 0/1.
func rateFraction(fps float64) (num, den int) {
	if !(fps > 0) || math.IsInf(fps, 0) {
		return 0, 1
	}
	num, den = int(math.Round(fps*1000)), 1000
	if num == 0 {
		return 0, 1
	}
	a, b := num, den
	for b != 0 {
		a, b = b, a%b
	}
	return num / a, den / a
}
