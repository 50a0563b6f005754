// Package opencv adapts gocv (OpenCV) capture devices and video writers to
// the camera and recorder interfaces.
package opencv

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/frame"
)

var errNoFrame = errors.New("opencv: no frame")

// Capture is a camera.Driver backed by cv::VideoCapture.
type Capture struct {
	mu     sync.Mutex
	index  int
	width  int
	height int
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	bgr    gocv.Mat
}

// NewCapture prepares capture device index. Non-zero width and height are
// requested from the device when it is opened.
func NewCapture(index, width, height int) *Capture {
	return &Capture{index: index, width: width, height: height}
}

func (c *Capture) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc != nil {
		return nil
	}
	vc, err := gocv.VideoCaptureDevice(c.index)
	if err != nil {
		return fmt.Errorf("open capture device %d: %w", c.index, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return fmt.Errorf("capture device %d did not open", c.index)
	}
	if c.width > 0 && c.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.height))
	}
	debug.Verbose("OpenCV: device %d opened (%gx%g)", c.index,
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight))

	c.vc = vc
	c.mat = gocv.NewMat()
	c.bgr = gocv.NewMat()
	return nil
}

// Read grabs the next frame and copies it out of OpenCV memory.
func (c *Capture) Read() (*frame.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil, errors.New("opencv: device closed")
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, errNoFrame
	}

	src := c.mat
	switch c.mat.Channels() {
	case 3:
	case 1:
		gocv.CvtColor(c.mat, &c.bgr, gocv.ColorGrayToBGR)
		src = c.bgr
	case 4:
		gocv.CvtColor(c.mat, &c.bgr, gocv.ColorBGRAToBGR)
		src = c.bgr
	default:
		return nil, fmt.Errorf("opencv: unsupported channel count %d", c.mat.Channels())
	}

	return &frame.Frame{
		Width:  src.Cols(),
		Height: src.Rows(),
		Pix:    src.ToBytes(),
	}, nil
}

func (c *Capture) SetFPS(fps float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return errors.New("opencv: device closed")
	}
	c.vc.Set(gocv.VideoCaptureFPS, fps)
	if got := c.vc.Get(gocv.VideoCaptureFPS); got != fps {
		return fmt.Errorf("device reports %g fps after requesting %g", got, fps)
	}
	return nil
}

func (c *Capture) IsOpened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vc != nil && c.vc.IsOpened()
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	_ = c.mat.Close()
	_ = c.bgr.Close()
	c.vc = nil
	return err
}
