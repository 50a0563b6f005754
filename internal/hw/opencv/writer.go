package opencv

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/cjeanneret/CamRec/internal/frame"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// Encoder opens cv::VideoWriter outputs tagged with a FOURCC codec.
type Encoder struct{}

func (Encoder) Open(path, codec string, fps float64, width, height int) (recorder.Stream, error) {
	if len(codec) != 4 {
		return nil, fmt.Errorf("codec %q is not a FOURCC", codec)
	}
	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, err
	}
	if !vw.IsOpened() {
		_ = vw.Close()
		return nil, fmt.Errorf("video writer refused %s with codec %s", path, codec)
	}
	return &stream{vw: vw, width: width, height: height}, nil
}

type stream struct {
	vw     *gocv.VideoWriter
	width  int
	height int
}

func (s *stream) Write(f *frame.Frame) error {
	if !f.SameSize(s.width, s.height) {
		return fmt.Errorf("frame %s does not match stream %dx%d", f.Size(), s.width, s.height)
	}
	m, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	if err != nil {
		return err
	}
	defer m.Close()
	return s.vw.Write(m)
}

func (s *stream) Close() error {
	return s.vw.Close()
}
