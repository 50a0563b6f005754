package recorder

import (
	"fmt"
	"strings"
	"time"
)

// Codecs lists the FOURCC identifiers the recorder accepts, in the order
// they are offered to the user.
var Codecs = []string{"XVID", "MJPG", "X264", "DIVX", "H264", "MP4V"}

// DefaultCodec is used when nothing else is configured.
const DefaultCodec = "XVID"

// SupportedCodec reports whether codec is one of Codecs (case-insensitive).
func SupportedCodec(codec string) bool {
	_, ok := normalizeCodec(codec)
	return ok
}

func normalizeCodec(codec string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(codec))
	for _, known := range Codecs {
		if c == known {
			return c, true
		}
	}
	return c, false
}

// DefaultFilename names a recording after its start time,
// e.g. recording_20240131_142501.avi.
func DefaultFilename(t time.Time) string {
	return fmt.Sprintf("recording_%s.avi", t.Format("20060102_150405"))
}
