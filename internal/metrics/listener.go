package metrics

import "github.com/cjeanneret/CamRec/internal/logic/recorder"

// Listener feeds recorder lifecycle events into the recording metrics.
type Listener struct{}

func (Listener) RecordingStarted(recorder.Session) {
	recordingsTotal.WithLabelValues("started").Inc()
	recordingActive.Set(1)
}

func (Listener) RecordingStopped(recorder.Session) {
	recordingActive.Set(0)
}

func (Listener) RecordingFailed(recorder.Options, error) {
	recordingsTotal.WithLabelValues("failed").Inc()
}
