package web

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	"github.com/cjeanneret/CamRec/internal/debug"
)

// DefaultJPEGQuality is used for preview frames.
const DefaultJPEGQuality = 75

// PreviewHub is the browser-side display of the preview loop.
// Each shown image is JPEG-encoded once and pushed to every websocket
// subscriber; a subscriber that has not taken the previous frame skips
// this one. The last image is kept for snapshots.
type PreviewHub struct {
	quality int

	mu      sync.RWMutex
	latest  image.Image
	clients map[chan []byte]struct{}
}

// NewPreviewHub creates a hub; quality <= 0 means DefaultJPEGQuality.
func NewPreviewHub(quality int) *PreviewHub {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &PreviewHub{
		quality: quality,
		clients: make(map[chan []byte]struct{}),
	}
}

// Show implements preview.Display.
func (h *PreviewHub) Show(img image.Image) {
	h.mu.Lock()
	h.latest = img
	n := len(h.clients)
	h.mu.Unlock()

	if n == 0 {
		return
	}
	data, err := h.encode(img)
	if err != nil {
		debug.Live("Preview: jpeg encode failed: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// client still busy with the previous frame
		}
	}
}

// Subscribe returns a channel of JPEG frames and a cleanup function.
func (h *PreviewHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Snapshot returns the last shown image as JPEG, or nil before the first frame.
func (h *PreviewHub) Snapshot() ([]byte, error) {
	h.mu.RLock()
	img := h.latest
	h.mu.RUnlock()

	if img == nil {
		return nil, nil
	}
	return h.encode(img)
}

// Subscribers returns the number of connected preview clients.
func (h *PreviewHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *PreviewHub) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
