package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/logic/control"
	"github.com/cjeanneret/CamRec/internal/logic/preview"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 1 << 20

// Controller starts and stops recordings on behalf of the page.
type Controller interface {
	Start(req control.Request) (*recorder.Session, error)
	Stop() (*recorder.Session, error)
	Current() *recorder.Session
}

// LoopStats exposes the preview loop counters.
type LoopStats interface {
	Stats() preview.Stats
}

// FormConfig holds default values for the recording form (from config).
type FormConfig struct {
	Framerate       int      `json:"framerate"`
	MinFramerate    int      `json:"min_framerate"`
	MaxFramerate    int      `json:"max_framerate"`
	Compression     string   `json:"compression"`
	Codecs          []string `json:"codecs"`
	SaveDirectory   string   `json:"save_directory"`
	AutoStopSeconds float64  `json:"auto_stop_seconds"`
}

// StatusResponse is the body of GET /record.
type StatusResponse struct {
	Recording bool              `json:"recording"`
	Session   *recorder.Session `json:"session,omitempty"`
	Preview   *preview.Stats    `json:"preview,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Preview      *PreviewHub
	Control      Controller
	Loop         LoopStats
	FormDefaults FormConfig
	staticFS     fs.FS
	upgrader     websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// If ctrl is nil, the record endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, hub *PreviewHub, ctrl Controller, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Preview:      hub,
		Control:      ctrl,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // served on the local network only
			},
		},
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStart handles POST /record/start.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Control == nil {
		http.Error(w, "recording not configured", http.StatusServiceUnavailable)
		return
	}

	var req control.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	s, err := h.Control.Start(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, s)
	case errors.Is(err, control.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, recorder.ErrAlreadyRecording):
		http.Error(w, "recording already in progress", http.StatusConflict)
	default:
		debug.Error(err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	}
}

// HandleStop handles POST /record/stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Control == nil {
		http.Error(w, "recording not configured", http.StatusServiceUnavailable)
		return
	}

	s, err := h.Control.Stop()
	if err != nil {
		// the session is closed either way; report the file problem
		debug.Error(err)
		h.Broadcaster.Broadcast("error", err.Error())
	}
	if s == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleStatus handles GET /record.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if h.Control != nil {
		resp.Session = h.Control.Current()
		resp.Recording = resp.Session != nil
	}
	if h.Loop != nil {
		st := h.Loop.Stats()
		resp.Preview = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSnapshot handles GET /preview.jpg.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := h.Preview.Snapshot()
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	if data == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// HandlePreviewWS handles GET /preview/ws: each binary message is one JPEG frame.
func (h *Handlers) HandlePreviewWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("Preview: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	frames, unsub := h.Preview.Subscribe()
	defer unsub()
	debug.Verbose("Preview: client %s connected", r.RemoteAddr)

	// The page never sends anything; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					debug.Verbose("Preview: websocket read: %v", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			debug.Verbose("Preview: client %s disconnected", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
