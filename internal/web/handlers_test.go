package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/CamRec/internal/logic/control"
	"github.com/cjeanneret/CamRec/internal/logic/preview"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
)

// ---------- Handler helpers ----------

type fakeController struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	requests []control.Request
	current  *recorder.Session
}

func (c *fakeController) Start(req control.Request) (*recorder.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.current = &recorder.Session{ID: "s1", Path: "/videos/" + req.Filename, Codec: req.Compression, FPS: req.Framerate}
	s := *c.current
	return &s, nil
}

func (c *fakeController) Stop() (*recorder.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	c.current = nil
	return s, c.stopErr
}

func (c *fakeController) Current() *recorder.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

type fixedStats preview.Stats

func (s fixedStats) Stats() preview.Stats { return preview.Stats(s) }

func newTestHandlers(ctrl Controller) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		NewPreviewHub(0),
		ctrl,
		FormConfig{
			Framerate:     30,
			MinFramerate:  1,
			MaxFramerate:  60,
			Compression:   "XVID",
			Codecs:        recorder.Codecs,
			SaveDirectory: "/videos",
		},
		staticFS,
	)
}

func startJSON(req control.Request) []byte {
	data, _ := json.Marshal(req)
	return data
}

func postStart(h *Handlers, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/record/start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleStart(w, req)
	return w
}

// ---------- HandleStart ----------

func TestHandleStart_ValidPost(t *testing.T) {
	ctrl := &fakeController{}
	h := newTestHandlers(ctrl)

	w := postStart(h, startJSON(control.Request{Framerate: 25, Compression: "MJPG", Filename: "out.avi"}))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var s recorder.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if s.Path != "/videos/out.avi" || s.FPS != 25 {
		t.Errorf("session = %+v, want out.avi at 25 fps", s)
	}
	if len(ctrl.requests) != 1 || ctrl.requests[0].Compression != "MJPG" {
		t.Errorf("controller requests = %+v", ctrl.requests)
	}
}

func TestHandleStart_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	req := httptest.NewRequest(http.MethodGet, "/record/start", nil)
	w := httptest.NewRecorder()

	h.HandleStart(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleStart_InvalidJSON(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	w := postStart(h, []byte("not json"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleStart_OversizedBody(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	big := `{"filename":"` + strings.Repeat("x", 2<<20) + `"}`
	w := postStart(h, []byte(big))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleStart_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid_request", fmt.Errorf("%w: framerate", control.ErrInvalidRequest), http.StatusBadRequest},
		{"already_recording", recorder.ErrAlreadyRecording, http.StatusConflict},
		{"unsupported_codec", fmt.Errorf("%w: \"WMV2\"", recorder.ErrUnsupportedCodec), http.StatusUnprocessableEntity},
		{"encoder_failure", errors.New("open output: permission denied"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandlers(&fakeController{startErr: tc.err})
			w := postStart(h, startJSON(control.Request{}))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleStart_NilController(t *testing.T) {
	h := newTestHandlers(nil)
	w := postStart(h, startJSON(control.Request{}))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- HandleStop / HandleStatus ----------

func TestHandleStop_ReturnsSession(t *testing.T) {
	ctrl := &fakeController{current: &recorder.Session{ID: "s1", FramesWritten: 90}}
	h := newTestHandlers(ctrl)
	w := httptest.NewRecorder()

	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/record/stop", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var s recorder.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.FramesWritten != 90 {
		t.Errorf("frames_written = %d, want 90", s.FramesWritten)
	}
}

func TestHandleStop_IdleIsOK(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	w := httptest.NewRecorder()

	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/record/stop", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"idle"`) {
		t.Errorf("body = %q, want idle status", w.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &fakeController{current: &recorder.Session{ID: "s1"}}
	h := newTestHandlers(ctrl)
	h.Loop = fixedStats{Ticks: 10, Shown: 9, Missing: 1}
	w := httptest.NewRecorder()

	h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/record", nil))

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Recording || resp.Session == nil || resp.Session.ID != "s1" {
		t.Errorf("status = %+v, want recording s1", resp)
	}
	if resp.Preview == nil || resp.Preview.Missing != 1 {
		t.Errorf("preview stats = %+v, want missing=1", resp.Preview)
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var fc FormConfig
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Framerate != 30 {
		t.Errorf("Framerate = %v, want 30", fc.Framerate)
	}
	if fc.Compression != "XVID" {
		t.Errorf("Compression = %q, want XVID", fc.Compression)
	}
	if len(fc.Codecs) != len(recorder.Codecs) {
		t.Errorf("Codecs = %v, want %v", fc.Codecs, recorder.Codecs)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Preview ----------

func grayImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	return img
}

func TestHandleSnapshot_NoFrameYet(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	w := httptest.NewRecorder()

	h.HandleSnapshot(w, httptest.NewRequest(http.MethodGet, "/preview.jpg", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleSnapshot_ReturnsJPEG(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	h.Preview.Show(grayImage(16, 12))
	w := httptest.NewRecorder()

	h.HandleSnapshot(w, httptest.NewRequest(http.MethodGet, "/preview.jpg", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	img, err := jpeg.Decode(w.Body)
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 12 {
		t.Errorf("snapshot size = %v, want 16x12", img.Bounds())
	}
}

func TestHandlePreviewWS_PushesFrames(t *testing.T) {
	h := newTestHandlers(&fakeController{})
	srv := httptest.NewServer(http.HandlerFunc(h.HandlePreviewWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Preview.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Preview.Show(grayImage(8, 8))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", kind)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("frame is not a JPEG: %v", err)
	}
}

func TestPreviewHub_SlowClientSkipsFrames(t *testing.T) {
	hub := NewPreviewHub(50)
	ch, unsub := hub.Subscribe()
	defer unsub()

	hub.Show(grayImage(4, 4))
	hub.Show(grayImage(4, 4)) // dropped: previous frame not taken

	<-ch
	select {
	case <-ch:
		t.Error("slow client should have missed the second frame")
	default:
	}
}

func TestPreviewHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewPreviewHub(0)
	ch, unsub := hub.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if hub.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", hub.Subscribers())
	}
}

// ---------- Server ----------

func TestServerMux_Routes(t *testing.T) {
	srv, err := NewServer(":0", NewStatusBroadcaster(), NewPreviewHub(0), &fakeController{}, nil, FormConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/record", http.StatusOK},
		{http.MethodPost, "/record/stop", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/preview.jpg", http.StatusServiceUnavailable},
		{http.MethodGet, "/record/start", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, ts.URL+tc.path, nil)
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}
