package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cjeanneret/CamRec/internal/config"
	"github.com/cjeanneret/CamRec/internal/debug"
	"github.com/cjeanneret/CamRec/internal/hw/camera"
	"github.com/cjeanneret/CamRec/internal/hw/gpio"
	"github.com/cjeanneret/CamRec/internal/hw/gstreamer"
	"github.com/cjeanneret/CamRec/internal/hw/indicator"
	"github.com/cjeanneret/CamRec/internal/hw/opencv"
	"github.com/cjeanneret/CamRec/internal/logic/control"
	"github.com/cjeanneret/CamRec/internal/logic/preview"
	"github.com/cjeanneret/CamRec/internal/logic/recorder"
	"github.com/cjeanneret/CamRec/internal/metrics"
	"github.com/cjeanneret/CamRec/internal/notify"
	"github.com/cjeanneret/CamRec/internal/web"
)

// configEnv names the environment variable (or .env entry) holding the settings path.
const configEnv = "CAMREC_CONFIG"

// Hardware constructors, replaced in tests.
var (
	newGPIODriver = gpio.NewDriver
	newEncoder    = func() recorder.Encoder { return opencv.Encoder{} }
)

// cliOverrides holds command-line values that replace config defaults.
// Zero values mean "use config".
type cliOverrides struct {
	Framerate   int
	Compression string
	Output      string
	Duration    float64 // seconds, 0 = until stopped
}

func main() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", defaultConfigPath(), "path to settings file (YAML or JSON); $"+configEnv+" sets the default")
	framerate := flag.Int("framerate", 0, "override default framerate (1-60)")
	compression := flag.String("compression", "", "override default codec ("+strings.Join(recorder.Codecs, ", ")+")")
	output := flag.String("output", "", "output file name or path of the first recording")
	duration := flag.Float64("duration", 0, "stop the recording after this many seconds")
	record := flag.Bool("record", false, "start recording at startup (always on without -web)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := loadConfig(*cfgPath, flagPassed("config") || os.Getenv(configEnv) != "")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	overrides := cliOverrides{
		Framerate:   *framerate,
		Compression: *compression,
		Output:      *output,
		Duration:    *duration,
	}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	// Initialize debug system
	debug.Init(cfg.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())

	if err := run(ctx, cfg, overrides, webPort.port(), *record); err != nil {
		log.Fatalf("camrec: %v", err)
	}
}

// run wires the application and blocks until ctx is cancelled or, without
// a web server, until the recording ends.
func run(ctx context.Context, cfg *config.Config, overrides cliOverrides, port int, record bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Camera
	debug.Step(1, "Initializing camera")
	driver, err := newCameraFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init camera: %w", err)
	}
	debug.PrintStruct("Camera config", cfg.Camera)
	source := camera.NewSource(driver, float64(cfg.DefaultFramerate))
	if err := source.Open(); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Printf("closing camera failed: %v", err)
		}
	}()

	// Recorder
	debug.Step(2, "Initializing recorder")
	rec := recorder.New(newEncoder())
	rec.AddListener(metrics.Listener{})

	ctrl := control.New(source, rec, control.Defaults{
		Dir:    cfg.DefaultSaveDirectory,
		FPS:    float64(cfg.DefaultFramerate),
		Codec:  cfg.DefaultCompression,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	})
	debug.Value("Save directory", cfg.DefaultSaveDirectory)
	debug.Value("Framerate", cfg.DefaultFramerate)
	debug.Value("Compression", cfg.DefaultCompression)

	// Optional GPIO lamp and button
	var button preview.Button
	if cfg.GPIO.LampPin > 0 || cfg.GPIO.ButtonPin > 0 {
		debug.Step(3, "Initializing GPIO driver")
		debug.Value("Mock GPIO", cfg.GPIO.Mock)
		gpioDriver, err := newGPIODriver(cfg.GPIO.Mock)
		if err != nil {
			return fmt.Errorf("init GPIO: %w", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
		if cfg.GPIO.LampPin > 0 {
			rec.AddListener(indicator.NewLamp(gpioDriver, cfg.GPIO.LampPin))
			debug.Value("Lamp pin", cfg.GPIO.LampPin)
		}
		if cfg.GPIO.ButtonPin > 0 {
			button = indicator.NewButton(gpioDriver, cfg.GPIO.ButtonPin)
			debug.Value("Button pin", cfg.GPIO.ButtonPin)
		}
	}

	// Optional MQTT notifications
	if cfg.MQTTEnabled() {
		debug.Step(4, "Connecting to MQTT broker")
		client, err := notify.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			// notifications are optional, recording works without them
			debug.Error(err)
		} else {
			defer client.Disconnect(250)
			rec.AddListener(notify.NewMQTTNotifier(client, cfg.MQTT.Topic))
			debug.Value("MQTT topic", cfg.MQTT.Topic)
		}
	}

	// Preview loop and display
	var display preview.Display
	var hub *web.PreviewHub
	var broadcaster *web.StatusBroadcaster
	if port > 0 {
		hub = web.NewPreviewHub(0)
		broadcaster = web.NewStatusBroadcaster()
		display = hub
		rec.AddListener(broadcaster)
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}
	loop := preview.NewLoop(source, rec, display, preview.Config{
		Interval:      cfg.PreviewInterval(),
		DisplayWidth:  cfg.Preview.Width,
		DisplayHeight: cfg.Preview.Height,
	})
	if button != nil {
		loop.SetButton(button, ctrl.Toggle)
	}

	// Without a web server the process records once and exits when the recording ends.
	headless := port == 0
	ended := newStopWatcher()
	rec.AddListener(ended)

	if record || headless {
		debug.Section("Starting recording")
		primeCamera(source)
		s, err := ctrl.Start(startRequest(overrides))
		if err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
		debug.Info("Recording %s (%s, %.0f fps)", s.Path, s.Codec, s.FPS)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	// Registered after the GPIO and MQTT cleanups so it runs before them:
	// the stop listeners still need the lamp pin and the broker connection.
	defer func() {
		cancel()
		wg.Wait()
		finishRecording(rec)
	}()

	if headless {
		select {
		case <-ctx.Done():
		case <-ended.Done():
		}
		return nil
	}

	formDefaults := web.FormConfig{
		Framerate:       cfg.DefaultFramerate,
		MinFramerate:    control.MinFramerate,
		MaxFramerate:    control.MaxFramerate,
		Compression:     cfg.DefaultCompression,
		Codecs:          recorder.Codecs,
		SaveDirectory:   cfg.DefaultSaveDirectory,
		AutoStopSeconds: overrides.Duration,
	}
	srv, err := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, hub, ctrl, loop, formDefaults)
	if err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	return srv.Run(ctx)
}

// finishRecording closes a session still open at exit so the file is not lost.
func finishRecording(rec *recorder.Recorder) {
	s, err := rec.Stop()
	if err != nil {
		log.Printf("closing recording failed: %v", err)
		return
	}
	if s != nil {
		debug.Info("Recording saved to %s", s.Path)
	}
}

// primeCamera reads until the source delivered a frame (or gives up after
// about a second) so the first recording gets the real frame size.
func primeCamera(src *camera.Source) {
	for i := 0; i < 50; i++ {
		if src.Frame() != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	debug.Info("Camera delivered no frame yet, recording at the configured size")
}

// loadConfig reads the settings file. A missing file is an error only if
// the user named it; otherwise built-in defaults are used.
func loadConfig(path string, required bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		log.Printf("config %s not found, using defaults", path)
		return config.Default(), nil
	}
	return nil, err
}

func defaultConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return filepath.Join("configs", "default.yaml")
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(o cliOverrides) error {
	if o.Framerate != 0 && (o.Framerate < control.MinFramerate || o.Framerate > control.MaxFramerate) {
		return fmt.Errorf("framerate must be between %d and %d, got %d", control.MinFramerate, control.MaxFramerate, o.Framerate)
	}
	if o.Compression != "" && !recorder.SupportedCodec(o.Compression) {
		return fmt.Errorf("compression must be one of %s, got %q", strings.Join(recorder.Codecs, ", "), o.Compression)
	}
	if math.IsNaN(o.Duration) || math.IsInf(o.Duration, 0) || o.Duration < 0 {
		return fmt.Errorf("duration must be >= 0 seconds, got %g", o.Duration)
	}
	if o.Output != "" && strings.HasSuffix(o.Output, string(filepath.Separator)) {
		return fmt.Errorf("output must name a file, got directory %q", o.Output)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
// A directory part of Output becomes the default save directory.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Framerate > 0 {
		cfg.DefaultFramerate = o.Framerate
	}
	if o.Compression != "" {
		cfg.DefaultCompression = strings.ToUpper(strings.TrimSpace(o.Compression))
	}
	if dir := filepath.Dir(o.Output); o.Output != "" && dir != "." {
		cfg.DefaultSaveDirectory = dir
	}
}

// startRequest builds the request for the startup recording.
func startRequest(o cliOverrides) control.Request {
	req := control.Request{AutoStopSeconds: o.Duration}
	if o.Output != "" {
		req.Filename = filepath.Base(o.Output)
	}
	return req
}

// stopWatcher is a recorder.Listener whose Done channel closes at the first stop.
type stopWatcher struct {
	once sync.Once
	done chan struct{}
}

func newStopWatcher() *stopWatcher {
	return &stopWatcher{done: make(chan struct{})}
}

func (w *stopWatcher) Done() <-chan struct{} { return w.done }

func (w *stopWatcher) RecordingStarted(recorder.Session) {}

func (w *stopWatcher) RecordingStopped(recorder.Session) {
	w.once.Do(func() { close(w.done) })
}

func (w *stopWatcher) RecordingFailed(recorder.Options, error) {}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newCameraFromConfig selects a camera driver based on configuration.
func newCameraFromConfig(cfg *config.Config) (camera.Driver, error) {
	switch cfg.Camera.Type {
	case "mock":
		return camera.NewMockDriver(cfg.Camera.Width, cfg.Camera.Height), nil
	case "opencv":
		return opencv.NewCapture(cfg.Camera.Index, cfg.Camera.Width, cfg.Camera.Height), nil
	case "gstreamer":
		if cfg.Camera.Source == "" {
			return nil, fmt.Errorf("camera.source is required for the gstreamer camera")
		}
		return gstreamer.NewCapture(cfg.Camera.Source, cfg.Camera.Width, cfg.Camera.Height), nil
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
