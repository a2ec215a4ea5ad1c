package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default rpicam-apps settings. Older Raspberry Pi OS images ship the same
// tools under libcamera-* names; point the binaries there if needed.
const (
	DefaultVidBinary   = "rpicam-vid"
	DefaultStillBinary = "rpicam-still"
	DefaultListBinary  = "rpicam-hello"

	// DefaultStartTimeout bounds how long StartEncoder waits for the first frame.
	DefaultStartTimeout = 10 * time.Second

	// encoderStopGrace is how long a stopped encoder may take to exit.
	encoderStopGrace = 2 * time.Second
)

// Sensors known to carry a motorised focus lens.
var autofocusSensors = map[string]bool{
	"imx708":       true, // Camera Module 3
	"imx519":       true,
	"arducam_64mp": true,
}

var cameraLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)`)

// RpicamConfig selects the binaries and camera used by RpicamDriver.
type RpicamConfig struct {
	Index        int
	VidBinary    string
	StillBinary  string
	ListBinary   string
	StartTimeout time.Duration
	MaxFrameSize int
}

// RpicamDriver drives a Raspberry Pi camera through the rpicam-apps tools.
// Every session is a separate process, so sessions share no state.
type RpicamDriver struct {
	cfg    RpicamConfig
	logger *zap.Logger
}

// NewRpicamDriver fills unset fields with defaults.
func NewRpicamDriver(cfg RpicamConfig, logger *zap.Logger) *RpicamDriver {
	if cfg.VidBinary == "" {
		cfg.VidBinary = DefaultVidBinary
	}
	if cfg.StillBinary == "" {
		cfg.StillBinary = DefaultStillBinary
	}
	if cfg.ListBinary == "" {
		cfg.ListBinary = DefaultListBinary
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RpicamDriver{cfg: cfg, logger: logger}
}

// Open probes the camera list and returns a session bound to the
// configured camera index.
func (d *RpicamDriver) Open(ctx context.Context) (Device, error) {
	sensor, err := d.probe(ctx)
	if err != nil {
		return nil, err
	}
	return &rpicamDevice{
		cfg:    d.cfg,
		sensor: sensor,
		logger: d.logger.With(zap.Int("camera", d.cfg.Index), zap.String("sensor", sensor)),
	}, nil
}

// probe runs "<list> --list-cameras" and returns the sensor model of the
// configured camera.
func (d *RpicamDriver) probe(ctx context.Context) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.ListBinary, "--list-cameras")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s --list-cameras: %w (stderr: %s)",
			d.cfg.ListBinary, err, strings.TrimSpace(stderr.String()))
	}

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		m := cameraLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		if idx, _ := strconv.Atoi(m[1]); idx == d.cfg.Index {
			return m[2], nil
		}
	}
	return "", fmt.Errorf("camera %d not found", d.cfg.Index)
}

type rpicamDevice struct {
	cfg    RpicamConfig
	sensor string
	logger *zap.Logger

	mu        sync.Mutex
	mode      Mode
	afArgs    []string
	closed    bool
	encoder   *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
	pumpDone  chan struct{}
	exitErr   error
	configSet bool
}

func (d *rpicamDevice) Configure(mode Mode) error {
	if mode.Width <= 0 || mode.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", mode.Width, mode.Height)
	}
	if !mode.Still && mode.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", mode.FPS)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.encoder != nil {
		return errors.New("cannot reconfigure while encoding")
	}
	d.mode = mode
	d.configSet = true
	return nil
}

func (d *rpicamDevice) SetAutofocus(mode AutofocusMode) error {
	if !autofocusSensors[d.sensor] {
		return ErrAutofocusUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.afArgs = []string{"--autofocus-mode", mode.String()}
	return nil
}

func (d *rpicamDevice) baseArgs() []string {
	args := []string{
		"--camera", strconv.Itoa(d.cfg.Index),
		"--nopreview",
		"--width", strconv.Itoa(d.mode.Width),
		"--height", strconv.Itoa(d.mode.Height),
	}
	return append(args, d.afArgs...)
}

// StartEncoder launches rpicam-vid in MJPEG mode and pumps its stdout
// through a JPEGSplitter into sink. It waits for the first frame so a
// missing or busy camera is reported here rather than as a silent stream.
func (d *rpicamDevice) StartEncoder(quality int, sink FrameSink) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDeviceClosed
	}
	if d.encoder != nil {
		d.mu.Unlock()
		return errors.New("encoder already running")
	}
	if !d.configSet {
		d.mu.Unlock()
		return errors.New("device not configured")
	}

	args := append(d.baseArgs(),
		"--codec", "mjpeg",
		"--quality", strconv.Itoa(quality),
		"--framerate", strconv.Itoa(d.mode.FPS),
		"--timeout", "0", // run until killed
		"--flush",
		"--output", "-",
	)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, d.cfg.VidBinary, args...)
	cmd.WaitDelay = encoderStopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to start %s: %w", d.cfg.VidBinary, err)
	}

	d.encoder = cmd
	d.cancel = cancel
	d.done = make(chan struct{})
	d.pumpDone = make(chan struct{})
	d.exitErr = nil
	done, pumpDone, mode := d.done, d.pumpDone, d.mode
	d.mu.Unlock()

	// Forward encoder diagnostics.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Debug("encoder", zap.String("line", scanner.Text()))
		}
	}()

	first := make(chan struct{})
	go func() {
		defer close(pumpDone)
		d.pump(stdout, sink, first)
	}()
	go func() {
		err := cmd.Wait()
		if ctx.Err() == nil {
			d.logger.Error("encoder exited unexpectedly", zap.Error(err))
		}
		d.mu.Lock()
		d.exitErr = err
		d.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-first:
		d.logger.Info("encoder producing frames", zap.Stringer("mode", mode))
		return nil
	case <-done:
		d.mu.Lock()
		err := d.exitErr
		d.mu.Unlock()
		<-pumpDone
		d.reset()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%s exited before the first frame: %w", d.cfg.VidBinary, err)
	case <-timer.C:
		if err := d.StopEncoder(); err != nil {
			d.logger.Warn("encoder did not stop after start timeout", zap.Error(err))
		}
		return fmt.Errorf("no frame from %s within %s", d.cfg.VidBinary, d.cfg.StartTimeout)
	}
}

// pump reads MJPEG from the encoder until the pipe closes.
func (d *rpicamDevice) pump(r io.Reader, sink FrameSink, first chan<- struct{}) {
	splitter := NewJPEGSplitter(r, d.cfg.MaxFrameSize)
	var frames uint64
	for {
		frame, err := splitter.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				d.logger.Warn("encoder stream read error", zap.Error(err))
			}
			d.logger.Info("encoder stream ended",
				zap.Uint64("frames", frames),
				zap.Int("dropped", splitter.Dropped))
			return
		}
		if err := sink.WriteFrame(frame); err != nil {
			d.logger.Warn("sink rejected frame", zap.Error(err))
			continue
		}
		frames++
		if frames == 1 {
			close(first)
		}
	}
}

func (d *rpicamDevice) StopEncoder() error {
	d.mu.Lock()
	cancel, done, pumpDone := d.cancel, d.done, d.pumpDone
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	deadline := time.NewTimer(encoderStopGrace * 2)
	defer deadline.Stop()
	// The pump may still hold complete frames read before the pipe closed;
	// none of them may reach the sink once StopEncoder returns.
	for _, ch := range []chan struct{}{done, pumpDone} {
		select {
		case <-ch:
		case <-deadline.C:
			return fmt.Errorf("%s did not exit", d.cfg.VidBinary)
		}
	}
	d.reset()
	return nil
}

func (d *rpicamDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.encoder = nil
	d.cancel = nil
	d.done = nil
	d.pumpDone = nil
}

// Capture runs rpicam-still once. The warm-up becomes the tool's preview
// timeout, which is when AE/AWB converge before the still is taken.
func (d *rpicamDevice) Capture(ctx context.Context, warmup time.Duration) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	if !d.configSet {
		d.mu.Unlock()
		return nil, errors.New("device not configured")
	}
	timeoutMs := warmup.Milliseconds()
	if timeoutMs < 1 {
		timeoutMs = 1
	}
	args := append(d.baseArgs(),
		"--encoding", "jpg",
		"--timeout", strconv.FormatInt(timeoutMs, 10),
		"--output", "-",
	)
	d.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.StillBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)",
			d.cfg.StillBinary, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s returned empty frame", d.cfg.StillBinary)
	}
	return stdout.Bytes(), nil
}

func (d *rpicamDevice) Close() error {
	err := d.StopEncoder()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}
