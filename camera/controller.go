package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Default camera settings, matching the original grow-tent deployment.
const (
	DefaultStreamWidth    = 1280
	DefaultStreamHeight   = 720
	DefaultStreamFPS      = 30
	DefaultQuality        = 85
	DefaultSnapshotWidth  = 2304
	DefaultSnapshotHeight = 1296
	DefaultWarmup         = 500 * time.Millisecond
	DefaultMaxSnapshots   = 1
)

// State is the controller lifecycle.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unstarted"
	}
}

// Settings is everything the controller needs from configuration.
// It is read once per Start / Snapshot.
type Settings struct {
	Stream    Mode
	Quality   int
	Autofocus string
	Snapshot  Mode
	Warmup    time.Duration
	// MaxSnapshots bounds simultaneous still sessions.
	MaxSnapshots int64
}

// DefaultSettings returns the stock stream and snapshot configuration.
func DefaultSettings() Settings {
	return Settings{
		Stream:       Mode{Width: DefaultStreamWidth, Height: DefaultStreamHeight, FPS: DefaultStreamFPS},
		Quality:      DefaultQuality,
		Autofocus:    AutofocusContinuous.String(),
		Snapshot:     Mode{Width: DefaultSnapshotWidth, Height: DefaultSnapshotHeight, Still: true},
		Warmup:       DefaultWarmup,
		MaxSnapshots: DefaultMaxSnapshots,
	}
}

// Controller owns the camera lifecycle: one long-lived streaming session
// feeding a FrameBuffer, plus short independent sessions for snapshots.
type Controller struct {
	driver   Driver
	settings Settings
	frames   *FrameBuffer
	logger   *zap.Logger

	// lifecycle serializes Start and Stop; readers never take it.
	lifecycle sync.Mutex
	session   Device
	state     atomic.Int32
	running   atomic.Bool
	startedAt atomic.Int64

	// restartOwed is set when the watchdog stopped a stalled stream and
	// could not bring it back. Guarded by lifecycle.
	restartOwed bool

	snapshots *semaphore.Weighted
}

// NewController wires a driver to a fresh FrameBuffer.
func NewController(driver Driver, settings Settings, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.MaxSnapshots <= 0 {
		settings.MaxSnapshots = DefaultMaxSnapshots
	}
	settings.Snapshot.Still = true
	return &Controller{
		driver:    driver,
		settings:  settings,
		frames:    NewFrameBuffer(),
		logger:    logger,
		snapshots: semaphore.NewWeighted(settings.MaxSnapshots),
	}
}

// Start opens the streaming session and begins continuous JPEG encoding.
// It is a no-op while already running. Any failure other than autofocus
// returns an *InitError and leaves the controller not running.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.restartOwed = false
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.running.Load() {
		return nil
	}

	dev, err := c.driver.Open(ctx)
	if err != nil {
		return &InitError{Op: "open", Err: err}
	}

	if err := dev.Configure(c.settings.Stream); err != nil {
		c.closeQuietly(dev)
		return &InitError{Op: "configure", Err: err}
	}

	c.applyAutofocus(dev)

	c.frames.resume()
	if err := dev.StartEncoder(c.settings.Quality, c.frames); err != nil {
		c.frames.halt()
		c.closeQuietly(dev)
		return &InitError{Op: "start encoder", Err: err}
	}

	c.session = dev
	c.startedAt.Store(time.Now().UnixNano())
	c.state.Store(int32(StateRunning))
	c.running.Store(true)

	c.logger.Info("camera started",
		zap.Int("width", c.settings.Stream.Width),
		zap.Int("height", c.settings.Stream.Height),
		zap.Int("fps", c.settings.Stream.FPS),
		zap.Int("quality", c.settings.Quality))
	return nil
}

// applyAutofocus is best-effort: the stream starts regardless.
func (c *Controller) applyAutofocus(dev Device) {
	mode, ok := ParseAutofocusMode(c.settings.Autofocus)
	if !ok {
		// TODO: decide whether an unknown mode should fail config validation instead.
		c.logger.Warn("unrecognized autofocus mode, using continuous",
			zap.String("mode", c.settings.Autofocus))
	}

	if err := dev.SetAutofocus(mode); err != nil {
		if errors.Is(err, ErrAutofocusUnsupported) {
			c.logger.Warn("autofocus control not available on this camera")
			return
		}
		c.logger.Warn("failed to set autofocus", zap.Stringer("mode", mode), zap.Error(err))
	}
}

// Stop ends the stream and releases the device. Blocked readers are woken
// with ErrCameraStopped. Calling Stop when not running does nothing.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.restartOwed = false
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if !c.running.Load() {
		return nil
	}

	// Flip the flag first so handlers stop accepting new clients.
	c.running.Store(false)
	c.state.Store(int32(StateStopped))

	dev := c.session
	c.session = nil

	var errs []error
	if err := dev.StopEncoder(); err != nil {
		errs = append(errs, fmt.Errorf("stop encoder: %w", err))
	}
	if err := dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	c.frames.halt()

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("camera stopped with errors", zap.Error(err))
		return err
	}
	c.logger.Info("camera stopped")
	return nil
}

// Snapshot captures one high-resolution JPEG on a second, independent
// session. The streaming session is never touched. Concurrent snapshots
// queue on a semaphore; a caller whose context ends while waiting gives up.
func (c *Controller) Snapshot(ctx context.Context) ([]byte, error) {
	if err := c.snapshots.Acquire(ctx, 1); err != nil {
		return nil, &SnapshotError{Err: err}
	}
	defer c.snapshots.Release(1)

	start := time.Now()
	dev, err := c.driver.Open(ctx)
	if err != nil {
		return nil, &SnapshotError{Err: fmt.Errorf("open: %w", err)}
	}
	defer c.closeQuietly(dev)

	if err := dev.Configure(c.settings.Snapshot); err != nil {
		return nil, &SnapshotError{Err: fmt.Errorf("configure: %w", err)}
	}

	jpeg, err := dev.Capture(ctx, c.settings.Warmup)
	if err != nil {
		return nil, &SnapshotError{Err: fmt.Errorf("capture: %w", err)}
	}
	if !IsJPEG(jpeg) {
		return nil, &SnapshotError{Err: errors.New("capture did not return a JPEG image")}
	}

	c.logger.Debug("snapshot captured",
		zap.Stringer("mode", c.settings.Snapshot),
		zap.Int("bytes", len(jpeg)),
		zap.Duration("took", time.Since(start)))
	return jpeg, nil
}

// IsRunning reports whether the stream is live. It never blocks.
func (c *Controller) IsRunning() bool {
	return c.running.Load()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// StartedAt is when the current (or last) stream session started.
func (c *Controller) StartedAt() time.Time {
	ns := c.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Frames is the buffer stream consumers subscribe to.
func (c *Controller) Frames() *FrameBuffer {
	return c.frames
}

// Settings returns the configuration the controller was built with.
func (c *Controller) Settings() Settings {
	return c.settings
}

func (c *Controller) closeQuietly(dev Device) {
	if err := dev.Close(); err != nil {
		c.logger.Warn("failed to close camera session", zap.Error(err))
	}
}
