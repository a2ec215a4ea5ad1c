package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// FakeDriver is an in-memory camera for development machines and tests.
// With a positive Interval every streaming session emits a generated test
// pattern on its own goroutine; otherwise frames are pushed with Emit.
type FakeDriver struct {
	Interval time.Duration

	// Failure injection.
	OpenErr      error
	ConfigureErr error
	AutofocusErr error
	StartErr     error
	CaptureErr   error
	CaptureDelay time.Duration

	mu       sync.Mutex
	sessions []*FakeDevice
	opened   int
}

// Open returns a new independent session.
func (d *FakeDriver) Open(ctx context.Context) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	dev := &FakeDevice{driver: d}
	d.sessions = append(d.sessions, dev)
	d.opened++
	return dev, nil
}

// Opened counts every session ever opened.
func (d *FakeDriver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Active returns the sessions that have not been closed yet.
func (d *FakeDriver) Active() []*FakeDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*FakeDevice
	for _, s := range d.sessions {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	return out
}

// Encoding returns the session currently streaming, if any.
func (d *FakeDriver) Encoding() *FakeDevice {
	for _, s := range d.Active() {
		if s.Encoding() {
			return s
		}
	}
	return nil
}

// FakeDevice is one FakeDriver session.
type FakeDevice struct {
	driver *FakeDriver

	mu        sync.Mutex
	mode      Mode
	autofocus AutofocusMode
	sink      FrameSink
	stop      chan struct{}
	wg        sync.WaitGroup
	closed    bool
	seq       int
}

func (d *FakeDevice) Configure(mode Mode) error {
	if d.driver.ConfigureErr != nil {
		return d.driver.ConfigureErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.mode = mode
	return nil
}

func (d *FakeDevice) SetAutofocus(mode AutofocusMode) error {
	if d.driver.AutofocusErr != nil {
		return d.driver.AutofocusErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autofocus = mode
	return nil
}

func (d *FakeDevice) StartEncoder(quality int, sink FrameSink) error {
	if d.driver.StartErr != nil {
		return d.driver.StartErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.sink != nil {
		return errors.New("encoder already running")
	}
	d.sink = sink
	d.stop = make(chan struct{})

	if d.driver.Interval > 0 {
		d.wg.Add(1)
		go d.generate(d.stop, sink, quality)
	}
	return nil
}

func (d *FakeDevice) generate(stop <-chan struct{}, sink FrameSink, quality int) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.driver.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			d.seq++
			mode, n := d.mode, d.seq
			d.mu.Unlock()
			if frame, err := TestPattern(mode.Width, mode.Height, n, quality); err == nil {
				_ = sink.WriteFrame(frame)
			}
		}
	}
}

// Emit pushes one frame into the running encoder's sink.
func (d *FakeDevice) Emit(data []byte) error {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return errors.New("encoder not running")
	}
	return sink.WriteFrame(data)
}

func (d *FakeDevice) StopEncoder() error {
	d.mu.Lock()
	stop := d.stop
	d.sink = nil
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		d.wg.Wait()
	}
	return nil
}

func (d *FakeDevice) Capture(ctx context.Context, warmup time.Duration) ([]byte, error) {
	select {
	case <-time.After(warmup + d.driver.CaptureDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.driver.CaptureErr != nil {
		return nil, d.driver.CaptureErr
	}
	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()
	return TestPattern(mode.Width, mode.Height, 0, DefaultQuality)
}

func (d *FakeDevice) Close() error {
	err := d.StopEncoder()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// Mode returns the last configured mode.
func (d *FakeDevice) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Autofocus returns the last autofocus mode set.
func (d *FakeDevice) Autofocus() AutofocusMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.autofocus
}

// Encoding reports whether StartEncoder is in effect.
func (d *FakeDevice) Encoding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink != nil
}

// Closed reports whether the session was released.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// TestPattern encodes a gradient whose phase shifts with n, so consecutive
// frames differ.
func TestPattern(width, height, n, quality int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = 64, 48
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + n*4) % 256),
				G: uint8((y + n*2) % 256),
				B: uint8(n % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
