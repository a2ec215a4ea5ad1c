package camera

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode is the capture configuration of one device session.
type Mode struct {
	Width  int
	Height int
	// FPS is ignored for still captures.
	FPS   int
	Still bool
}

func (m Mode) String() string {
	if m.Still {
		return fmt.Sprintf("%dx%d still", m.Width, m.Height)
	}
	return fmt.Sprintf("%dx%d@%dfps", m.Width, m.Height, m.FPS)
}

// AutofocusMode selects the lens control of cameras that have one.
type AutofocusMode int

const (
	AutofocusManual AutofocusMode = iota
	AutofocusAuto
	AutofocusContinuous
)

func (m AutofocusMode) String() string {
	switch m {
	case AutofocusManual:
		return "manual"
	case AutofocusAuto:
		return "auto"
	default:
		return "continuous"
	}
}

// ParseAutofocusMode accepts both the short names and the libcamera control
// names ("ContinuousAfMode" and friends). ok is false for unknown names, in
// which case continuous is returned.
func ParseAutofocusMode(name string) (mode AutofocusMode, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "manual", "manualafmode":
		return AutofocusManual, true
	case "auto", "autoafmode":
		return AutofocusAuto, true
	case "continuous", "continuousafmode":
		return AutofocusContinuous, true
	}
	return AutofocusContinuous, false
}

// Driver opens sessions on the camera hardware. Each call to Open yields an
// independent session; the controller keeps one for the stream and opens a
// second one per snapshot.
type Driver interface {
	Open(ctx context.Context) (Device, error)
}

// Device is one open session on the camera.
type Device interface {
	// Configure sets the capture size before anything is started.
	Configure(mode Mode) error
	// SetAutofocus may fail with ErrAutofocusUnsupported.
	SetAutofocus(mode AutofocusMode) error
	// StartEncoder begins continuous JPEG output into sink. It returns once
	// the encoder is producing or has failed to start.
	StartEncoder(quality int, sink FrameSink) error
	// StopEncoder halts continuous output; a no-op when nothing is running.
	StopEncoder() error
	// Capture grabs one JPEG after letting exposure settle for warmup.
	Capture(ctx context.Context, warmup time.Duration) ([]byte, error)
	// Close releases the session and stops the encoder if still running.
	Close() error
}
