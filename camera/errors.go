package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameTimeout is returned by a read when no new frame arrived in time.
	// Callers should treat it as a lost camera and end the session.
	ErrFrameTimeout = errors.New("camera frame timeout - is the camera connected?")

	// ErrCameraStopped is returned to readers once the camera has been stopped.
	ErrCameraStopped = errors.New("camera stopped")

	// ErrEmptyFrame is returned when the encoder hands over zero bytes.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrAutofocusUnsupported is returned by devices without a focus lens.
	ErrAutofocusUnsupported = errors.New("autofocus not supported by this camera")

	// ErrDeviceClosed is returned by a device used after Close.
	ErrDeviceClosed = errors.New("camera device closed")
)

// InitError reports a failure to bring up the streaming session.
type InitError struct {
	Op  string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("camera init: %s: %v", e.Op, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// SnapshotError reports a failed still capture. The stream is unaffected.
type SnapshotError struct {
	Err error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot failed: %v", e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }
