package camera

import (
	"context"
	"sync"
	"time"
)

// FrameSink accepts completed encoded frames from an encoder.
type FrameSink interface {
	WriteFrame(data []byte) error
}

// Frame is one complete JPEG image and its position in the stream.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
}

// FrameStats is a point-in-time view of the buffer.
type FrameStats struct {
	Frames      uint64
	LastFrameAt time.Time
	LastSize    int
}

// FrameBuffer holds the most recent frame and wakes every waiting reader
// when a new one lands. It never queues: a write replaces the slot, and
// readers that were too slow simply miss the superseded frame.
type FrameBuffer struct {
	mu         sync.Mutex
	frame      []byte
	seq        uint64
	capturedAt time.Time
	// updated is closed on every write and replaced by a fresh channel.
	updated chan struct{}
	halted  bool
}

// NewFrameBuffer returns an empty buffer ready for writes.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{updated: make(chan struct{})}
}

// WriteFrame stores a copy of data as the latest frame and releases all waiters.
func (b *FrameBuffer) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	now := time.Now()

	b.mu.Lock()
	b.frame = frame
	b.seq++
	b.capturedAt = now
	close(b.updated)
	b.updated = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Write implements io.Writer so the buffer can be handed to any encoder
// that emits exactly one frame per call.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	if err := b.WriteFrame(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Next blocks until a frame newer than lastSeq is available and returns a
// private copy of it. It fails with ErrFrameTimeout when nothing new arrives
// within timeout, ErrCameraStopped when the buffer is halted, or the
// context's error when ctx is done. A non-positive timeout waits forever.
func (b *FrameBuffer) Next(ctx context.Context, lastSeq uint64, timeout time.Duration) (Frame, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if b.halted {
			b.mu.Unlock()
			return Frame{}, ErrCameraStopped
		}
		if b.seq > lastSeq && b.frame != nil {
			data, seq, at := b.frame, b.seq, b.capturedAt
			b.mu.Unlock()
			// The stored slice is never mutated after a write, so copying
			// outside the lock is safe.
			out := make([]byte, len(data))
			copy(out, data)
			return Frame{Data: out, Seq: seq, CapturedAt: at}, nil
		}
		wait := b.updated
		b.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return Frame{}, ErrFrameTimeout
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Subscribe returns a cursor that delivers each new frame at most once.
func (b *FrameBuffer) Subscribe() *Subscription {
	return &Subscription{buf: b}
}

// Stats reports how many frames were written and when the last one landed.
func (b *FrameBuffer) Stats() FrameStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return FrameStats{
		Frames:      b.seq,
		LastFrameAt: b.capturedAt,
		LastSize:    len(b.frame),
	}
}

// halt wakes every waiter with ErrCameraStopped until resume is called.
func (b *FrameBuffer) halt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted {
		return
	}
	b.halted = true
	close(b.updated)
	b.updated = make(chan struct{})
}

// resume re-opens the buffer. The last frame of a previous run is dropped
// so readers never mistake it for live output.
func (b *FrameBuffer) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted = false
	b.frame = nil
}

// Subscription tracks the last frame one consumer has seen.
// It must not be shared between goroutines.
type Subscription struct {
	buf     *FrameBuffer
	lastSeq uint64
}

// Read returns the next frame this subscription has not observed yet.
func (s *Subscription) Read(ctx context.Context, timeout time.Duration) (Frame, error) {
	f, err := s.buf.Next(ctx, s.lastSeq, timeout)
	if err != nil {
		return Frame{}, err
	}
	s.lastSeq = f.Seq
	return f, nil
}

// LastSeq is the sequence number of the last frame returned by Read.
func (s *Subscription) LastSeq() uint64 { return s.lastSeq }
