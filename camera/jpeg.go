package camera

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const (
	// DefaultMaxFrameSize caps a single JPEG; anything larger is discarded
	// as a corrupt stream.
	DefaultMaxFrameSize = 10 * 1024 * 1024

	readChunkSize = 256 * 1024
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ErrFrameTooLarge is reported when no end-of-image marker shows up before
// the size cap.
var ErrFrameTooLarge = errors.New("jpeg frame exceeds size limit")

// IsJPEG reports whether data starts with a JPEG start-of-image marker.
func IsJPEG(data []byte) bool {
	return bytes.HasPrefix(data, jpegSOI)
}

// JPEGSplitter cuts a concatenated MJPEG byte stream into single images.
type JPEGSplitter struct {
	r       *bufio.Reader
	maxSize int
	pending []byte
	chunk   []byte
	// Dropped counts frames discarded for exceeding maxSize.
	Dropped int
}

// NewJPEGSplitter reads frames from r. maxSize <= 0 selects DefaultMaxFrameSize.
func NewJPEGSplitter(r io.Reader, maxSize int) *JPEGSplitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &JPEGSplitter{
		r:       bufio.NewReaderSize(r, readChunkSize),
		maxSize: maxSize,
		chunk:   make([]byte, readChunkSize),
	}
}

// Next returns the next complete JPEG. The returned slice is owned by the
// caller. At end of stream it returns io.EOF; a trailing partial frame is
// discarded.
func (s *JPEGSplitter) Next() ([]byte, error) {
	for {
		if frame, ok := s.extract(); ok {
			return frame, nil
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.pending = append(s.pending, s.chunk[:n]...)
		}
		if err != nil {
			if frame, ok := s.extract(); ok {
				return frame, nil
			}
			return nil, err
		}
	}
}

// extract pulls one frame out of pending if a full SOI..EOI span is present.
func (s *JPEGSplitter) extract() ([]byte, bool) {
	for {
		start := bytes.Index(s.pending, jpegSOI)
		if start < 0 {
			// Keep a trailing 0xFF in case the marker is split across reads.
			if n := len(s.pending); n > 0 && s.pending[n-1] == 0xFF {
				s.pending = append(s.pending[:0], 0xFF)
			} else {
				s.pending = s.pending[:0]
			}
			return nil, false
		}
		if start > 0 {
			s.pending = append(s.pending[:0], s.pending[start:]...)
		}

		end := bytes.Index(s.pending[len(jpegSOI):], jpegEOI)
		if end < 0 {
			if len(s.pending) > s.maxSize {
				s.Dropped++
				// Resync on the next start marker.
				s.pending = append(s.pending[:0], s.pending[len(jpegSOI):]...)
				continue
			}
			return nil, false
		}

		size := len(jpegSOI) + end + len(jpegEOI)
		if size > s.maxSize {
			s.Dropped++
			s.pending = append(s.pending[:0], s.pending[size:]...)
			continue
		}
		frame := make([]byte, size)
		copy(frame, s.pending[:size])
		s.pending = append(s.pending[:0], s.pending[size:]...)
		return frame, true
	}
}
