package camera

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"

	"github.com/cjeanneret/VeinCam/internal/debug"
)

// maxJPEGSize bounds a single MJPEG frame held by the scanner.
const maxJPEGSize = 8 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ScanJPEG is a bufio.SplitFunc that yields one complete JPEG image
// (SOI..EOI) per token from a concatenated MJPEG byte stream. Bytes before
// the first SOI are discarded.
func ScanJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xFF in case the marker is split across reads.
		if len(data) > 0 && data[len(data)-1] == 0xFF {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// Stream decodes frames in the background and keeps the newest one.
// Implementations feed it either a byte stream (MJPEG on a pipe) or
// individual JPEG buffers.
type Stream struct {
	mu      sync.RWMutex
	latest  image.Image
	err     error
	decoded uint64
	done    chan struct{}
}

func newStream() *Stream {
	return &Stream{done: make(chan struct{})}
}

// NewMJPEGStream starts decoding r in a goroutine. When r ends, finish is
// called (may be nil) and the stream reports ErrUnavailable from then on.
func NewMJPEGStream(r io.Reader, finish func() error) *Stream {
	s := newStream()
	go s.readMJPEG(r, finish)
	return s
}

func (s *Stream) readMJPEG(r io.Reader, finish func() error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxJPEGSize)
	sc.Split(ScanJPEG)
	for sc.Scan() {
		s.push(sc.Bytes())
	}
	cause := sc.Err()
	if finish != nil {
		if err := finish(); err != nil && cause == nil {
			cause = err
		}
	}
	if cause == nil {
		cause = io.EOF
	}
	s.fail(cause)
}

// push decodes one JPEG buffer; corrupt frames are skipped.
func (s *Stream) push(buf []byte) {
	img, err := jpeg.Decode(bytes.NewReader(buf))
	if err != nil {
		debug.Trace("Camera: dropping undecodable frame (%d bytes): %v", len(buf), err)
		return
	}
	s.mu.Lock()
	s.latest = img
	s.decoded++
	s.mu.Unlock()
}

func (s *Stream) fail(cause error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: stream ended: %v", ErrUnavailable, cause)
		debug.Error(s.err)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// LatestFrame returns the newest decoded frame.
func (s *Stream) LatestFrame() (image.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.latest == nil {
		return nil, ErrNoFrame
	}
	return s.latest, nil
}

// Decoded returns the number of frames decoded so far.
func (s *Stream) Decoded() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decoded
}

// Done is closed once the stream has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}
