package web

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

// ErrNoFrame is returned before the first frame has been presented.
var ErrNoFrame = errors.New("web: no frame yet")

// Feed keeps the latest composed live view frame for HTTP clients. Update
// is cheap and runs on the render cadence; JPEG encoding happens lazily,
// at most once per frame, when a client asks for it.
type Feed struct {
	mu      sync.Mutex
	latest  image.Image
	seq     uint64
	changed chan struct{}

	jpeg    []byte
	jpegSeq uint64
	quality int
}

func NewFeed(quality int) *Feed {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	return &Feed{changed: make(chan struct{}), quality: quality}
}

// Update stores img as the latest frame. It is a canvas sink.
func (f *Feed) Update(img image.Image) {
	if img == nil {
		return
	}
	f.mu.Lock()
	f.latest = img
	f.seq++
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// JPEG returns the latest frame encoded as JPEG and its sequence number.
func (f *Feed) JPEG() ([]byte, uint64, error) {
	f.mu.Lock()
	img, seq := f.latest, f.seq
	if img == nil {
		f.mu.Unlock()
		return nil, 0, ErrNoFrame
	}
	if f.jpeg != nil && f.jpegSeq == seq {
		data := f.jpeg
		f.mu.Unlock()
		return data, seq, nil
	}
	f.mu.Unlock()

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(f.quality)); err != nil {
		return nil, 0, err
	}
	data := buf.Bytes()

	f.mu.Lock()
	if seq > f.jpegSeq {
		f.jpeg, f.jpegSeq = data, seq
	}
	f.mu.Unlock()
	return data, seq, nil
}

// Wait blocks until a frame newer than after is available and returns it.
func (f *Feed) Wait(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		f.mu.Lock()
		ready := f.latest != nil && f.seq > after
		changed := f.changed
		f.mu.Unlock()
		if ready {
			return f.JPEG()
		}
		select {
		case <-ctx.Done():
			return nil, after, ctx.Err()
		case <-changed:
		}
	}
}
