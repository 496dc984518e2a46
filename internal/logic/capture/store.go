package capture

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/cjeanneret/VeinCam/internal/debug"
	"github.com/cjeanneret/VeinCam/internal/hw/rangefinder"
)

// IDLayout is the timestamp layout used for record IDs and filenames.
const IDLayout = "20060102_150405"

// DefaultJPEGQuality is used when Config.JPEGQuality is out of range.
const DefaultJPEGQuality = 95

// Encoder writes img to w as a JPEG.
type Encoder func(w io.Writer, img image.Image, quality int) error

// Record describes one persisted capture.
type Record struct {
	ID        string
	Reading   rangefinder.Reading
	ImagePath string
	Size      image.Point
	At        time.Time
}

// Config locates the capture directory and the CSV log.
type Config struct {
	Dir         string
	LogPath     string
	JPEGQuality int
	Encoder     Encoder // nil = imaging JPEG encoder
}

// Store persists captures as one JPEG per shot plus one CSV row in a
// shared log. Saves are serialized.
type Store struct {
	mu  sync.Mutex
	cfg Config
}

func NewStore(cfg Config) *Store {
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.Encoder == nil {
		cfg.Encoder = encodeJPEG
	}
	return &Store{cfg: cfg}
}

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

// FileName returns the image name for a capture taken at at with reading r.
func FileName(at time.Time, r rangefinder.Reading) string {
	return fmt.Sprintf("capture_%s_Distance_%scm.jpg", at.Format(IDLayout), r.String())
}

// Save writes frame to the capture directory and appends a row to the
// log. Either both succeed or neither leaves a trace on disk.
func (s *Store) Save(frame image.Image, reading rangefinder.Reading, at time.Time) (Record, error) {
	if frame == nil {
		return Record{}, errors.New("capture: nil frame")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create capture dir: %w", err)
	}

	path := s.uniquePath(FileName(at, reading))
	if err := s.writeImage(path, frame); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:        at.Format(IDLayout),
		Reading:   reading,
		ImagePath: path,
		Size:      frame.Bounds().Size(),
		At:        at,
	}
	if err := s.appendLog(rec); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			debug.Warn("Capture: could not remove %s after log failure: %v", path, rmErr)
		}
		return Record{}, err
	}

	debug.Capture(path, reading.String())
	return rec, nil
}

// uniquePath appends -1, -2, ... before the extension while the name is taken.
func (s *Store) uniquePath(name string) string {
	path := filepath.Join(s.cfg.Dir, name)
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	for n := 1; ; n++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
}

func (s *Store) writeImage(path string, frame image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := s.cfg.Encoder(tmp, frame, s.cfg.JPEGQuality); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) appendLog(rec Record) error {
	if dir := filepath.Dir(s.cfg.LogPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.cfg.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{rec.ID, rec.Reading.String()}); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log: %w", err)
	}
	return nil
}
