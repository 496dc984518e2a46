package camera

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/VeinCam/internal/debug"
)

// RPiCam streams MJPEG from the Raspberry Pi camera stack. Newer Raspberry
// Pi OS ships rpicam-vid, older releases libcamera-vid; both are tried.
type RPiCam struct {
	*Stream

	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stderr    *tailBuffer
	closeOnce sync.Once
}

// NewRPiCam starts the capture process and begins decoding its output.
func NewRPiCam(ctx context.Context, cfg Config) (*RPiCam, error) {
	candidates := []string{"rpicam-vid", "libcamera-vid"}
	if cfg.Command != "" {
		candidates = []string{cfg.Command}
	}

	var errs []error
	for _, name := range candidates {
		cam, err := startRPiCam(ctx, name, cfg)
		if err == nil {
			return cam, nil
		}
		debug.Verbose("Camera: %s failed to start: %v", name, err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(errs...))
}

func rpicamArgs(cfg Config) []string {
	args := []string{
		"--codec", "mjpeg",
		"--timeout", "0", // run until killed
		"--nopreview",
		"--flush",
		"--output", "-",
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "--width", strconv.Itoa(cfg.Width), "--height", strconv.Itoa(cfg.Height))
	}
	if cfg.FPS > 0 {
		args = append(args, "--framerate", strconv.Itoa(cfg.FPS))
	}
	return args
}

func startRPiCam(ctx context.Context, name string, cfg Config) (*RPiCam, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, name, rpicamArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	tail := &tailBuffer{max: 2048}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	debug.Info("Camera: streaming from %s (pid %d)", name, cmd.Process.Pid)

	c := &RPiCam{cmd: cmd, cancel: cancel, stderr: tail}
	c.Stream = NewMJPEGStream(stdout, func() error {
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("%s exited: %w (stderr: %s)", name, err, tail.String())
		}
		return nil
	})
	return c, nil
}

// Close kills the capture process and waits for the reader to finish.
func (c *RPiCam) Close() error {
	c.closeOnce.Do(func() {
		debug.Trace("Camera Close (rpicam)")
		c.cancel()
		<-c.Stream.Done()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
