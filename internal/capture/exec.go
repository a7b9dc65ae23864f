package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxJPEGBytes = 8 << 20

// ExecSource runs an external capture program and reads an MJPEG stream from
// its standard output, e.g. `libcamera-vid -t 0 --codec mjpeg -o -`.
type ExecSource struct {
	Command []string
	FPS     float64
}

func NewExecSource(command []string, fps float64) *ExecSource {
	return &ExecSource{Command: command, FPS: fps}
}

func (s *ExecSource) Mode() string {
	if len(s.Command) == 0 {
		return "exec"
	}
	return "exec:" + filepath.Base(s.Command[0])
}

func (s *ExecSource) Start(ctx context.Context, emit Emit) error {
	if len(s.Command) == 0 {
		return errors.New("capture command must be set")
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach to capture output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start capture command: %w", err)
	}
	log.WithField("command", s.Command[0]).Info("capture command started")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), maxJPEGBytes)
	scanner.Split(SplitJPEG)

	t := newThrottle(s.FPS)
	for scanner.Scan() {
		now := time.Now()
		if !t.allow(now) {
			continue
		}
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		emit(frame, now)
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// unblock a writer stuck on the full pipe
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return nil
	case scanErr != nil:
		return fmt.Errorf("failed to read capture output: %w", scanErr)
	case waitErr != nil:
		return fmt.Errorf("capture command exited: %w", waitErr)
	default:
		return errors.New("capture command exited")
	}
}
