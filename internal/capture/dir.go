package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// DirSource replays the image files of a directory in name order, looping
// forever.
type DirSource struct {
	Dir     string
	Pattern string
	FPS     float64
}

func NewDirSource(dir, pattern string, fps float64) *DirSource {
	if pattern == "" {
		pattern = "*.jpg"
	}
	if fps <= 0 {
		fps = 15
	}
	return &DirSource{Dir: dir, Pattern: pattern, FPS: fps}
}

func (s *DirSource) Mode() string {
	return fmt.Sprintf("dir:%s@%gfps", s.Dir, s.FPS)
}

func (s *DirSource) frames() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, s.Pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w in %s matching %s", ErrNoFrames, s.Dir, s.Pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *DirSource) Start(ctx context.Context, emit Emit) error {
	frames, err := s.frames()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"frames": len(frames),
		"dir":    s.Dir,
	}).Info("replaying frames from directory")

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.FPS))
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			path := frames[idx]
			idx = (idx + 1) % len(frames)
			data, err := os.ReadFile(path)
			if err != nil {
				log.WithError(err).WithField("frame", path).Warn("failed to read frame")
				continue
			}
			emit(data, now)
		}
	}
}
