package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// sessionID is derived from the file name so it is stable across restarts.
func sessionID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("camlink:recording:"+name)).String()
}

// prepareDir creates the recordings directory when missing and checks that
// it is writable.
func prepareDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("recordings directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("failed to remove write probe: %w", err)
	}
	return nil
}

// scanDir indexes every recording file in dir as a completed session. The
// modification time stands in for the end time and, lacking anything
// better, the start time.
func scanDir(dir, ext string) ([]Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var sessions []Session
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		end := info.ModTime()
		sessions = append(sessions, Session{
			ID:        sessionID(entry.Name()),
			Name:      entry.Name(),
			FilePath:  filepath.Join(dir, entry.Name()),
			StartTime: end,
			EndTime:   &end,
			Size:      info.Size(),
			Status:    StatusCompleted,
		})
	}
	return sessions, nil
}
