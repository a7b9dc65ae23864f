package recording

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("recording not found")
	ErrNotCompleted = errors.New("recording not completed")
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Session describes one recording file. Sessions handed out by the Manager
// are copies and are never modified afterwards.
type Session struct {
	ID        string     `json:"id" msgpack:"id"`
	Name      string     `json:"name" msgpack:"name"`
	FilePath  string     `json:"file_path" msgpack:"file_path"`
	StartTime time.Time  `json:"start_time" msgpack:"start_time"`
	EndTime   *time.Time `json:"end_time" msgpack:"end_time"`
	Size      int64      `json:"size" msgpack:"size"`
	Frames    uint64     `json:"frames" msgpack:"frames"`
	Status    Status     `json:"status" msgpack:"status"`
	Error     string     `json:"error,omitempty" msgpack:"error,omitempty"`
}

func (s Session) Completed() bool {
	return s.Status == StatusCompleted
}

// Snapshot is an immutable view of the manager state.
type Snapshot struct {
	Active        *Session
	Sessions      []Session
	LastError     string
	FramesWritten uint64
	FramesDropped uint64
}

type Config struct {
	Dir string
	// MaxBytes stops the active recording once its file reaches the limit.
	// Zero disables the limit.
	MaxBytes  int64
	Extension string
	// QueueSize is the number of frames buffered for the writer.
	QueueSize int
	Now       func() time.Time
}

const (
	DefaultExtension = ".mjpeg"
	DefaultMaxBytes  = 500 * 1024 * 1024
)
