package status

import (
	"errors"
	"time"

	"github.com/bilbercode/camlink/internal/recording"
)

const (
	Protocol = "CAMCTL"
	Version  = "1.0"

	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeBinary  = "application/octet-stream"
)

var (
	ErrNotFound  = errors.New("recording not found")
	ErrForbidden = errors.New("recording not available for download")
	ErrProtocol  = errors.New("status protocol error")
)

// Snapshot is the device status at one point in time.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp" msgpack:"timestamp"`
	FPS             float64   `json:"fps" msgpack:"fps"`
	LatencyMS       float64   `json:"latency_ms" msgpack:"latency_ms"`
	Streaming       bool      `json:"streaming" msgpack:"streaming"`
	RecordingActive bool      `json:"recording_active" msgpack:"recording_active"`
	RecordingID     string    `json:"recording_id,omitempty" msgpack:"recording_id,omitempty"`
	RecordingError  string    `json:"recording_error,omitempty" msgpack:"recording_error,omitempty"`
	UptimeSeconds   float64   `json:"uptime_seconds" msgpack:"uptime_seconds"`
	CameraMode      string    `json:"camera_mode" msgpack:"camera_mode"`
	FramesCaptured  uint64    `json:"frames_captured" msgpack:"frames_captured"`
	FramesSent      uint64    `json:"frames_sent" msgpack:"frames_sent"`
	FramesDropped   uint64    `json:"frames_dropped" msgpack:"frames_dropped"`
	DropRate        float64   `json:"drop_rate" msgpack:"drop_rate"`
	FramesRecorded  uint64    `json:"frames_recorded" msgpack:"frames_recorded"`
	Destination     string    `json:"destination,omitempty" msgpack:"destination,omitempty"`
}

// Recording is one entry of the LIST response.
type Recording struct {
	ID        string     `json:"id" msgpack:"id"`
	FilePath  string     `json:"file_path" msgpack:"file_path"`
	Size      int64      `json:"size" msgpack:"size"`
	Completed bool       `json:"completed" msgpack:"completed"`
	StartTime time.Time  `json:"start_time" msgpack:"start_time"`
	EndTime   *time.Time `json:"end_time" msgpack:"end_time"`
	Frames    uint64     `json:"frames" msgpack:"frames"`
}

// StatusProvider produces a fresh snapshot on every call.
type StatusProvider interface {
	Status() Snapshot
}

type StatusProviderFunc func() Snapshot

func (f StatusProviderFunc) Status() Snapshot {
	return f()
}

// RecordingStore is the read side of the recording manager.
type RecordingStore interface {
	Completed() []recording.Session
	Lookup(id string) (recording.Session, error)
}
