package bridge

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/status"
)

var ErrUnsupported = errors.New("command not supported by the bridge")

type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// State is the session as the presentation layer sees it. Values are never
// modified once published.
type State struct {
	Streaming      bool               `json:"streaming"`
	Recording      bool               `json:"recording"`
	Status         *status.Snapshot   `json:"status"`
	StatusAt       *time.Time         `json:"status_at"`
	Health         Health             `json:"health"`
	LastError      string             `json:"last_error,omitempty"`
	Recordings     []status.Recording `json:"recordings"`
	FramesReceived uint64             `json:"frames_received"`
	FramesDropped  uint64             `json:"frames_dropped"`
	FrameLatencyMS float64            `json:"frame_latency_ms"`
	LastFrameID    uint32             `json:"last_frame_id"`
	LastFrameAt    *time.Time         `json:"last_frame_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// StatusClient is one status channel connection.
type StatusClient interface {
	Status(ctx context.Context) (status.Snapshot, error)
	List(ctx context.Context) ([]status.Recording, error)
	Close() error
}

// StatusDialer opens status connections and downloads recordings.
type StatusDialer interface {
	Dial(ctx context.Context) (StatusClient, error)
	Download(ctx context.Context, id string) (io.ReadCloser, int64, error)
}

// Pinger is implemented by command senders that can wait for PONG.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// CommandSender is command.Sender, named here for the constructor.
type CommandSender = command.Sender

type Config struct {
	PollInterval time.Duration
	// ListEvery polls the recordings listing every n status polls.
	ListEvery      int
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// CommandRetries bounds how often a pending command is re-sent.
	CommandRetries int
	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int
	// MediaPort is added to START so the device streams to the port the
	// bridge listens on. Zero leaves the device default.
	MediaPort int
	Now       func() time.Time
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ListEvery < 1 {
		c.ListEvery = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 30 * time.Second
	}
	if c.CommandRetries < 0 {
		c.CommandRetries = 0
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 8
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
