package media

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "sender",
		Name:      "frames_sent_total",
		Help:      "number of frames fully written to the media socket",
	})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "sender",
		Name:      "frames_dropped_total",
		Help:      "number of frames not transmitted",
	}, []string{"reason"})
	chunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "sender",
		Name:      "chunks_sent_total",
		Help:      "number of chunk datagrams written",
	})
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Destination is the fixed media address. When nil the destination must
	// be supplied through SetDestination before frames are transmitted.
	Destination  *net.UDPAddr
	MaxChunk     int
	WriteTimeout time.Duration
}

// SenderStats is a point in time copy of the sender counters.
type SenderStats struct {
	FramesSent    uint64
	FramesDropped uint64
	ChunksSent    uint64
	SendErrors    uint64
	// Latency is the smoothed time from capture to the last chunk written.
	Latency time.Duration
}

// Sender transmits frames over UDP without ever blocking the caller. It holds
// at most one pending frame: a frame that has not started transmission when
// the next one arrives is replaced and counted as dropped.
type Sender struct {
	conn *net.UDPConn
	cfg  SenderConfig

	dest atomic.Pointer[net.UDPAddr]

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Frame
	closed  bool

	sent       uint64
	dropped    uint64
	chunks     uint64
	sendErrors uint64
	latency    int64 // ewma, nanoseconds
}

// NewSender opens the outbound media socket. The Sender exclusively owns it.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.MaxChunk == 0 {
		cfg.MaxChunk = MaxChunkBytes
	}
	if cfg.MaxChunk < 1 || cfg.MaxChunk > MaxChunkBytes {
		return nil, fmt.Errorf("invalid chunk size %d (must be between 1-%d)", cfg.MaxChunk, MaxChunkBytes)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 100 * time.Millisecond
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open media socket: %w", err)
	}
	_ = conn.SetWriteBuffer(512 * 1024)

	s := &Sender{conn: conn, cfg: cfg}
	s.cond = sync.NewCond(&s.mu)
	if cfg.Destination != nil {
		s.dest.Store(cfg.Destination)
	}
	return s, nil
}

// SetDestination changes where frames are sent. A fixed destination from the
// configuration is never replaced.
func (s *Sender) SetDestination(addr *net.UDPAddr) {
	if s.cfg.Destination != nil || addr == nil {
		return
	}
	if prev := s.dest.Swap(addr); prev == nil || prev.String() != addr.String() {
		log.WithField("destination", addr.String()).Info("media destination set")
	}
}

// Close releases the socket of a Sender that was never run.
func (s *Sender) Close() error {
	return s.conn.Close()
}

func (s *Sender) Destination() *net.UDPAddr {
	return s.dest.Load()
}

// Send queues f for transmission, replacing any frame still waiting.
func (s *Sender) Send(f Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		atomic.AddUint64(&s.dropped, 1)
		framesDropped.WithLabelValues("backpressure").Inc()
	}
	s.pending = &f
	s.cond.Signal()
	s.mu.Unlock()
}

// Run transmits queued frames until ctx is done, then closes the socket.
func (s *Sender) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	defer s.conn.Close()

	buf := make([]byte, 0, MaxDatagramBytes)
	for {
		s.mu.Lock()
		for s.pending == nil && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		frame := *s.pending
		s.pending = nil
		s.mu.Unlock()

		buf = s.transmit(frame, buf)
	}
}

func (s *Sender) transmit(f Frame, buf []byte) []byte {
	dest := s.dest.Load()
	if dest == nil {
		atomic.AddUint64(&s.dropped, 1)
		framesDropped.WithLabelValues("no_destination").Inc()
		return buf
	}
	chunks, err := Fragment(f, s.cfg.MaxChunk)
	if err != nil {
		atomic.AddUint64(&s.dropped, 1)
		framesDropped.WithLabelValues("too_large").Inc()
		log.WithError(err).WithField("frame", f.ID).Warn("frame not sent")
		return buf
	}

	for _, c := range chunks {
		buf = c.AppendBinary(buf[:0])
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := s.conn.WriteToUDP(buf, dest); err != nil {
			atomic.AddUint64(&s.sendErrors, 1)
			atomic.AddUint64(&s.dropped, 1)
			framesDropped.WithLabelValues("write_error").Inc()
			log.WithError(err).WithField("frame", f.ID).Debug("failed to write chunk, abandoning frame")
			return buf
		}
		atomic.AddUint64(&s.chunks, 1)
		chunksSent.Inc()
	}

	atomic.AddUint64(&s.sent, 1)
	framesSent.Inc()
	if !f.Timestamp.IsZero() {
		s.observeLatency(time.Since(f.Timestamp))
	}
	return buf
}

func (s *Sender) observeLatency(d time.Duration) {
	for {
		old := atomic.LoadInt64(&s.latency)
		next := int64(d)
		if old != 0 {
			next = old + (int64(d)-old)/8
		}
		if atomic.CompareAndSwapInt64(&s.latency, old, next) {
			return
		}
	}
}

func (s *Sender) Stats() SenderStats {
	return SenderStats{
		FramesSent:    atomic.LoadUint64(&s.sent),
		FramesDropped: atomic.LoadUint64(&s.dropped),
		ChunksSent:    atomic.LoadUint64(&s.chunks),
		SendErrors:    atomic.LoadUint64(&s.sendErrors),
		Latency:       time.Duration(atomic.LoadInt64(&s.latency)),
	}
}
