package media

import (
	"context"
	"errors"
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
	chunksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "receiver",
		Name:      "chunks_rejected_total",
		Help:      "number of chunk datagrams rejected by the reassembler",
	}, []string{"reason"})
	framesAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "receiver",
		Name:      "frames_assembled_total",
		Help:      "number of frames rebuilt from chunks",
	})
	framesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "receiver",
		Name:      "frames_expired_total",
		Help:      "number of partial frames discarded after the idle timeout",
	})
	framesOverrun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "receiver",
		Name:      "frames_overrun_total",
		Help:      "number of assembled frames dropped because the consumer was behind",
	})
)

// Receiver listens for chunk datagrams and publishes assembled frames.
type Receiver struct {
	conn  *net.UDPConn
	mu    sync.Mutex
	re    *Reassembler
	out   chan<- Frame
	purge time.Duration

	overrun uint64
}

// NewReceiver binds addr. Completed frames are offered to out without
// blocking.
func NewReceiver(addr string, cfg ReassemblerConfig, out chan<- Frame) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for media: %w", err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)

	re := NewReassembler(cfg)
	purge := re.cfg.Timeout / 2
	if purge < 10*time.Millisecond {
		purge = 10 * time.Millisecond
	}
	return &Receiver{conn: conn, re: re, out: out, purge: purge}, nil
}

func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Overrun is the number of assembled frames the consumer did not take in time.
func (r *Receiver) Overrun() uint64 {
	return atomic.LoadUint64(&r.overrun)
}

// Run reads datagrams until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	chunks := make(chan Chunk, 64)
	readErr := make(chan error, 1)
	go r.read(ctx, chunks, readErr)

	ticker := time.NewTicker(r.purge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			r.mu.Lock()
			n := r.re.Purge()
			r.mu.Unlock()
			if n > 0 {
				framesExpired.Add(float64(n))
				log.WithField("count", n).Debug("purged incomplete frames")
			}
		case c := <-chunks:
			r.push(c)
		}
	}
}

func (r *Receiver) read(ctx context.Context, chunks chan<- Chunk, errc chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			errc <- fmt.Errorf("failed to read media datagram: %w", err)
			return
		}
		// the reassembler retains payloads, so each datagram gets its own copy
		data := make([]byte, n)
		copy(data, buf[:n])
		c, err := UnmarshalChunk(data)
		if err != nil {
			chunksRejected.WithLabelValues("malformed").Inc()
			log.WithError(err).Debug("dropping datagram")
			continue
		}
		select {
		case chunks <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Receiver) push(c Chunk) {
	r.mu.Lock()
	frame, ok, err := r.re.Push(c)
	r.mu.Unlock()
	if err != nil {
		chunksRejected.WithLabelValues(rejectReason(err)).Inc()
		log.WithError(err).Debug("chunk rejected")
		return
	}
	if !ok {
		return
	}
	framesAssembled.Inc()
	select {
	case r.out <- frame:
	default:
		atomic.AddUint64(&r.overrun, 1)
		framesOverrun.Inc()
	}
}

func (r *Receiver) Stats() ReassemblerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.re.Stats()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleChunk):
		return "stale"
	case errors.Is(err, ErrDuplicateFrame):
		return "duplicate"
	case errors.Is(err, ErrInconsistentChunk):
		return "inconsistent"
	default:
		return "malformed"
	}
}
