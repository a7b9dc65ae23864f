package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/camlink/internal/capture"
	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/config"
	"github.com/bilbercode/camlink/internal/media"
	"github.com/bilbercode/camlink/internal/recording"
	"github.com/bilbercode/camlink/internal/status"
)

var (
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "device",
		Name:      "frames_captured_total",
		Help:      "number of frames produced by the capture source",
	})
	streamingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camlink",
		Subsystem: "device",
		Name:      "streaming",
		Help:      "1 while frames are being streamed",
	})
	fpsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camlink",
		Subsystem: "device",
		Name:      "send_fps",
		Help:      "smoothed frames per second written to the media socket",
	})
)

type service struct {
	cfg      config.DeviceConfig
	source   capture.Source
	sender   *media.Sender
	recorder *recording.Manager
	commands *command.Listener
	statusL  net.Listener
	statusS  *status.Server

	started   time.Time
	streaming atomic.Bool
	nextID    uint32

	captured          uint64
	capturedStreaming uint64
	fps               uint64 // float64 bits
}

// NewService binds the command and status sockets, opens the media socket and
// prepares the recordings directory. Any failure here is a start-up error.
func NewService(cfg config.DeviceConfig, source capture.Source) (Service, error) {
	var fixed *net.UDPAddr
	if cfg.Destination != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.Destination)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve media destination: %w", err)
		}
		fixed = addr
	}

	recorder, err := recording.NewManager(recording.Config{
		Dir:       cfg.Recordings.Dir,
		MaxBytes:  cfg.Recordings.MaxBytes,
		Extension: cfg.Recordings.Extension,
	})
	if err != nil {
		return nil, err
	}

	sender, err := media.NewSender(media.SenderConfig{
		Destination: fixed,
		MaxChunk:    cfg.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	s := &service{
		cfg:      cfg,
		source:   source,
		sender:   sender,
		recorder: recorder,
		started:  time.Now(),
	}

	s.commands, err = command.Listen(cfg.CommandAddr, s)
	if err != nil {
		sender.Close()
		return nil, err
	}
	s.statusL, err = net.Listen("tcp", cfg.StatusAddr)
	if err != nil {
		sender.Close()
		s.commands.Close()
		return nil, fmt.Errorf("failed to listen on address %s: %w", cfg.StatusAddr, err)
	}
	s.statusS = status.NewServer(status.ServerConfig{}, s, recorder)
	return s, nil
}

func (s *service) CommandAddr() net.Addr {
	return s.commands.Addr()
}

func (s *service) StatusAddr() net.Addr {
	return s.statusL.Addr()
}

func (s *service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.sender.Run(ctx)
	})
	group.Go(func() error {
		return s.recorder.Run(ctx)
	})
	group.Go(func() error {
		return s.commands.Run(ctx)
	})
	group.Go(func() error {
		return s.statusS.Serve(ctx, s.statusL)
	})
	group.Go(func() error {
		s.statsLoop(ctx)
		return nil
	})
	group.Go(func() error {
		log.WithField("mode", s.source.Mode()).Info("starting capture")
		if err := s.source.Start(ctx, s.emit); err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}
		return nil
	})
	if s.cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(ctx, s.cfg.MetricsAddr)
		})
	}

	log.WithFields(log.Fields{
		"command": s.CommandAddr().String(),
		"status":  s.StatusAddr().String(),
	}).Info("device running")
	return group.Wait()
}

// emit is called by the capture source for every frame. It never blocks:
// the recorder and the sender both drop when behind.
func (s *service) emit(payload []byte, captured time.Time) {
	frame := media.Frame{
		ID:        atomic.AddUint32(&s.nextID, 1) - 1,
		Timestamp: captured,
		Payload:   payload,
	}
	atomic.AddUint64(&s.captured, 1)
	framesCaptured.Inc()

	s.recorder.Write(frame)
	if s.streaming.Load() {
		atomic.AddUint64(&s.capturedStreaming, 1)
		s.sender.Send(frame)
	}
}

func (s *service) HandleCommand(cmd command.Command, from net.Addr) {
	logger := log.WithFields(log.Fields{
		"command": cmd.Type.String(),
		"from":    from.String(),
	})

	switch cmd.Type {
	case command.TypeStart:
		if udp, ok := from.(*net.UDPAddr); ok {
			port := cmd.Port()
			if port == 0 {
				port = s.cfg.MediaPort
			}
			s.sender.SetDestination(&net.UDPAddr{IP: udp.IP, Port: port, Zone: udp.Zone})
		}
		if !s.streaming.Swap(true) {
			streamingGauge.Set(1)
			logger.Info("streaming started")
		}
	case command.TypeStop:
		if s.streaming.Swap(false) {
			streamingGauge.Set(0)
			logger.Info("streaming stopped")
		}
	case command.TypeRecordStart:
		s.recorder.Start(cmd.Name())
	case command.TypeRecordStop:
		s.recorder.Stop()
	case command.TypeListRecordings:
		s.recorder.Rescan()
	case command.TypePing:
		// answered by the listener
	}
}

func (s *service) Status() status.Snapshot {
	now := time.Now()
	sent := s.sender.Stats()
	rec := s.recorder.Snapshot()

	snap := status.Snapshot{
		Timestamp:      now,
		FPS:            math.Float64frombits(atomic.LoadUint64(&s.fps)),
		LatencyMS:      float64(sent.Latency) / float64(time.Millisecond),
		Streaming:      s.streaming.Load(),
		UptimeSeconds:  now.Sub(s.started).Seconds(),
		CameraMode:     s.source.Mode(),
		FramesCaptured: atomic.LoadUint64(&s.captured),
		FramesSent:     sent.FramesSent,
		FramesDropped:  sent.FramesDropped,
		FramesRecorded: rec.FramesWritten,
		RecordingError: rec.LastError,
	}
	if streamed := atomic.LoadUint64(&s.capturedStreaming); streamed > 0 {
		snap.DropRate = float64(sent.FramesDropped) / float64(streamed)
	}
	if rec.Active != nil {
		snap.RecordingActive = true
		snap.RecordingID = rec.Active.ID
	}
	if dest := s.sender.Destination(); dest != nil {
		snap.Destination = dest.String()
	}
	return snap
}

// statsLoop smooths the send rate every second and logs a summary every
// stats interval.
func (s *service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	interval := s.cfg.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	lastLog := time.Now()
	lastTick := time.Now()
	lastSent := s.sender.Stats().FramesSent
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sent := s.sender.Stats().FramesSent
			rate := float64(sent-lastSent) / now.Sub(lastTick).Seconds()
			lastSent, lastTick = sent, now

			fps := math.Float64frombits(atomic.LoadUint64(&s.fps))
			fps += (rate - fps) * 0.3
			atomic.StoreUint64(&s.fps, math.Float64bits(fps))
			fpsGauge.Set(fps)

			if now.Sub(lastLog) >= interval {
				lastLog = now
				snap := s.Status()
				log.WithFields(log.Fields{
					"fps":       strconv.FormatFloat(snap.FPS, 'f', 1, 64),
					"sent":      snap.FramesSent,
					"dropped":   snap.FramesDropped,
					"streaming": snap.Streaming,
					"recording": snap.RecordingActive,
				}).Info("device stats")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	log.WithField("addr", addr).Info("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
