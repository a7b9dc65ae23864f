package bridge

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/media"
	"github.com/bilbercode/camlink/internal/status"
)

var (
	commandRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "bridge",
		Name:      "command_retries_total",
		Help:      "number of commands re-sent because the device had not applied them",
	}, []string{"command"})
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "bridge",
		Name:      "frames_received_total",
		Help:      "number of assembled frames received from the device",
	})
	healthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camlink",
		Subsystem: "bridge",
		Name:      "device_healthy",
		Help:      "1 while the status channel is healthy",
	})
)

// pending is a requested state the device has not confirmed yet.
type pending struct {
	want     bool
	cmd      command.Command
	sentAt   time.Time
	attempts int

	// what the device reported when a RECORD_START was sent
	baseline       bool
	lastError      string
	framesRecorded uint64
	known          map[string]bool
}

// ended reports whether the device ran the requested recording and it
// finished, failed or hit the size limit, before a poll saw it active.
func (p *pending) ended(snap status.Snapshot) bool {
	if !p.want || !p.baseline || snap.RecordingActive {
		return false
	}
	return snap.RecordingError != p.lastError || snap.FramesRecorded > p.framesRecorded
}

// listed reports whether recordings holds a session the device did not
// have when the RECORD_START was sent.
func (p *pending) listed(recordings []status.Recording) bool {
	if !p.want || p.known == nil {
		return false
	}
	for _, r := range recordings {
		if !p.known[r.ID] {
			return true
		}
	}
	return false
}

type request struct {
	cmd   command.Command
	reply chan error
}

// Coordinator merges the three channels into one session. Its event loop is
// the only writer of the published State.
type Coordinator struct {
	cfg      Config
	commands CommandSender
	dialer   StatusDialer

	requests chan request
	events   chan interface{}
	frames   chan media.Frame
	refresh  chan struct{}
	hub      *hub
	state    atomic.Pointer[State]

	// owned by the event loop
	cur           State
	stream        *pending
	record        *pending
	latencyMS     float64
	latencyPrimed bool
}

func NewCoordinator(cfg Config, commands CommandSender, dialer StatusDialer) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:      cfg,
		commands: commands,
		dialer:   dialer,
		requests: make(chan request),
		events:   make(chan interface{}, 16),
		frames:   make(chan media.Frame, cfg.FrameBuffer),
		refresh:  make(chan struct{}, 1),
		hub:      newHub(),
		cur: State{
			Health:     HealthUnknown,
			Recordings: []status.Recording{},
		},
	}
	c.publish()
	return c
}

// Frames is where the media receiver delivers assembled frames.
func (c *Coordinator) Frames() chan<- media.Frame {
	return c.frames
}

func (c *Coordinator) State() State {
	return *c.state.Load()
}

func (c *Coordinator) LatestFrame() (media.Frame, bool) {
	return c.hub.Latest()
}

// Subscribe returns a channel of live frames and a function to release it.
// Frames are skipped while the subscriber is busy.
func (c *Coordinator) Subscribe() (<-chan media.Frame, func()) {
	return c.hub.Subscribe()
}

func (c *Coordinator) Start(ctx context.Context) error {
	return c.Request(ctx, command.New(command.TypeStart))
}

func (c *Coordinator) Stop(ctx context.Context) error {
	return c.Request(ctx, command.New(command.TypeStop))
}

func (c *Coordinator) StartRecording(ctx context.Context, name string) error {
	cmd := command.New(command.TypeRecordStart)
	if name != "" {
		cmd.Params = append(cmd.Params, command.Name(name))
	}
	return c.Request(ctx, cmd)
}

func (c *Coordinator) StopRecording(ctx context.Context) error {
	return c.Request(ctx, command.New(command.TypeRecordStop))
}

// Request sends cmd to the device and records the state it asks for. PING
// is not routed through the session; use Ping.
func (c *Coordinator) Request(ctx context.Context, cmd command.Command) error {
	if cmd.Type == command.TypePing {
		return fmt.Errorf("%w: %s", ErrUnsupported, cmd.Type)
	}
	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping checks the command channel round trip when the sender supports it.
func (c *Coordinator) Ping(ctx context.Context) (time.Duration, error) {
	p, ok := c.commands.(Pinger)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupported, command.TypePing)
	}
	return p.Ping(ctx)
}

// Download streams a completed recording from the device over its own
// connection.
func (c *Coordinator) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	return c.dialer.Download(ctx, id)
}

// Run runs the event loop and the status poller until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		p := &poller{cfg: c.cfg, dialer: c.dialer, events: c.events, refresh: c.refresh}
		p.run(ctx)
		return nil
	})
	group.Go(func() error {
		c.loop(ctx)
		return nil
	})
	return group.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			err := c.handleRequest(ctx, req.cmd)
			c.publish()
			req.reply <- err
			continue
		case f := <-c.frames:
			c.handleFrame(f)
		case event := <-c.events:
			switch e := event.(type) {
			case statusEvent:
				c.handleStatus(ctx, e)
			case listEvent:
				c.handleList(e)
			case failureEvent:
				c.handleFailure(e)
			}
		}
		c.publish()
	}
}

func (c *Coordinator) handleRequest(ctx context.Context, cmd command.Command) error {
	if cmd.Type == command.TypeStart && c.cfg.MediaPort != 0 && cmd.Port() == 0 {
		cmd.Params = append(cmd.Params, command.Port(c.cfg.MediaPort))
	}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	now := c.cfg.Now()
	switch cmd.Type {
	case command.TypeStart, command.TypeStop:
		want := cmd.Type == command.TypeStart
		c.stream = &pending{want: want, cmd: cmd, sentAt: now}
		c.cur.Streaming = want
	case command.TypeRecordStart, command.TypeRecordStop:
		want := cmd.Type == command.TypeRecordStart
		c.record = &pending{want: want, cmd: cmd, sentAt: now}
		if want {
			c.record.known = make(map[string]bool, len(c.cur.Recordings))
			for _, r := range c.cur.Recordings {
				c.record.known[r.ID] = true
			}
			if c.cur.Status != nil {
				c.record.baseline = true
				c.record.lastError = c.cur.Status.RecordingError
				c.record.framesRecorded = c.cur.Status.FramesRecorded
			}
		}
		c.cur.Recording = want
	case command.TypeListRecordings:
		select {
		case c.refresh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Coordinator) send(ctx context.Context, cmd command.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.commands.Send(ctx, cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Type, err)
	}
	log.WithField("command", cmd.String()).Info("command sent")
	return nil
}

func (c *Coordinator) handleFrame(f media.Frame) {
	now := c.cfg.Now()
	c.hub.publish(f)
	framesReceived.Inc()

	c.cur.FramesReceived++
	c.cur.FramesDropped = c.hub.Dropped()
	c.cur.LastFrameID = f.ID
	c.cur.LastFrameAt = &now
	if !f.Timestamp.IsZero() {
		ms := float64(now.Sub(f.Timestamp)) / float64(time.Millisecond)
		if !c.latencyPrimed {
			c.latencyMS, c.latencyPrimed = ms, true
		} else {
			c.latencyMS += (ms - c.latencyMS) / 8
		}
		c.cur.FrameLatencyMS = c.latencyMS
	}
}

func (c *Coordinator) handleStatus(ctx context.Context, e statusEvent) {
	snap := e.snapshot
	at := e.at
	if c.cur.Health != HealthHealthy {
		log.Info("device healthy")
	}
	c.cur.Health = HealthHealthy
	c.cur.LastError = ""
	c.cur.Status = &snap
	c.cur.StatusAt = &at
	healthGauge.Set(1)

	c.cur.Streaming, c.stream = c.reconcile(ctx, c.stream, snap.Streaming, e.at)
	if c.record != nil && c.record.ended(snap) {
		log.WithField("command", c.record.cmd.String()).Info("recording ended before it was observed")
		c.record = nil
	}
	c.cur.Recording, c.record = c.reconcile(ctx, c.record, snap.RecordingActive, e.at)
}

// reconcile compares a reported flag with a pending request. A pending
// request that the device has not applied after a grace period is re-sent
// until the retries run out, then the reported value wins.
func (c *Coordinator) reconcile(ctx context.Context, p *pending, reported bool, now time.Time) (bool, *pending) {
	if p == nil {
		return reported, nil
	}
	if reported == p.want {
		return reported, nil
	}
	if now.Sub(p.sentAt) < c.cfg.PollInterval {
		return p.want, p
	}
	if p.attempts >= c.cfg.CommandRetries {
		log.WithFields(log.Fields{
			"command":  p.cmd.String(),
			"attempts": p.attempts + 1,
		}).Warn("device did not apply command, adopting reported state")
		return reported, nil
	}
	p.attempts++
	p.sentAt = now
	commandRetries.WithLabelValues(p.cmd.Type.String()).Inc()
	if err := c.send(ctx, p.cmd); err != nil {
		log.WithError(err).Warn("failed to re-send command")
	}
	return p.want, p
}

func (c *Coordinator) handleList(e listEvent) {
	c.cur.Recordings = e.recordings
	if c.cur.Recordings == nil {
		c.cur.Recordings = []status.Recording{}
	}
	if c.record != nil && c.record.listed(c.cur.Recordings) {
		c.record = nil
		if c.cur.Status != nil {
			c.cur.Recording = c.cur.Status.RecordingActive
		}
	}
}

func (c *Coordinator) handleFailure(e failureEvent) {
	c.cur.Health = HealthUnhealthy
	c.cur.Status = nil
	if e.err != nil {
		c.cur.LastError = e.err.Error()
	}
	healthGauge.Set(0)
}

func (c *Coordinator) publish() {
	s := c.cur
	s.UpdatedAt = c.cfg.Now()
	c.state.Store(&s)
}
