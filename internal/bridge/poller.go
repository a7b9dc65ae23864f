package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camlink/internal/status"
)

var (
	pollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "bridge",
		Name:      "poll_errors_total",
		Help:      "number of failed status channel operations",
	}, []string{"op"})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "bridge",
		Name:      "status_reconnects_total",
		Help:      "number of status channel connections opened",
	})
)

type statusEvent struct {
	snapshot status.Snapshot
	at       time.Time
}

type listEvent struct {
	recordings []status.Recording
}

type failureEvent struct {
	err error
}

// poller keeps one status connection open and reports what it sees to the
// coordinator. It only ever reads; reconnecting never sends commands.
type poller struct {
	cfg     Config
	dialer  StatusDialer
	events  chan<- interface{}
	refresh <-chan struct{}
}

func (p *poller) run(ctx context.Context) {
	b := &backoff{initial: p.cfg.BackoffInitial, max: p.cfg.BackoffMax}
	for {
		err := p.session(ctx, b)
		if ctx.Err() != nil {
			return
		}
		p.report(ctx, failureEvent{err: err})
		delay := b.Next()
		log.WithError(err).WithField("retry_in", delay.String()).Warn("status channel lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session polls over one connection until an operation fails.
func (p *poller) session(ctx context.Context, b *backoff) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	client, err := p.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		pollErrors.WithLabelValues("dial").Inc()
		return err
	}
	defer client.Close()
	reconnects.Inc()
	log.Info("status channel connected")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for tick := 0; ; tick++ {
		if err := p.poll(ctx, client, tick%p.cfg.ListEvery == 0); err != nil {
			return err
		}
		b.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.refresh:
			// list on the next poll
			tick = -1
		}
	}
}

func (p *poller) poll(ctx context.Context, client StatusClient, list bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	snap, err := client.Status(reqCtx)
	if err != nil {
		pollErrors.WithLabelValues("status").Inc()
		return fmt.Errorf("failed to poll status: %w", err)
	}
	p.report(ctx, statusEvent{snapshot: snap, at: p.cfg.Now()})

	if !list {
		return nil
	}
	recordings, err := client.List(reqCtx)
	if err != nil {
		pollErrors.WithLabelValues("list").Inc()
		return fmt.Errorf("failed to list recordings: %w", err)
	}
	p.report(ctx, listEvent{recordings: recordings})
	return nil
}

func (p *poller) report(ctx context.Context, event interface{}) {
	select {
	case p.events <- event:
	case <-ctx.Done():
	}
}
