package command

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	commandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "command",
		Name:      "received_total",
		Help:      "number of commands dispatched to the handler",
	}, []string{"command"})
	commandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "command",
		Name:      "rejected_total",
		Help:      "number of command datagrams that could not be parsed",
	}, []string{"reason"})
)

// Listener receives command datagrams and dispatches them to a Handler.
type Listener struct {
	conn    *net.UDPConn
	handler Handler
}

func Listen(addr string, h Handler) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve command address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for commands: %w", err)
	}
	return &Listener{conn: conn, handler: h}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *Listener) Close() error {
	return l.conn.Close()
}

// Run reads datagrams until ctx is done. Bad input is logged and counted;
// only a socket failure ends the loop.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	// one spare byte so oversized datagrams are detected rather than truncated
	buf := make([]byte, MaxCommandBytes+1)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("failed to read command datagram: %w", err)
		}

		cmd, err := Parse(buf[:n])
		if err != nil {
			reason := "malformed"
			if errors.Is(err, ErrUnknownCommand) {
				reason = "unknown"
			}
			commandsRejected.WithLabelValues(reason).Inc()
			log.WithError(err).WithField("from", from.String()).Warn("dropping command datagram")
			continue
		}
		commandsReceived.WithLabelValues(cmd.Type.String()).Inc()
		log.WithFields(log.Fields{
			"command": cmd.String(),
			"from":    from.String(),
		}).Debug("command received")

		if cmd.Type == TypePing {
			if _, err := l.conn.WriteToUDP([]byte(Reply), from); err != nil {
				log.WithError(err).Debug("failed to answer ping")
			}
		}
		l.handler.HandleCommand(cmd, from)
	}
}
