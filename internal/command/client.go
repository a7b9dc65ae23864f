package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "camlink",
	Subsystem: "command",
	Name:      "sent_total",
	Help:      "number of command datagrams sent",
}, []string{"command"})

const defaultTimeout = time.Second

// Client sends command datagrams to a device. Delivery is at most once;
// callers that need confirmation observe the device status instead.
type Client struct {
	conn *net.UDPConn
}

func Dial(addr string) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve command address %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial command channel: %w", err)
	}
	return &Client{conn: conn}, nil
}

// LocalAddr is the address the device sees as the command source, which is
// also where it sends media unless configured otherwise.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) Send(ctx context.Context, cmd Command) error {
	b, err := cmd.MarshalText()
	if err != nil {
		return fmt.Errorf("failed to encode command %s: %w", cmd.Type, err)
	}
	_ = c.conn.SetWriteDeadline(deadline(ctx))
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to send command %s: %w", cmd.Type, err)
	}
	commandsSent.WithLabelValues(cmd.Type.String()).Inc()
	return nil
}

// Ping sends PING and waits for PONG until the context deadline, or one
// second when the context has none.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.Send(ctx, New(TypePing)); err != nil {
		return 0, err
	}

	_ = c.conn.SetReadDeadline(deadline(ctx))
	defer c.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, MaxCommandBytes)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, fmt.Errorf("failed to receive %s: %w", Reply, context.DeadlineExceeded)
			}
			return 0, fmt.Errorf("failed to receive %s: %w", Reply, err)
		}
		if strings.EqualFold(strings.TrimSpace(string(buf[:n])), Reply) {
			return time.Since(start), nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultTimeout)
}
