package status

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxBodyBytes bounds STATUS and LIST bodies held in memory.
const maxBodyBytes = 16 << 20

type ClientConfig struct {
	// Timeout bounds a request when the context carries no deadline, and
	// each read of a download body.
	Timeout time.Duration
	// Accept selects the body encoding, ContentTypeJSON or ContentTypeMsgpack.
	Accept string
}

// Client holds one persistent status connection. Requests on it are
// serialised; downloads use a connection of their own.
type Client struct {
	mu   sync.Mutex
	addr string
	cfg  ClientConfig
	conn net.Conn
	br   *bufio.Reader
	seq  int64
}

func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Accept == "" {
		cfg.Accept = ContentTypeJSON
	}
	conn, err := dial(ctx, addr, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, cfg: cfg, conn: conn, br: bufio.NewReader(conn)}, nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial status channel %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, MethodStatus, "*", &snap)
	return snap, err
}

func (c *Client) List(ctx context.Context) ([]Recording, error) {
	var list []Recording
	err := c.do(ctx, MethodList, "*", &list)
	return list, err
}

func (c *Client) do(ctx context.Context, method Method, target string, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	req := &Request{
		Version:  Version,
		Target:   target,
		Sequence: strconv.FormatInt(c.seq, 10),
		Method:   method,
		Header:   http.Header{"Accept": []string{c.cfg.Accept}},
	}

	stop := c.watch(ctx, c.conn)
	defer stop()
	res, err := roundTrip(c.conn, c.br, req, c.deadline(ctx))
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}

	if res.ContentLength > maxBodyBytes {
		return fmt.Errorf("%w: %s response of %d bytes", ErrProtocol, method, res.ContentLength)
	}
	body := make([]byte, res.ContentLength)
	if _, err := io.ReadFull(c.br, body); err != nil {
		return fmt.Errorf("failed to read %s response body: %w", method, err)
	}
	if err := checkCode(res); err != nil {
		return err
	}
	if err := decode(res.Header.Get("Content-Type"), body, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// Download fetches a completed recording over a dedicated connection. The
// caller must close the returned reader.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	return Download(ctx, c.addr, id, c.cfg)
}

// Download fetches a completed recording from the device at addr.
func Download(ctx context.Context, addr, id string, cfg ClientConfig) (io.ReadCloser, int64, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := dial(ctx, addr, cfg.Timeout)
	if err != nil {
		return nil, 0, err
	}
	br := bufio.NewReader(conn)
	req := &Request{
		Version:  Version,
		Target:   id,
		Sequence: "1",
		Method:   MethodDownload,
	}

	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	res, err := roundTrip(conn, br, req, deadline)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("DOWNLOAD request failed: %w", err)
	}
	if err := checkCode(res); err != nil {
		conn.Close()
		return nil, 0, err
	}

	return &download{
		conn:    conn,
		r:       io.LimitReader(br, res.ContentLength),
		timeout: cfg.Timeout,
	}, res.ContentLength, nil
}

func roundTrip(conn net.Conn, br *bufio.Reader, req *Request, deadline time.Time) (*Response, error) {
	_ = conn.SetDeadline(deadline)
	if err := req.Write(conn); err != nil {
		return nil, err
	}
	res, err := ReadResponse(br)
	if err != nil {
		return nil, err
	}
	if res.Sequence != req.Sequence {
		return nil, fmt.Errorf("%w: response CSeq %q does not match request %q", ErrProtocol, res.Sequence, req.Sequence)
	}
	return res, nil
}

func checkCode(res *Response) error {
	switch res.Code {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return fmt.Errorf("%w: %d %s", ErrProtocol, res.Code, res.Message)
	}
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.cfg.Timeout)
}

// watch unblocks in-flight I/O on conn when ctx is cancelled.
func (c *Client) watch(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}

type download struct {
	conn    net.Conn
	r       io.Reader
	timeout time.Duration
}

func (d *download) Read(p []byte) (int, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.r.Read(p)
}

func (d *download) Close() error {
	return d.conn.Close()
}
