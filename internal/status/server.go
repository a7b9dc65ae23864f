package status

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camlink/internal/recording"
)

var (
	requestsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "status",
		Name:      "requests_total",
		Help:      "number of status channel requests by method and response code",
	}, []string{"method", "code"})
	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camlink",
		Subsystem: "status",
		Name:      "connections",
		Help:      "number of open status channel connections",
	})
	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "status",
		Name:      "download_bytes_total",
		Help:      "number of recording bytes served",
	})
)

type ServerConfig struct {
	// IdleTimeout closes a connection that sends no request for this long.
	IdleTimeout time.Duration
	// WriteTimeout bounds each response write; downloads refresh it per block.
	WriteTimeout time.Duration
}

type Server struct {
	cfg        ServerConfig
	status     StatusProvider
	recordings RecordingStore
}

func NewServer(cfg ServerConfig, status StatusProvider, recordings RecordingStore) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg, status: status, recordings: recordings}
}

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	conf := net.ListenConfig{}
	listener, err := conf.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on l, one goroutine per connection, and closes
// l when ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	log.WithField("addr", l.Addr().String()).Info("status channel listening")
	for {
		nc, err := l.Accept()
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("failed to accept status connection: %w", err)
		default:
			go s.handle(ctx, nc)
		}
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		nc.Close()
	}()

	connectionsOpen.Inc()
	defer connectionsOpen.Dec()
	logger := log.WithField("remote", nc.RemoteAddr().String())
	logger.Debug("status connection opened")

	br := bufio.NewReader(nc)
	w := &deadlineWriter{conn: nc, timeout: s.cfg.WriteTimeout}
	for {
		_ = nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		req, err := ReadRequest(br)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				logger.WithError(err).Warn("malformed status request")
				s.send(w, &Request{Method: "?"}, &Response{
					Version: Version,
					Code:    http.StatusBadRequest,
					Message: http.StatusText(http.StatusBadRequest),
				})
			} else if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.WithError(err).Debug("status connection closed")
			}
			return
		}

		var res *Response
		switch req.Method {
		case MethodStatus:
			res = s.handleStatus(req)
		case MethodList:
			res = s.handleList(req)
		case MethodDownload:
			res = s.handleDownload(req)
		default:
			res = s.handleUnsupportedMethod(req)
		}
		err = s.send(w, req, res)
		if c, ok := res.Stream.(io.Closer); ok {
			c.Close()
		}
		if err != nil {
			logger.WithError(err).Warn("failed to write status response")
			return
		}
	}
}

func (s *Server) send(w *deadlineWriter, req *Request, res *Response) error {
	requestsServed.WithLabelValues(req.Method.String(), fmt.Sprint(res.Code)).Inc()
	return res.Write(w)
}

func (s *Server) handleStatus(req *Request) *Response {
	return s.encoded(req, s.status.Status())
}

func (s *Server) handleList(req *Request) *Response {
	sessions := s.recordings.Completed()
	list := make([]Recording, 0, len(sessions))
	for _, session := range sessions {
		list = append(list, Recording{
			ID:        session.ID,
			FilePath:  filepath.Base(session.FilePath),
			Size:      session.Size,
			Completed: true,
			StartTime: session.StartTime,
			EndTime:   session.EndTime,
			Frames:    session.Frames,
		})
	}
	return s.encoded(req, list)
}

func (s *Server) handleDownload(req *Request) *Response {
	id := strings.TrimPrefix(req.Target, "/")
	session, err := s.recordings.Lookup(id)
	switch {
	case errors.Is(err, recording.ErrNotFound):
		return newResponse(req, http.StatusNotFound)
	case errors.Is(err, recording.ErrNotCompleted):
		return newResponse(req, http.StatusForbidden)
	case err != nil:
		log.WithError(err).Error("recording lookup failed")
		return newResponse(req, http.StatusInternalServerError)
	}

	file, err := os.Open(session.FilePath)
	if err != nil {
		log.WithError(err).WithField("recording", id).Error("failed to open recording")
		return newResponse(req, http.StatusInternalServerError)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		log.WithError(err).WithField("recording", id).Error("failed to stat recording")
		return newResponse(req, http.StatusInternalServerError)
	}

	res := newResponse(req, http.StatusOK)
	res.Header.Set("Content-Type", ContentTypeBinary)
	res.Header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(session.FilePath)))
	res.Stream = &countingReader{r: file, c: file}
	res.ContentLength = info.Size()
	return res
}

func (s *Server) handleUnsupportedMethod(req *Request) *Response {
	res := newResponse(req, http.StatusMethodNotAllowed)
	res.Header.Set("Allow", strings.Join([]string{
		MethodStatus.String(),
		MethodList.String(),
		MethodDownload.String(),
	}, ", "))
	return res
}

func (s *Server) encoded(req *Request, v interface{}) *Response {
	contentType := negotiate(req.Header.Get("Accept"))
	body, err := encode(contentType, v)
	if err != nil {
		log.WithError(err).Error("failed to encode status body")
		return newResponse(req, http.StatusInternalServerError)
	}
	res := newResponse(req, http.StatusOK)
	res.Header.Set("Content-Type", contentType)
	res.Body = body
	return res
}

// deadlineWriter refreshes the write deadline before every write so a long
// download only fails when the peer stops reading.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.Write(p)
}

type countingReader struct {
	r io.Reader
	c io.Closer
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	downloadBytes.Add(float64(n))
	return n, err
}

func (r *countingReader) Close() error {
	return r.c.Close()
}
