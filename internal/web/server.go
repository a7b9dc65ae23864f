package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camlink/internal/bridge"
	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/media"
	"github.com/bilbercode/camlink/internal/status"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "web",
		Name:      "requests_total",
		Help:      "number of presentation requests by route and status code",
	}, []string{"route", "code"})
	viewers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "camlink",
		Subsystem: "web",
		Name:      "live_viewers",
		Help:      "number of open MJPEG and WebSocket viewers",
	})
)

// Session is the bridge session the presentation surface reads from and
// sends requests through. *bridge.Coordinator implements it.
type Session interface {
	State() bridge.State
	LatestFrame() (media.Frame, bool)
	Subscribe() (<-chan media.Frame, func())
	Request(ctx context.Context, cmd command.Command) error
	Ping(ctx context.Context) (time.Duration, error)
	Download(ctx context.Context, id string) (io.ReadCloser, int64, error)
}

type Config struct {
	// StaticDir is served at / when set.
	StaticDir string
	// StateInterval is how often WebSocket viewers receive the state.
	StateInterval time.Duration
	// CommandTimeout bounds a command request.
	CommandTimeout time.Duration
	CORSOrigin     string
}

func (c *Config) setDefaults() {
	if c.StateInterval <= 0 {
		c.StateInterval = time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 3 * time.Second
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
}

type handler struct {
	cfg     Config
	session Session
}

// NewHandler returns the presentation HTTP surface.
func NewHandler(cfg Config, session Session) http.Handler {
	cfg.setDefaults()
	h := &handler{cfg: cfg, session: session}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/state", instrument("state", h.handleState))
	mux.Handle("/api/command", instrument("command", h.handleCommand))
	mux.Handle("/api/recordings", instrument("recordings", h.handleRecordings))
	mux.Handle("/api/recordings/", instrument("download", h.handleDownload))
	mux.Handle("/api/frame.jpg", instrument("frame", h.handleFrame))
	mux.HandleFunc("/stream.mjpeg", h.handleStream)
	mux.HandleFunc("/api/ws", h.handleWS)
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return withCORS(cfg.CORSOrigin, mux)
}

// Serve runs the presentation server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", l.Addr().String()).Info("presentation server listening")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("presentation server failed: %w", err)
	}
	return nil
}

func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		requests.WithLabelValues(route, fmt.Sprint(rec.code)).Inc()
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method || (method == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.session.State())
}

func (h *handler) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.session.State().Recordings)
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Response string `json:"response"`
}

// handleCommand accepts the raw command text or {"command": "..."}.
func (h *handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, command.MaxCommandBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var req commandRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		body = []byte(req.Command)
	}
	cmd, err := command.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.CommandTimeout)
	defer cancel()

	if cmd.Type == command.TypePing {
		rtt, err := h.session.Ping(ctx)
		switch {
		case errors.Is(err, bridge.ErrUnsupported):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			w.Header().Set("X-Round-Trip", rtt.String())
			writeJSON(w, http.StatusOK, commandResponse{Response: command.Reply})
		}
		return
	}

	if err := h.session.Request(ctx, cmd); err != nil {
		log.WithError(err).WithField("command", cmd.String()).Warn("command request failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Response: fmt.Sprintf("%s sent", cmd.Type)})
}

// handleDownload serves /api/recordings/{id}/download.
func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || action != "download" || id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rc, size, err := h.session.Download(r.Context(), id)
	switch {
	case errors.Is(err, status.ErrNotFound):
		writeError(w, http.StatusNotFound, "recording not found")
		return
	case errors.Is(err, status.ErrForbidden):
		writeError(w, http.StatusForbidden, "recording is not completed")
		return
	case err != nil:
		log.WithError(err).WithField("recording", id).Warn("download failed")
		writeError(w, http.StatusBadGateway, "device unavailable")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.fileName(id)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyN(w, rc, size); err != nil {
		log.WithError(err).WithField("recording", id).Debug("download interrupted")
	}
}

func (h *handler) fileName(id string) string {
	for _, rec := range h.session.State().Recordings {
		if rec.ID == id && rec.FilePath != "" {
			return path.Base(rec.FilePath)
		}
	}
	return id + ".mjpeg"
}

func (h *handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	f, ok := h.session.LatestFrame()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Id", fmt.Sprint(f.ID))
	w.Header().Set("Content-Length", fmt.Sprint(len(f.Payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Payload)
}
