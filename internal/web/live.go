package web

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camlink/internal/media"
)

const (
	boundary     = "frame"
	writeTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream serves the live frames as multipart/x-mixed-replace. A viewer
// that falls behind skips frames.
func (h *handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	frames, cancel := h.session.Subscribe()
	defer cancel()
	viewers.Inc()
	defer viewers.Dec()

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(f media.Frame) error {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {fmt.Sprint(len(f.Payload))},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(f.Payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if f, ok := h.session.LatestFrame(); ok {
		if err := write(f); err != nil {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-frames:
			if err := write(f); err != nil {
				log.WithError(err).Debug("mjpeg viewer gone")
				return
			}
		}
	}
}

// handleWS pushes every frame as a binary message and the session state as
// a JSON text message each StateInterval.
func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	frames, cancel := h.session.Subscribe()
	defer cancel()
	viewers.Inc()
	defer viewers.Dec()

	// reads only detect the viewer closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.StateInterval)
	defer ticker.Stop()

	if err := h.writeState(conn); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := h.writeState(conn); err != nil {
				log.WithError(err).Debug("websocket viewer gone")
				return
			}
		case f := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, f.Payload); err != nil {
				log.WithError(err).Debug("websocket viewer gone")
				return
			}
		}
	}
}

func (h *handler) writeState(conn *websocket.Conn) error {
	data, err := json.Marshal(h.session.State())
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
