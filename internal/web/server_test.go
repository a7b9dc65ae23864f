package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bilbercode/camlink/internal/bridge"
	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/media"
	"github.com/bilbercode/camlink/internal/status"
)

type fakeSession struct {
	sync.Mutex
	state     bridge.State
	latest    *media.Frame
	frames    chan media.Frame
	requested []command.Command
	pingErr   error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		state:  bridge.State{Health: bridge.HealthHealthy, Recordings: []status.Recording{{ID: "r1", FilePath: "take1.mjpeg", Completed: true}}},
		frames: make(chan media.Frame, 1),
	}
}

func (s *fakeSession) State() bridge.State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *fakeSession) LatestFrame() (media.Frame, bool) {
	s.Lock()
	defer s.Unlock()
	if s.latest == nil {
		return media.Frame{}, false
	}
	return *s.latest, true
}

func (s *fakeSession) Subscribe() (<-chan media.Frame, func()) {
	return s.frames, func() {}
}

func (s *fakeSession) Request(ctx context.Context, cmd command.Command) error {
	s.Lock()
	defer s.Unlock()
	s.requested = append(s.requested, cmd)
	return nil
}

func (s *fakeSession) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, s.pingErr
}

func (s *fakeSession) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	switch id {
	case "r1":
		return io.NopCloser(strings.NewReader("mjpeg bytes")), 11, nil
	case "live":
		return nil, 0, fmt.Errorf("download: %w", status.ErrForbidden)
	case "down":
		return nil, 0, errors.New("connection refused")
	}
	return nil, 0, status.ErrNotFound
}

func newTestServer(t *testing.T, s *fakeSession) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(Config{StateInterval: 20 * time.Millisecond}, s))
	t.Cleanup(srv.Close)
	return srv
}

func TestState(t *testing.T) {
	srv := newTestServer(t, newFakeSession())
	res, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("status %d headers %v", res.StatusCode, res.Header)
	}
	var got bridge.State
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Health != bridge.HealthHealthy || len(got.Recordings) != 1 {
		t.Errorf("state %+v", got)
	}
}

func postCommand(t *testing.T, url, contentType, body string) (int, string) {
	t.Helper()
	res, err := http.Post(url+"/api/command", contentType, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var reply commandResponse
	_ = json.NewDecoder(res.Body).Decode(&reply)
	return res.StatusCode, reply.Response
}

func TestCommand(t *testing.T) {
	s := newFakeSession()
	srv := newTestServer(t, s)

	if code, reply := postCommand(t, srv.URL, "text/plain", "START"); code != http.StatusOK || reply != "START sent" {
		t.Errorf("text START: %d %q", code, reply)
	}
	if code, reply := postCommand(t, srv.URL, "application/json", `{"command": "record_start name=clip"}`); code != http.StatusOK || reply != "RECORD_START sent" {
		t.Errorf("json RECORD_START: %d %q", code, reply)
	}
	if code, reply := postCommand(t, srv.URL, "text/plain", "PING"); code != http.StatusOK || reply != command.Reply {
		t.Errorf("PING: %d %q", code, reply)
	}
	if code, _ := postCommand(t, srv.URL, "text/plain", "REWIND"); code != http.StatusBadRequest {
		t.Errorf("unknown command: %d", code)
	}
	if code, _ := postCommand(t, srv.URL, "application/json", `{"command":`); code != http.StatusBadRequest {
		t.Errorf("bad json: %d", code)
	}

	s.Lock()
	defer s.Unlock()
	if len(s.requested) != 2 || s.requested[1].Name() != "clip" {
		t.Errorf("requested %v", s.requested)
	}
}

func TestCommandMethod(t *testing.T) {
	srv := newTestServer(t, newFakeSession())
	res, err := http.Get(srv.URL + "/api/command")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/command: %d", res.StatusCode)
	}
}

func TestPreflight(t *testing.T) {
	srv := newTestServer(t, newFakeSession())
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/command", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent || res.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Errorf("preflight %d %v", res.StatusCode, res.Header)
	}
}

func TestDownload(t *testing.T) {
	srv := newTestServer(t, newFakeSession())
	tests := []struct {
		id   string
		code int
	}{
		{"r1", http.StatusOK},
		{"live", http.StatusForbidden},
		{"nope", http.StatusNotFound},
		{"down", http.StatusBadGateway},
	}
	for _, tt := range tests {
		res, err := http.Get(srv.URL + "/api/recordings/" + tt.id + "/download")
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != tt.code {
			t.Errorf("%s: got %d, want %d", tt.id, res.StatusCode, tt.code)
			continue
		}
		if tt.code == http.StatusOK {
			if string(body) != "mjpeg bytes" || !strings.Contains(res.Header.Get("Content-Disposition"), "take1.mjpeg") {
				t.Errorf("%s: body %q headers %v", tt.id, body, res.Header)
			}
		}
	}

	res, err := http.Get(srv.URL + "/api/recordings/r1/delete")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("unknown action: %d", res.StatusCode)
	}
}

func TestFrame(t *testing.T) {
	s := newFakeSession()
	srv := newTestServer(t, s)

	res, err := http.Get(srv.URL + "/api/frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("before first frame: %d", res.StatusCode)
	}

	s.Lock()
	s.latest = &media.Frame{ID: 3, Payload: []byte{0xff, 0xd8, 0xff, 0xd9}}
	s.Unlock()

	res, err = http.Get(srv.URL + "/api/frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || len(body) != 4 || res.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("frame: %d %x %v", res.StatusCode, body, res.Header)
	}
}

func TestMJPEGStream(t *testing.T) {
	s := newFakeSession()
	s.latest = &media.Frame{ID: 1, Payload: []byte("first")}
	srv := newTestServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream.mjpeg", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	mediaType, params, err := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type %q: %v", res.Header.Get("Content-Type"), err)
	}
	mr := multipart.NewReader(res.Body, params["boundary"])

	// a part ends at the next boundary, so one more frame follows the last
	// one read
	go func() {
		for i, p := range []string{"second", "third"} {
			select {
			case s.frames <- media.Frame{ID: uint32(i + 2), Payload: []byte(p)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	for _, want := range []string{"first", "second"} {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		body, _ := io.ReadAll(part)
		if string(body) != want || part.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("part %q %v, want %q", body, part.Header, want)
		}
	}
}

func TestWebSocket(t *testing.T) {
	s := newFakeSession()
	srv := newTestServer(t, s)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var state bridge.State
	if kind != websocket.TextMessage || json.Unmarshal(data, &state) != nil || state.Health != bridge.HealthHealthy {
		t.Fatalf("first message %d %s", kind, data)
	}

	s.frames <- media.Frame{ID: 5, Payload: []byte{0xff, 0xd8, 0xff, 0xd9}}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if kind == websocket.BinaryMessage {
			if len(data) != 4 {
				t.Errorf("frame %x", data)
			}
			return
		}
	}
}
