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
	"testing"
	"time"

	"github.com/bilbercode/camlink/internal/recording"
)

type fakeStore struct {
	sessions []recording.Session
}

func (f *fakeStore) Completed() []recording.Session {
	var out []recording.Session
	for _, s := range f.sessions {
		if s.Completed() {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStore) Lookup(id string) (recording.Session, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			if !s.Completed() {
				return s, recording.ErrNotCompleted
			}
			return s, nil
		}
	}
	return recording.Session{}, recording.ErrNotFound
}

func startServer(t *testing.T, store RecordingStore) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	status := StatusProviderFunc(func() Snapshot {
		return Snapshot{Timestamp: time.Now(), FPS: 29.5, Streaming: true, CameraMode: "test", FramesSent: 10}
	})
	srv := NewServer(ServerConfig{IdleTimeout: 2 * time.Second}, status, store)
	go srv.Serve(ctx, l)
	return l.Addr().String()
}

func testStore(t *testing.T) *fakeStore {
	t.Helper()
	dir := t.TempDir()
	done := filepath.Join(dir, "done.mjpeg")
	if err := os.WriteFile(done, []byte("recorded bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	end := time.Unix(200, 0)
	return &fakeStore{sessions: []recording.Session{
		{ID: "done", FilePath: done, Size: 14, Frames: 2, StartTime: time.Unix(100, 0), EndTime: &end, Status: recording.StatusCompleted},
		{ID: "live", FilePath: filepath.Join(dir, "live.mjpeg"), StartTime: time.Unix(300, 0), Status: recording.StatusActive},
		{ID: "gone", FilePath: filepath.Join(dir, "missing.mjpeg"), StartTime: time.Unix(50, 0), EndTime: &end, Status: recording.StatusCompleted},
	}}
}

func TestStatusOverPersistentConnection(t *testing.T) {
	for _, accept := range []string{ContentTypeJSON, ContentTypeMsgpack} {
		t.Run(accept, func(t *testing.T) {
			addr := startServer(t, testStore(t))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			c, err := Dial(ctx, addr, ClientConfig{Accept: accept})
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer c.Close()

			for i := 0; i < 3; i++ {
				snap, err := c.Status(ctx)
				if err != nil {
					t.Fatalf("Status #%d: %v", i, err)
				}
				if !snap.Streaming || snap.FPS != 29.5 || snap.CameraMode != "test" || snap.FramesSent != 10 {
					t.Fatalf("snapshot %+v", snap)
				}
			}
		})
	}
}

func TestListOnlyCompleted(t *testing.T) {
	addr := startServer(t, testStore(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	list, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list %+v", list)
	}
	for _, r := range list {
		if !r.Completed || r.ID == "live" {
			t.Errorf("unexpected entry %+v", r)
		}
	}
	if list[0].FilePath != "done.mjpeg" || list[0].Size != 14 || list[0].Frames != 2 {
		t.Errorf("entry %+v", list[0])
	}
}

func TestDownload(t *testing.T) {
	addr := startServer(t, testStore(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rc, size, err := Download(ctx, addr, "done", ClientConfig{})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if size != 14 || string(body) != "recorded bytes" {
		t.Errorf("got %d bytes %q", size, body)
	}
}

func TestDownloadErrors(t *testing.T) {
	addr := startServer(t, testStore(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, err := Download(ctx, addr, "live", ClientConfig{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("active recording: got %v, want ErrForbidden", err)
	}
	if _, _, err := Download(ctx, addr, "nope", ClientConfig{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown recording: got %v, want ErrNotFound", err)
	}
	if _, _, err := Download(ctx, addr, "gone", ClientConfig{}); !errors.Is(err, ErrProtocol) {
		t.Errorf("missing file: got %v, want ErrProtocol", err)
	}
}

func rawExchange(t *testing.T, addr, request string) *Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := fmt.Fprint(conn, request); err != nil {
		t.Fatalf("write: %v", err)
	}
	res, err := ReadResponse(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	return res
}

func TestUnknownMethod(t *testing.T) {
	addr := startServer(t, testStore(t))
	res := rawExchange(t, addr, "REWIND * CAMCTL/1.0\r\nCSeq: 7\r\n\r\n")
	if res.Code != http.StatusMethodNotAllowed || res.Sequence != "7" {
		t.Fatalf("got %d cseq %q", res.Code, res.Sequence)
	}
	if res.Header.Get("Allow") == "" {
		t.Error("missing Allow header")
	}
}

func TestMalformedRequest(t *testing.T) {
	addr := startServer(t, testStore(t))
	res := rawExchange(t, addr, "GET / HTTP/1.1\r\n\r\n")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("got %d", res.Code)
	}
}

func TestStalledConnectionDoesNotBlockOthers(t *testing.T) {
	addr := startServer(t, testStore(t))

	stalled, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stalled.Close()
	fmt.Fprint(stalled, "STATUS * CAM")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, ClientConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Status(ctx); err != nil {
		t.Fatalf("Status while another connection stalls: %v", err)
	}
}
