package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bilbercode/camlink/internal/capture"
	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/config"
	"github.com/bilbercode/camlink/internal/media"
	"github.com/bilbercode/camlink/internal/status"
)

// manualSource hands its emit function to the test.
type manualSource struct {
	emits chan capture.Emit
}

func (s *manualSource) Mode() string { return "manual" }

func (s *manualSource) Start(ctx context.Context, emit capture.Emit) error {
	s.emits <- emit
	<-ctx.Done()
	return nil
}

type harness struct {
	svc    Service
	emit   capture.Emit
	media  *net.UDPConn
	cmd    *command.Client
	status *status.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	cfg := config.Default().Device
	cfg.CommandAddr = "127.0.0.1:0"
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.MediaPort = sink.LocalAddr().(*net.UDPAddr).Port
	cfg.Recordings.Dir = t.TempDir()

	src := &manualSource{emits: make(chan capture.Emit, 1)}
	svc, err := NewService(cfg, src)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cmd, err := command.Dial(svc.CommandAddr().String())
	if err != nil {
		t.Fatalf("command.Dial: %v", err)
	}
	t.Cleanup(func() { cmd.Close() })

	dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Second)
	defer dialCancel()
	st, err := status.Dial(dialCtx, svc.StatusAddr().String(), status.ClientConfig{})
	if err != nil {
		t.Fatalf("status.Dial: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var emit capture.Emit
	select {
	case emit = <-src.emits:
	case <-time.After(2 * time.Second):
		t.Fatal("capture not started")
	}
	return &harness{svc: svc, emit: emit, media: sink, cmd: cmd, status: st}
}

func (h *harness) send(t *testing.T, cmd command.Command) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.cmd.Send(ctx, cmd); err != nil {
		t.Fatalf("Send %s: %v", cmd, err)
	}
}

func (h *harness) waitStatus(t *testing.T, what string, cond func(status.Snapshot) bool) status.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		snap, err := h.status.Status(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, last status %+v", what, snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartStreamsToCommandSource(t *testing.T) {
	h := newHarness(t)

	h.send(t, command.New(command.TypeStart))
	h.waitStatus(t, "streaming", func(s status.Snapshot) bool { return s.Streaming && s.Destination != "" })

	want := bytes.Repeat([]byte{0xab}, 3000)
	re := media.NewReassembler(media.DefaultReassemblerConfig())
	buf := make([]byte, media.MaxDatagramBytes)
	_ = h.media.SetReadDeadline(time.Now().Add(2 * time.Second))

	// keep emitting until a frame makes it through the mailbox
	go func() {
		for i := 0; i < 20; i++ {
			h.emit(want, time.Now())
			time.Sleep(10 * time.Millisecond)
		}
	}()
	for {
		n, _, err := h.media.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("no media received: %v", err)
		}
		c, err := media.UnmarshalChunk(append([]byte(nil), buf[:n]...))
		if err != nil {
			t.Fatalf("UnmarshalChunk: %v", err)
		}
		if f, ok, _ := re.Push(c); ok {
			if !bytes.Equal(f.Payload, want) {
				t.Fatal("payload mismatch")
			}
			break
		}
	}

	h.send(t, command.New(command.TypeStop))
	h.waitStatus(t, "stopped", func(s status.Snapshot) bool { return !s.Streaming })
}

func TestRecordingLifecycle(t *testing.T) {
	h := newHarness(t)

	h.send(t, command.New(command.TypeRecordStart, command.Name("take1")))
	active := h.waitStatus(t, "recording", func(s status.Snapshot) bool { return s.RecordingActive })

	// a second start while active changes nothing
	h.send(t, command.New(command.TypeRecordStart))
	for i := 0; i < 3; i++ {
		h.emit([]byte{0xff, 0xd8, byte(i), 0xff, 0xd9}, time.Now())
	}
	snap := h.waitStatus(t, "frames recorded", func(s status.Snapshot) bool { return s.FramesRecorded == 3 })
	if snap.RecordingID != active.RecordingID {
		t.Fatalf("recording changed from %s to %s", active.RecordingID, snap.RecordingID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := h.status.Download(ctx, active.RecordingID); !errors.Is(err, status.ErrForbidden) {
		t.Fatalf("download of active recording: got %v, want ErrForbidden", err)
	}

	h.send(t, command.New(command.TypeRecordStop))
	h.waitStatus(t, "recording stopped", func(s status.Snapshot) bool { return !s.RecordingActive })

	list, err := h.status.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != active.RecordingID || list[0].FilePath != "take1.mjpeg" {
		t.Fatalf("list %+v", list)
	}

	rc, size, err := h.status.Download(ctx, active.RecordingID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if size != 15 || len(body) != 15 {
		t.Errorf("downloaded %d of %d bytes", len(body), size)
	}
}

func TestPingAnswered(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.cmd.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
