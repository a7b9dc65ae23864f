package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func jpeg(body ...byte) []byte {
	out := append([]byte{0xff, 0xd8}, body...)
	return append(out, 0xff, 0xd9)
}

func TestSplitJPEG(t *testing.T) {
	var stream []byte
	stream = append(stream, 0x00, 0x01)
	stream = append(stream, jpeg(1, 2, 3)...)
	stream = append(stream, 0x42)
	stream = append(stream, jpeg(4)...)
	stream = append(stream, 0xff, 0xd8, 9) // truncated trailing image

	// a one byte reader forces the split function to see partial markers
	scanner := bufio.NewScanner(&oneByteReader{data: stream})
	scanner.Split(SplitJPEG)
	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d images", len(got))
	}
	if !bytes.Equal(got[0], jpeg(1, 2, 3)) || !bytes.Equal(got[1], jpeg(4)) {
		t.Errorf("images %x", got)
	}
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestThrottle(t *testing.T) {
	th := newThrottle(10)
	now := time.Unix(0, 0)
	if !th.allow(now) {
		t.Fatal("first frame throttled")
	}
	if th.allow(now.Add(50 * time.Millisecond)) {
		t.Error("frame inside the interval allowed")
	}
	if !th.allow(now.Add(100 * time.Millisecond)) {
		t.Error("frame after the interval throttled")
	}
}

type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) emit(p []byte, _ time.Time) {
	c.mu.Lock()
	c.frames = append(c.frames, p)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestDirSourceLoopsInOrder(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]byte{"a.jpg": 1, "b.jpg": 2} {
		if err := os.WriteFile(filepath.Join(dir, name), jpeg(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	src := NewDirSource(dir, "", 200)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- src.Start(ctx, c.emit) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) < 3 {
		t.Fatalf("got %d frames", len(c.frames))
	}
	want := [][]byte{jpeg(1), jpeg(2), jpeg(1)}
	for i := range want {
		if !bytes.Equal(c.frames[i], want[i]) {
			t.Errorf("frame %d = %x, want %x", i, c.frames[i], want[i])
		}
	}
}

func TestDirSourceEmpty(t *testing.T) {
	err := NewDirSource(t.TempDir(), "", 10).Start(context.Background(), func([]byte, time.Time) {})
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("got %v, want ErrNoFrames", err)
	}
}

func TestExecSource(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	file := filepath.Join(t.TempDir(), "stream.mjpeg")
	if err := os.WriteFile(file, append(jpeg(7), jpeg(8)...), 0644); err != nil {
		t.Fatal(err)
	}

	c := &collector{}
	err = NewExecSource([]string{cat, file}, 0).Start(context.Background(), c.emit)
	if err == nil {
		t.Fatal("expected an error when the capture command exits")
	}
	if c.count() != 2 {
		t.Fatalf("got %d frames", c.count())
	}
}
