package media

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestFragmentChunkCount(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		want    int
		lastLen int
	}{
		{"empty", 0, 1, 0},
		{"single byte", 1, 1, 1},
		{"exact multiple", 3 * MaxChunkBytes, 3, MaxChunkBytes},
		{"one over multiple", 3*MaxChunkBytes + 1, 4, 1},
		{"exactly one chunk", MaxChunkBytes, 1, MaxChunkBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Fragment(Frame{ID: 9, Payload: payload(tt.size)}, MaxChunkBytes)
			if err != nil {
				t.Fatalf("Fragment: %v", err)
			}
			if len(chunks) != tt.want {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.want)
			}
			for i, c := range chunks {
				if int(c.Index) != i || int(c.Count) != tt.want || c.FrameID != 9 {
					t.Errorf("chunk %d has header %s", i, c)
				}
			}
			if got := len(chunks[len(chunks)-1].Payload); got != tt.lastLen {
				t.Errorf("last chunk is %d bytes, want %d", got, tt.lastLen)
			}
		})
	}
}

func TestFragmentRejects(t *testing.T) {
	if _, err := Fragment(Frame{Payload: payload(10)}, 0); err == nil {
		t.Error("expected error for zero chunk size")
	}
	if _, err := Fragment(Frame{Payload: payload(10)}, MaxChunkBytes+1); err == nil {
		t.Error("expected error for oversized chunk size")
	}
	_, err := Fragment(Frame{Payload: make([]byte, MaxChunksPerFrame+1)}, 1)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestChunkWireFormat(t *testing.T) {
	ts := time.Unix(1700000000, 123456789)
	c := Chunk{FrameID: 0x01020304, Index: 1, Count: 3, Timestamp: ts, Payload: []byte("abc")}
	b, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	wantHeader := []byte{0x01, 0x02, 0x03, 0x04, 0x00, 0x01, 0x00, 0x03}
	if !bytes.Equal(b[:8], wantHeader) {
		t.Errorf("header %x, want %x", b[:8], wantHeader)
	}
	if len(b) != HeaderSize+3 {
		t.Fatalf("datagram is %d bytes, want %d", len(b), HeaderSize+3)
	}

	got, err := UnmarshalChunk(b)
	if err != nil {
		t.Fatalf("UnmarshalChunk: %v", err)
	}
	if got.FrameID != c.FrameID || got.Index != 1 || got.Count != 3 || !got.Timestamp.Equal(ts) {
		t.Errorf("decoded %s ts=%v", got, got.Timestamp)
	}
	if string(got.Payload) != "abc" {
		t.Errorf("payload %q", got.Payload)
	}
}

func TestUnmarshalChunkMalformed(t *testing.T) {
	for name, data := range map[string][]byte{
		"short":       {0, 0, 0, 1},
		"zero count":  make([]byte, HeaderSize),
		"index range": {0, 0, 0, 1, 0, 2, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0},
	} {
		if _, err := UnmarshalChunk(data); !errors.Is(err, ErrMalformedChunk) {
			t.Errorf("%s: got %v, want ErrMalformedChunk", name, err)
		}
	}
}

func TestSeqDiffWraps(t *testing.T) {
	if d := seqDiff(2, 0xFFFFFFFE); d != 4 {
		t.Errorf("seqDiff across wrap = %d, want 4", d)
	}
	if d := seqDiff(0xFFFFFFFE, 2); d != -4 {
		t.Errorf("seqDiff across wrap = %d, want -4", d)
	}
}
