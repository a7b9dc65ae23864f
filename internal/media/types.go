package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderSize is the fixed size of the chunk header on the wire:
	// frame_id(4) chunk_index(2) chunk_count(2) timestamp_ns(8).
	HeaderSize = 16

	// MaxDatagramBytes keeps a chunk datagram below common path MTUs once
	// IP and UDP headers are added.
	MaxDatagramBytes = 1400

	// MaxChunkBytes is the largest payload carried by a single chunk.
	MaxChunkBytes = MaxDatagramBytes - HeaderSize

	// MaxChunksPerFrame is bounded by the width of chunk_count.
	MaxChunksPerFrame = 1<<16 - 1
)

var (
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrMalformedChunk    = errors.New("malformed chunk")
	ErrStaleChunk        = errors.New("chunk outside reassembly window")
	ErrDuplicateFrame    = errors.New("frame already assembled")
	ErrInconsistentChunk = errors.New("chunk count does not match frame")
)

// Frame is one encoded image. Payload must not be modified once the frame
// has been handed to a Sender or a recording.
type Frame struct {
	ID        uint32
	Timestamp time.Time
	Payload   []byte
}

func (f Frame) Len() int {
	return len(f.Payload)
}

// Chunk is a transport sized fragment of a frame.
type Chunk struct {
	FrameID   uint32
	Index     uint16
	Count     uint16
	Timestamp time.Time
	Payload   []byte
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk{frame:%d %d/%d len:%d}", c.FrameID, c.Index+1, c.Count, len(c.Payload))
}

func (c Chunk) validate() error {
	switch {
	case c.Count == 0:
		return fmt.Errorf("%w: zero chunk count for frame %d", ErrMalformedChunk, c.FrameID)
	case c.Index >= c.Count:
		return fmt.Errorf("%w: index %d outside count %d for frame %d", ErrMalformedChunk, c.Index, c.Count, c.FrameID)
	case len(c.Payload) > MaxChunkBytes:
		return fmt.Errorf("%w: payload of %d bytes", ErrMalformedChunk, len(c.Payload))
	}
	return nil
}

// AppendBinary appends the wire form of the chunk to b.
func (c Chunk) AppendBinary(b []byte) []byte {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], c.FrameID)
	binary.BigEndian.PutUint16(header[4:6], c.Index)
	binary.BigEndian.PutUint16(header[6:8], c.Count)
	var ts int64
	if !c.Timestamp.IsZero() {
		ts = c.Timestamp.UnixNano()
	}
	binary.BigEndian.PutUint64(header[8:16], uint64(ts))
	b = append(b, header[:]...)
	return append(b, c.Payload...)
}

// MarshalBinary returns the datagram for the chunk.
func (c Chunk) MarshalBinary() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c.AppendBinary(make([]byte, 0, HeaderSize+len(c.Payload))), nil
}

// UnmarshalChunk decodes a datagram. The returned payload aliases data.
func UnmarshalChunk(data []byte) (Chunk, error) {
	if len(data) < HeaderSize {
		return Chunk{}, fmt.Errorf("%w: datagram of %d bytes shorter than header", ErrMalformedChunk, len(data))
	}
	c := Chunk{
		FrameID: binary.BigEndian.Uint32(data[0:4]),
		Index:   binary.BigEndian.Uint16(data[4:6]),
		Count:   binary.BigEndian.Uint16(data[6:8]),
		Payload: data[HeaderSize:],
	}
	if ts := int64(binary.BigEndian.Uint64(data[8:16])); ts != 0 {
		c.Timestamp = time.Unix(0, ts)
	}
	if err := c.validate(); err != nil {
		return Chunk{}, err
	}
	return c, nil
}

// Fragment splits a frame into chunks of at most maxChunk payload bytes.
// Chunk payloads alias the frame payload. An empty frame yields a single
// empty chunk so the receiver still observes it.
func Fragment(f Frame, maxChunk int) ([]Chunk, error) {
	if maxChunk < 1 || maxChunk > MaxChunkBytes {
		return nil, fmt.Errorf("invalid chunk size %d (must be between 1-%d)", maxChunk, MaxChunkBytes)
	}
	n := (len(f.Payload) + maxChunk - 1) / maxChunk
	if n == 0 {
		n = 1
	}
	if n > MaxChunksPerFrame {
		return nil, fmt.Errorf("%w: %d bytes needs %d chunks", ErrFrameTooLarge, len(f.Payload), n)
	}

	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		start := i * maxChunk
		end := start + maxChunk
		if end > len(f.Payload) {
			end = len(f.Payload)
		}
		chunks[i] = Chunk{
			FrameID:   f.ID,
			Index:     uint16(i),
			Count:     uint16(n),
			Timestamp: f.Timestamp,
			Payload:   f.Payload[start:end:end],
		}
	}
	return chunks, nil
}

// seqDiff returns a-b in serial number arithmetic so that ids keep ordering
// across the uint32 wrap.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}
