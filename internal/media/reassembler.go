package media

import (
	"fmt"
	"time"
)

// MaxWindow bounds ReassemblerConfig.Window.
const MaxWindow = 1024

// ReassemblerConfig bounds the receiver state.
type ReassemblerConfig struct {
	// Window is how far (in frame ids) a chunk may trail the newest
	// assembled frame before it is discarded as stale.
	Window uint32
	// MaxEntries caps the number of partially assembled frames.
	MaxEntries int
	// Timeout is how long an entry may go without a new chunk.
	Timeout time.Duration
	Now     func() time.Time
}

func DefaultReassemblerConfig() ReassemblerConfig {
	return ReassemblerConfig{
		Window:     16,
		MaxEntries: 8,
		Timeout:    time.Second,
		Now:        time.Now,
	}
}

// ReassemblerStats counts what happened to incoming chunks.
type ReassemblerStats struct {
	Completed  uint64
	Stale      uint64
	Duplicates uint64
	Malformed  uint64
	Evicted    uint64
	Expired    uint64
	Resyncs    uint64
	Pending    int
}

type entry struct {
	id       uint32
	count    uint16
	received int
	have     []bool
	parts    [][]byte
	size     int
	ts       time.Time
	first    time.Time
	last     time.Time
}

// Reassembler rebuilds frames from chunks. It is not safe for concurrent
// use; the Receiver owns it from a single goroutine.
type Reassembler struct {
	cfg     ReassemblerConfig
	entries map[uint32]*entry

	newest    uint32
	hasNewest bool
	// lastAccepted is when a chunk last made it into the table
	lastAccepted time.Time

	// ring of recently emitted ids so late duplicates are not emitted twice
	done    []uint32
	doneLen int
	donePos int

	stats ReassemblerStats
}

func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	def := DefaultReassemblerConfig()
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.Window > MaxWindow {
		cfg.Window = MaxWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Reassembler{
		cfg:     cfg,
		entries: make(map[uint32]*entry, cfg.MaxEntries),
		done:    make([]uint32, 2*int(cfg.Window)),
	}
}

// Push records a chunk. When the chunk completes its frame the frame is
// returned with ok set. Rejected chunks return an error wrapping one of the
// package sentinels; the reassembler state is unaffected by them.
func (r *Reassembler) Push(c Chunk) (frame Frame, ok bool, err error) {
	if err := c.validate(); err != nil {
		r.stats.Malformed++
		return Frame{}, false, err
	}
	now := r.cfg.Now()
	if r.hasNewest && seqDiff(r.newest, c.FrameID) > r.resyncDistance() &&
		now.Sub(r.lastAccepted) > r.cfg.Timeout {
		// far behind and nothing accepted for a while: the producer restarted
		r.reset()
		r.stats.Resyncs++
	}
	if r.hasNewest && seqDiff(r.newest, c.FrameID) > int32(r.cfg.Window) {
		r.stats.Stale++
		return Frame{}, false, fmt.Errorf("%w: frame %d, newest %d", ErrStaleChunk, c.FrameID, r.newest)
	}
	if r.emitted(c.FrameID) {
		r.stats.Duplicates++
		return Frame{}, false, fmt.Errorf("%w: frame %d", ErrDuplicateFrame, c.FrameID)
	}

	e, found := r.entries[c.FrameID]
	if found && now.Sub(e.last) > r.cfg.Timeout {
		delete(r.entries, c.FrameID)
		r.stats.Expired++
		found = false
	}
	if !found {
		if len(r.entries) >= r.cfg.MaxEntries {
			r.evictOldest()
		}
		e = &entry{
			id:    c.FrameID,
			count: c.Count,
			have:  make([]bool, c.Count),
			parts: make([][]byte, c.Count),
			ts:    c.Timestamp,
			first: now,
		}
		r.entries[c.FrameID] = e
	}
	if e.count != c.Count {
		r.stats.Malformed++
		return Frame{}, false, fmt.Errorf("%w: frame %d has %d chunks, got chunk claiming %d",
			ErrInconsistentChunk, c.FrameID, e.count, c.Count)
	}

	e.last = now
	r.lastAccepted = now
	if e.have[c.Index] {
		r.stats.Duplicates++
		return Frame{}, false, nil
	}
	e.have[c.Index] = true
	e.parts[c.Index] = c.Payload
	e.size += len(c.Payload)
	e.received++
	if e.ts.IsZero() {
		e.ts = c.Timestamp
	}
	if e.received < int(e.count) {
		return Frame{}, false, nil
	}

	payload := make([]byte, 0, e.size)
	for _, p := range e.parts {
		payload = append(payload, p...)
	}
	delete(r.entries, e.id)
	r.markEmitted(e.id)
	r.stats.Completed++

	if !r.hasNewest || seqDiff(e.id, r.newest) > 0 {
		r.newest = e.id
		r.hasNewest = true
		r.supersede()
	}

	return Frame{ID: e.id, Timestamp: e.ts, Payload: payload}, true, nil
}

// Purge drops entries that have gone without a chunk for longer than the
// timeout and returns how many were removed.
func (r *Reassembler) Purge() int {
	now := r.cfg.Now()
	purged := 0
	for id, e := range r.entries {
		if now.Sub(e.last) > r.cfg.Timeout {
			delete(r.entries, id)
			purged++
		}
	}
	r.stats.Expired += uint64(purged)
	return purged
}

func (r *Reassembler) Pending() int {
	return len(r.entries)
}

func (r *Reassembler) Stats() ReassemblerStats {
	s := r.stats
	s.Pending = len(r.entries)
	return s
}

// supersede removes entries that fell out of the window behind the newest
// assembled frame.
func (r *Reassembler) supersede() {
	for id := range r.entries {
		if seqDiff(r.newest, id) > int32(r.cfg.Window) {
			delete(r.entries, id)
			r.stats.Evicted++
		}
	}
}

func (r *Reassembler) evictOldest() {
	var (
		oldest uint32
		found  bool
	)
	for id := range r.entries {
		if !found || seqDiff(id, oldest) < 0 {
			oldest = id
			found = true
		}
	}
	if found {
		delete(r.entries, oldest)
		r.stats.Evicted++
	}
}

func (r *Reassembler) resyncDistance() int32 {
	d := int32(r.cfg.Window) * 64
	if d < 1024 {
		d = 1024
	}
	return d
}

func (r *Reassembler) reset() {
	for id := range r.entries {
		delete(r.entries, id)
	}
	r.hasNewest = false
	r.doneLen = 0
	r.donePos = 0
}

func (r *Reassembler) emitted(id uint32) bool {
	for i := 0; i < r.doneLen; i++ {
		if r.done[i] == id {
			return true
		}
	}
	return false
}

func (r *Reassembler) markEmitted(id uint32) {
	r.done[r.donePos] = id
	r.donePos = (r.donePos + 1) % len(r.done)
	if r.doneLen < len(r.done) {
		r.doneLen++
	}
}
