package recording

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camlink/internal/media"
)

var (
	recordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "recording",
		Name:      "started_total",
		Help:      "number of recording sessions started",
	})
	recordingsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "recording",
		Name:      "finished_total",
		Help:      "number of recording sessions that reached a terminal state",
	}, []string{"status"})
	recordingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camlink",
		Subsystem: "recording",
		Name:      "bytes_written_total",
		Help:      "number of bytes written to recording files",
	})
)

type opKind int

const (
	opStart opKind = iota
	opStop
	opRescan
)

type op struct {
	kind opKind
	name string
}

type activeFile struct {
	session *Session
	file    *os.File
	w       *bufio.Writer
}

// Manager owns the recording lifecycle. All state changes happen on the Run
// goroutine; other goroutines submit requests and read snapshots.
type Manager struct {
	cfg    Config
	ops    chan op
	frames chan media.Frame

	snap      atomic.Pointer[Snapshot]
	recording atomic.Bool
	dropped   uint64

	// owned by Run
	sessions  map[string]*Session
	active    *activeFile
	written   uint64
	lastError string
}

// NewManager prepares the recordings directory and indexes the files already
// in it. Failing to do either is fatal for the caller.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recordings directory must be set")
	}
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if !strings.HasPrefix(cfg.Extension, ".") {
		cfg.Extension = "." + cfg.Extension
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := prepareDir(cfg.Dir); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		ops:      make(chan op, 16),
		frames:   make(chan media.Frame, cfg.QueueSize),
		sessions: make(map[string]*Session),
	}
	if err := m.rescan(); err != nil {
		return nil, err
	}
	m.publish()
	return m, nil
}

// Start requests a new recording. It is a no-op while one is active. An empty
// name selects a timestamped default.
func (m *Manager) Start(name string) {
	m.submit(op{kind: opStart, name: name})
}

// Stop completes the active recording, if any.
func (m *Manager) Stop() {
	m.submit(op{kind: opStop})
}

// Rescan re-indexes the recordings directory.
func (m *Manager) Rescan() {
	m.submit(op{kind: opRescan})
}

func (m *Manager) submit(o op) {
	select {
	case m.ops <- o:
	default:
		log.WithField("op", o.kind).Warn("recording request queue full, dropping request")
	}
}

// Write queues a frame for the active recording. Frames are discarded
// without queueing when nothing is recording, and counted as dropped when
// the writer is behind.
func (m *Manager) Write(f media.Frame) {
	if !m.recording.Load() {
		return
	}
	select {
	case m.frames <- f:
	default:
		atomic.AddUint64(&m.dropped, 1)
	}
}

func (m *Manager) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Active returns the active session, if any.
func (m *Manager) Active() (Session, bool) {
	s := m.snap.Load()
	if s.Active == nil {
		return Session{}, false
	}
	return *s.Active, true
}

// Completed lists completed sessions ordered by start time.
func (m *Manager) Completed() []Session {
	var out []Session
	for _, s := range m.snap.Load().Sessions {
		if s.Completed() {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns a completed session by id.
func (m *Manager) Lookup(id string) (Session, error) {
	for _, s := range m.snap.Load().Sessions {
		if s.ID != id {
			continue
		}
		if !s.Completed() {
			return s, fmt.Errorf("%w: %s is %s", ErrNotCompleted, id, s.Status)
		}
		return s, nil
	}
	return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Run processes requests and frames until ctx is done. An active recording is
// completed on the way out.
func (m *Manager) Run(ctx context.Context) error {
	defer m.publish()
	for {
		select {
		case <-ctx.Done():
			if m.active != nil {
				m.drain()
				m.finish(nil)
			}
			return nil
		case o := <-m.ops:
			m.handle(o)
		case f := <-m.frames:
			m.write(f)
		}
	}
}

func (m *Manager) handle(o op) {
	switch o.kind {
	case opStart:
		m.start(o.name)
	case opStop:
		if m.active == nil {
			log.Debug("stop requested with no active recording")
			return
		}
		m.drain()
		m.finish(nil)
	case opRescan:
		if err := m.rescan(); err != nil {
			log.WithError(err).Warn("failed to rescan recordings")
		}
	}
	m.publish()
}

// drain writes frames queued before a stop request.
func (m *Manager) drain() {
	for {
		select {
		case f := <-m.frames:
			m.write(f)
		default:
			return
		}
	}
}

func (m *Manager) start(name string) {
	if m.active != nil {
		log.WithField("recording", m.active.session.Name).Debug("recording already active")
		return
	}

	name = m.fileName(name)
	now := m.cfg.Now()
	session := &Session{
		ID:        sessionID(name),
		Name:      name,
		FilePath:  filepath.Join(m.cfg.Dir, name),
		StartTime: now,
		Status:    StatusActive,
	}
	m.sessions[session.ID] = session
	recordingsStarted.Inc()

	file, err := os.OpenFile(session.FilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		m.fail(session, fmt.Errorf("failed to create recording file: %w", err))
		return
	}
	m.active = &activeFile{session: session, file: file, w: bufio.NewWriterSize(file, 256*1024)}
	m.recording.Store(true)
	log.WithFields(log.Fields{
		"recording": session.Name,
		"id":        session.ID,
	}).Info("recording started")
}

// fileName picks a name that does not collide with a known session.
func (m *Manager) fileName(name string) string {
	if name == "" {
		name = "recording_" + m.cfg.Now().Format("20060102_150405")
	}
	if !strings.EqualFold(filepath.Ext(name), m.cfg.Extension) {
		name += m.cfg.Extension
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	candidate := name
	for i := 1; ; i++ {
		_, known := m.sessions[sessionID(candidate)]
		if _, err := os.Stat(filepath.Join(m.cfg.Dir, candidate)); !known && os.IsNotExist(err) {
			return candidate
		}
		candidate = base + "_" + strconv.Itoa(i) + m.cfg.Extension
	}
}

func (m *Manager) write(f media.Frame) {
	a := m.active
	if a == nil {
		return
	}
	n, err := a.w.Write(f.Payload)
	a.session.Size += int64(n)
	recordingBytes.Add(float64(n))
	if err != nil {
		m.finish(fmt.Errorf("failed to write frame: %w", err))
		m.publish()
		return
	}
	a.session.Frames++
	m.written++

	if m.cfg.MaxBytes > 0 && a.session.Size >= m.cfg.MaxBytes {
		log.WithFields(log.Fields{
			"recording": a.session.Name,
			"size":      a.session.Size,
		}).Info("recording reached size limit")
		m.finish(nil)
	}
	m.publish()
}

// finish closes the active file. A nil cause completes the session; any
// error along the way marks it failed instead.
func (m *Manager) finish(cause error) {
	a := m.active
	m.active = nil
	m.recording.Store(false)

	err := cause
	if ferr := a.w.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("failed to flush recording: %w", ferr)
	}
	if serr := a.file.Sync(); serr != nil && err == nil {
		err = fmt.Errorf("failed to sync recording: %w", serr)
	}
	if cerr := a.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close recording: %w", cerr)
	}
	if info, serr := os.Stat(a.session.FilePath); serr == nil {
		a.session.Size = info.Size()
	}

	if err != nil {
		m.fail(a.session, err)
		return
	}
	end := m.cfg.Now()
	a.session.EndTime = &end
	a.session.Status = StatusCompleted
	recordingsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	log.WithFields(log.Fields{
		"recording": a.session.Name,
		"size":      a.session.Size,
		"frames":    a.session.Frames,
	}).Info("recording completed")
}

func (m *Manager) fail(s *Session, err error) {
	end := m.cfg.Now()
	s.EndTime = &end
	s.Status = StatusFailed
	s.Error = err.Error()
	m.lastError = s.Error
	recordingsFinished.WithLabelValues(string(StatusFailed)).Inc()
	log.WithError(err).WithField("recording", s.Name).Error("recording failed")
}

// rescan merges the directory contents into the session table. Files that
// disappeared are forgotten unless their session is active or failed.
func (m *Manager) rescan() error {
	found, err := scanDir(m.cfg.Dir, m.cfg.Extension)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(found))
	for i := range found {
		s := found[i]
		present[s.ID] = true
		if existing, ok := m.sessions[s.ID]; ok {
			if existing.Status == StatusCompleted {
				existing.Size = s.Size
			}
			continue
		}
		m.sessions[s.ID] = &s
	}
	for id, s := range m.sessions {
		if s.Status == StatusCompleted && !present[id] {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *Manager) publish() {
	snap := &Snapshot{
		Sessions:      make([]Session, 0, len(m.sessions)),
		LastError:     m.lastError,
		FramesWritten: m.written,
		FramesDropped: atomic.LoadUint64(&m.dropped),
	}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, *s)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		a, b := snap.Sessions[i], snap.Sessions[j]
		if a.StartTime.Equal(b.StartTime) {
			return a.Name < b.Name
		}
		return a.StartTime.Before(b.StartTime)
	})
	if m.active != nil {
		active := *m.active.session
		snap.Active = &active
	}
	m.snap.Store(snap)
}
