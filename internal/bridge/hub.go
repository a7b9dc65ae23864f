package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bilbercode/camlink/internal/media"
)

// hub fans frames out to presentation subscribers. A subscriber that has not
// taken the previous frame misses the new one.
type hub struct {
	sync.Mutex
	subscribers map[string]chan media.Frame
	latest      atomic.Pointer[media.Frame]
	dropped     uint64
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]chan media.Frame)}
}

func (h *hub) Subscribe() (<-chan media.Frame, func()) {
	id := uuid.NewString()
	ch := make(chan media.Frame, 1)
	h.Lock()
	h.subscribers[id] = ch
	h.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.Lock()
			defer h.Unlock()
			delete(h.subscribers, id)
		})
	}
}

func (h *hub) publish(f media.Frame) {
	h.latest.Store(&f)
	h.Lock()
	defer h.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- f:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

func (h *hub) Latest() (media.Frame, bool) {
	f := h.latest.Load()
	if f == nil {
		return media.Frame{}, false
	}
	return *f, true
}

func (h *hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

func (h *hub) Subscribers() int {
	h.Lock()
	defer h.Unlock()
	return len(h.subscribers)
}
