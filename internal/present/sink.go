package present

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/avcpreview/internal/decode"
)

// Display shows one frame. Show is called from the Sink's Run goroutine only.
type Display interface {
	Show(decode.Frame) error
}

// Defaults for NewSink.
const (
	DefaultTickInterval = 10 * time.Millisecond
	DefaultMaxPending   = 120
)

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithTickInterval sets how often the Sink checks for due frames.
func WithTickInterval(d time.Duration) SinkOption {
	return func(s *Sink) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxPending bounds the number of frames held for the future. When full,
// the earliest held frame is dropped.
func WithMaxPending(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// Sink orders decoded frames by PTS and displays each when the timebase
// reaches it. HandleFrame is safe for concurrent use.
type Sink struct {
	log        *slog.Logger
	tb         *Timebase
	display    Display
	tick       time.Duration
	maxPending int

	mu       sync.Mutex
	pending  frameHeap
	lastPTS  time.Duration
	shownAny bool

	received   atomic.Int64
	displayed  atomic.Int64
	late       atomic.Int64
	superseded atomic.Int64
	overflow   atomic.Int64
	showErrors atomic.Int64
}

// NewSink creates a Sink showing frames on d, timed by tb.
func NewSink(tb *Timebase, d Display, log *slog.Logger, opts ...SinkOption) *Sink {
	if log == nil {
		log = slog.Default()
	}
	s := &Sink{
		log:        log.With("component", "present"),
		tb:         tb,
		display:    d,
		tick:       DefaultTickInterval,
		maxPending: DefaultMaxPending,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleFrame accepts a decoded frame. Frames at or before the last
// displayed PTS are dropped as late.
func (s *Sink) HandleFrame(f decode.Frame) {
	s.received.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shownAny && f.PTS <= s.lastPTS {
		s.late.Add(1)
		return
	}
	heap.Push(&s.pending, f)
	for s.pending.Len() > s.maxPending {
		heap.Pop(&s.pending)
		s.overflow.Add(1)
	}
}

// Run displays due frames until ctx is cancelled. If the Display implements
// io.Closer it is closed on return.
func (s *Sink) Run(ctx context.Context) error {
	ticker := s.tb.Clock().Ticker(s.tick)
	defer ticker.Stop()

	defer func() {
		if c, ok := s.display.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.Warn("display close failed", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.present()
		}
	}
}

// present shows the newest due frame. Older due frames are superseded.
func (s *Sink) present() {
	now := s.tb.Now()

	s.mu.Lock()
	var (
		due   decode.Frame
		found bool
	)
	for s.pending.Len() > 0 && s.pending[0].PTS <= now {
		if found {
			s.superseded.Add(1)
		}
		due = heap.Pop(&s.pending).(decode.Frame)
		found = true
	}
	if found {
		s.lastPTS = due.PTS
		s.shownAny = true
	}
	s.mu.Unlock()

	if !found {
		return
	}
	if err := s.display.Show(due); err != nil {
		s.showErrors.Add(1)
		s.log.Warn("display failed", "pts", due.PTS, "error", err)
		return
	}
	s.displayed.Add(1)
}

// SinkStats is a snapshot of Sink counters.
type SinkStats struct {
	Received   int64 `json:"received"`
	Displayed  int64 `json:"displayed"`
	Late       int64 `json:"late"`
	Superseded int64 `json:"superseded"`
	Overflow   int64 `json:"overflow"`
	ShowErrors int64 `json:"showErrors"`
	Pending    int   `json:"pending"`
	LastPTSMs  int64 `json:"lastPtsMs"`
}

// Stats returns a snapshot of the Sink counters.
func (s *Sink) Stats() SinkStats {
	s.mu.Lock()
	pending, last := s.pending.Len(), s.lastPTS
	s.mu.Unlock()
	return SinkStats{
		Received:   s.received.Load(),
		Displayed:  s.displayed.Load(),
		Late:       s.late.Load(),
		Superseded: s.superseded.Load(),
		Overflow:   s.overflow.Load(),
		ShowErrors: s.showErrors.Load(),
		Pending:    pending,
		LastPTSMs:  last.Milliseconds(),
	}
}

type frameHeap []decode.Frame

func (h frameHeap) Len() int           { return len(h) }
func (h frameHeap) Less(i, j int) bool { return h[i].PTS < h[j].PTS }
func (h frameHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x any)        { *h = append(*h, x.(decode.Frame)) }
func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = decode.Frame{}
	*h = old[:n-1]
	return f
}
