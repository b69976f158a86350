package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/zsiec/avcpreview/internal/h264"
)

// DropPolicy selects which access unit a full queue discards.
type DropPolicy int

const (
	// DropNewest discards the incoming access unit.
	DropNewest DropPolicy = iota
	// DropOldest discards the oldest queued access unit.
	DropOldest
)

func (p DropPolicy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// ParseDropPolicy parses "drop-newest" or "drop-oldest". An empty string
// means DropNewest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "", "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	}
	return DropNewest, fmt.Errorf("pipeline: unknown drop policy %q", s)
}

// item is either an access unit or a parameter update barrier.
type item struct {
	au       h264.AccessUnit
	barrier  bool
	sps, pps []byte
}

// queue hands items from the ingest lane to the submission lane. Only
// access units count toward size and only access units are ever dropped;
// barriers keep their position relative to the units around them.
type queue struct {
	size   int
	policy DropPolicy

	mu     sync.Mutex
	items  []item
	aus    int
	closed bool
	ready  chan struct{}
}

func newQueue(size int, policy DropPolicy) *queue {
	return &queue{size: size, policy: policy, ready: make(chan struct{}, 1)}
}

// push enqueues it and reports whether an access unit was dropped.
func (q *queue) push(it item) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return !it.barrier
	}

	if !it.barrier && q.aus >= q.size {
		if q.policy == DropNewest {
			return true
		}
		for i := range q.items {
			if !q.items[i].barrier {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.aus--
				break
			}
		}
		dropped = true
	}

	q.items = append(q.items, it)
	if !it.barrier {
		q.aus++
	}
	q.signal()
	return dropped
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available. ok is false once the queue is
// closed and drained, or ctx is done.
func (q *queue) pop(ctx context.Context) (it item, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it = q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			if !it.barrier {
				q.aus--
			}
			q.mu.Unlock()
			return it, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item{}, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

// close lets pop drain the remaining items and then stop.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
