package session

import (
	"sync"

	"github.com/mngfx/market-feed/pkg/config"
	"github.com/mngfx/market-feed/pkg/metrics"
)

// MaxPendingReplies bounds queued control frames. A client that keeps
// sending commands without reading is disconnected past this point.
const MaxPendingReplies = 64

type entry struct {
	frame   []byte
	control bool
}

// Outbox is the FIFO between frame producers (command handling and group
// delivery) and the single connection writer.
//
// Control frames (welcome, acks, errors) are never dropped. Tick frames
// are bounded by size; when that bound is hit the policy decides:
//   - drop_oldest: the oldest queued tick is evicted
//   - drop_newest: the incoming tick is skipped
//   - disconnect: the tick is skipped and Overflow is closed
type Outbox struct {
	mu       sync.Mutex
	queue    []entry
	ticks    int
	controls int
	size     int
	policy   string
	closed   bool

	ready    chan struct{}
	overflow chan struct{}
	once     sync.Once
}

func NewOutbox(size int, policy string) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		size:     size,
		policy:   policy,
		ready:    make(chan struct{}, 1),
		overflow: make(chan struct{}),
	}
}

// Push enqueues a tick frame without blocking and reports whether it was queued.
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	if o.ticks >= o.size {
		metrics.FramesDropped.WithLabelValues(o.policy).Inc()

		switch o.policy {
		case config.PolicyDropOldest:
			o.evictOldestTick()
		case config.PolicyDisconnect:
			o.signalOverflow()
			return false
		default:
			return false
		}
	}

	o.queue = append(o.queue, entry{frame: frame})
	o.ticks++
	o.notify()
	return true
}

// PushControl enqueues a reply frame. It only fails once the outbox is
// closed or the client has stopped reading its replies.
func (o *Outbox) PushControl(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	if o.controls >= MaxPendingReplies {
		o.signalOverflow()
		return false
	}

	o.queue = append(o.queue, entry{frame: frame, control: true})
	o.controls++
	o.notify()
	return true
}

// Pop removes the head frame. ok is false when nothing is queued.
func (o *Outbox) Pop() (frame []byte, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return nil, false
	}
	head := o.queue[0]
	o.queue[0] = entry{}
	o.queue = o.queue[1:]
	if head.control {
		o.controls--
	} else {
		o.ticks--
	}
	return head.frame, true
}

// Ready receives a signal after every push and after Close.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Closed reports whether Close was called. Once closed and empty, the
// outbox stays empty.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Overflow is closed the first time the outbox gives up on the client.
func (o *Outbox) Overflow() <-chan struct{} { return o.overflow }

// Close ends the frame stream; later pushes are no-ops. Safe to call twice.
// Frames already queued can still be popped.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		o.notify()
	}
}

func (o *Outbox) evictOldestTick() {
	for i, e := range o.queue {
		if !e.control {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.ticks--
			return
		}
	}
}

func (o *Outbox) signalOverflow() {
	o.once.Do(func() { close(o.overflow) })
}

func (o *Outbox) notify() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
