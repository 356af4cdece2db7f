package turbotunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tap-tunnel/tap-tunnel/common/encapsulation"
	"github.com/tap-tunnel/tap-tunnel/common/tlv"
)

// PayloadQueue is a bounded FIFO of outbound frames shared between one
// producer (the TAP reader) and any number of takers. Taking an item is a
// channel receive, so each frame goes to exactly one taker.
type PayloadQueue struct {
	ch             chan []byte
	smallThreshold int
	// stash holds a frame that was taken but did not fit into a bundle; it
	// goes out first next time.
	stash     chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	dropped   atomic.Uint64
}

// NewPayloadQueue creates an empty queue. smallThreshold <= 0 selects the
// default.
func NewPayloadQueue(smallThreshold int) *PayloadQueue {
	if smallThreshold <= 0 {
		smallThreshold = defaultSmallThreshold
	}
	return &PayloadQueue{
		ch:             make(chan []byte, queueSize),
		smallThreshold: smallThreshold,
		stash:          make(chan []byte, 1),
		closed:         make(chan struct{}),
	}
}

// Enqueue adds a frame. The frame is copied. If the queue is full the frame
// is dropped, as a full link would do.
func (q *PayloadQueue) Enqueue(frame []byte) error {
	select {
	case <-q.closed:
		return errClosedQueue
	default:
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case q.ch <- buf:
	default:
		q.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many frames Enqueue discarded because the queue was full.
func (q *PayloadQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Size returns the number of frames waiting.
func (q *PayloadQueue) Size() int {
	return len(q.ch) + len(q.stash)
}

// Empty reports whether no frame is waiting.
func (q *PayloadQueue) Empty() bool {
	return q.Size() == 0
}

// IsSmall reports whether the backlog is short enough to go out one frame
// per Interest.
func (q *PayloadQueue) IsSmall() bool {
	return q.Size() < q.smallThreshold
}

func (q *PayloadQueue) take() ([]byte, bool) {
	select {
	case p := <-q.stash:
		return p, true
	default:
	}
	select {
	case p := <-q.stash:
		return p, true
	case p := <-q.ch:
		return p, true
	default:
		return nil, false
	}
}

// Dequeue removes one frame and returns it as a TLV element of type typ
// whose value is the encapsulated frame. ok is false if another taker got
// there first and nothing was left.
func (q *PayloadQueue) Dequeue(typ uint32) (elem tlv.Element, ok bool) {
	p, ok := q.take()
	if !ok {
		return tlv.Element{}, false
	}
	return tlv.Element{Type: typ, Value: encapsulation.Bundle(p)}, true
}

// DequeueBundle waits up to wait for a frame, then encapsulates as many
// frames as are immediately available and fit within maxLength. The first
// frame is always included even if it alone exceeds maxLength. A nil result
// means nothing arrived in time or ctx was cancelled.
func (q *PayloadQueue) DequeueBundle(ctx context.Context, maxLength int, wait time.Duration) []byte {
	p, ok := q.take()
	if !ok {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		case <-timer.C:
			return nil
		case p = <-q.stash:
		case p = <-q.ch:
		}
	}

	var out []byte
	first := true
	for p != nil && (first || len(out)+encapsulation.EncodedLength(len(p)) <= maxLength) {
		first = false
		out = append(out, encapsulation.Bundle(p)...)
		p, _ = q.take()
	}
	if p != nil {
		// Didn't fit. Stash it so that it will be first in line next time.
		select {
		case q.stash <- p:
		default:
			// Someone else stashed meanwhile; put it back at the tail.
			select {
			case q.ch <- p:
			default:
			}
		}
	}
	return out
}

// Close wakes up waiting takers. Frames already queued stay available.
func (q *PayloadQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
