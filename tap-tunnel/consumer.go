// The code in this file keeps a window of Interests outstanding toward the
// peer. The carrier is pull-only: the peer cannot send anything until we ask,
// so throughput depends on always having several Interests in flight. Each
// Interest may also carry one small outbound frame in its Exclude filter
// (the piggyback channel), which saves the peer a round trip when our
// outbound queue is short.
//
// All Consumer state is owned by a single event loop goroutine. Faces report
// each Interest's completion as a face.Result on a channel that only this
// loop reads, so nOutstanding, seq and lastData need no lock.

package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/ndn"
	"github.com/tap-tunnel/tap-tunnel/common/tlv"
)

// PayloadQueue is the Consumer's view of the outbound queue. Dequeue must be
// atomic with respect to other takers.
type PayloadQueue interface {
	Empty() bool
	IsSmall() bool
	Size() int
	Dequeue(typ uint32) (tlv.Element, bool)
}

// PayloadSink receives the content of every non-empty Data.
type PayloadSink interface {
	Deliver(payload []byte)
}

// ConsumerOptions are fixed for the lifetime of a Consumer.
type ConsumerOptions struct {
	RemotePrefix     ndn.Name
	InterestLifetime time.Duration
	MaxOutstanding   int
	// With no payload-bearing Data for longer than this, the peer is
	// presumed offline and only a single probing Interest is kept out.
	PeerInactiveTime time.Duration
}

func (o ConsumerOptions) validate() error {
	if len(o.RemotePrefix) == 0 {
		return errors.New("remote prefix is empty")
	}
	// Lifetimes travel in whole milliseconds; anything shorter would be sent
	// as zero and read by the peer as the default.
	if o.InterestLifetime < time.Millisecond {
		return errors.Errorf("interest lifetime %s is less than 1ms", o.InterestLifetime)
	}
	if o.MaxOutstanding < 1 {
		return errors.Errorf("max outstanding %d is less than 1", o.MaxOutstanding)
	}
	if o.PeerInactiveTime <= 0 {
		return errors.Errorf("peer inactive time %s is not positive", o.PeerInactiveTime)
	}
	return nil
}

// ConsumerStats is a snapshot of the Consumer's state.
type ConsumerStats struct {
	Outstanding        int
	DesiredOutstanding int
	NextSeq            uint64
	LastData           time.Time
}

// Consumer paces Interests toward the peer.
type Consumer struct {
	opts     ConsumerOptions
	payloads PayloadQueue
	face     face.Face
	sink     PayloadSink
	log      *logrus.Entry
	metrics  *metrics
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	results chan face.Result
	started atomic.Bool
	done    chan struct{}

	// Owned by the event loop.
	nOutstanding int
	// seq is the sequence number of the next Interest. It wraps around on
	// overflow; names only need to be unique within one Interest lifetime.
	seq      uint64
	lastData time.Time

	statsMu sync.Mutex
	stats   ConsumerStats
}

// NewConsumer creates a Consumer. Nothing is sent until Start.
func NewConsumer(opts ConsumerOptions, payloads PayloadQueue, f face.Face, sink PayloadSink,
	log *logrus.Entry, m *metrics) (*Consumer, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "consumer options")
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, errors.Wrap(err, "seed sequence number")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		opts:     opts,
		payloads: payloads,
		face:     f,
		sink:     sink,
		log:      log.WithField("component", "consumer"),
		metrics:  m,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan face.Result, opts.MaxOutstanding),
		done:     make(chan struct{}),
		seq:      binary.BigEndian.Uint64(b[:]),
	}
	return c, nil
}

// Start fills the initial window and starts the event loop. Calls after the
// first do nothing. Start and Close may race.
func (c *Consumer) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.next()
	c.publish()
	go c.run()
}

// Close stops the event loop. Interests still outstanding are abandoned and
// their results discarded; their piggybacked frames are lost.
func (c *Consumer) Close() error {
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
	return nil
}

// Stats returns the state as of the end of the last pacing step.
func (c *Consumer) Stats() ConsumerStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Consumer) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case r := <-c.results:
			c.handle(r)
			c.next()
			c.publish()
		}
	}
}

func (c *Consumer) desiredOutstanding() int {
	if c.now().Sub(c.lastData) > c.opts.PeerInactiveTime {
		// peer is offline
		return 1
	}
	return c.opts.MaxOutstanding
}

// next issues Interests until the window is full. A shrunken window is not
// enforced by cancelling anything; it takes effect as Interests complete.
func (c *Consumer) next() {
	desired := c.desiredOutstanding()
	for c.nOutstanding < desired {
		if c.ctx.Err() != nil {
			return
		}
		c.addInterest()
	}
}

func (c *Consumer) addInterest() {
	c.nOutstanding++

	interest := ndn.NewInterest(c.opts.RemotePrefix.AppendSequenceNumber(c.seq))
	interest.Lifetime = c.opts.InterestLifetime
	interest.MustBeFresh = true

	kind := "plain"
	if !c.payloads.Empty() && c.payloads.IsSmall() {
		size := c.payloads.Size()
		// Another taker may have drained the queue since Empty; then the
		// Interest goes out plain.
		if token, ok := c.payloads.Dequeue(ndn.TypeNameComponent); ok {
			interest.Exclude = ndn.ExcludeOne(ndn.Component(token))
			kind = "piggyback"
			c.log.Tracef("Interest-piggyback seq=%d outstanding=%d payloads=%d", c.seq, c.nOutstanding, size)
		}
	}
	if kind == "plain" {
		c.log.Tracef("Interest-plain seq=%d outstanding=%d", c.seq, c.nOutstanding)
	}
	c.metrics.interests.WithLabelValues(kind).Inc()

	c.face.Express(c.ctx, interest, c.results)
	c.seq++
}

func (c *Consumer) handle(r face.Result) {
	c.nOutstanding--
	c.metrics.completions.WithLabelValues(r.Outcome.String()).Inc()

	var seq uint64
	if len(r.Interest.Name) > 0 {
		seq, _ = r.Interest.Name.At(-1).ToSequenceNumber()
	}

	switch r.Outcome {
	case face.Success:
		if r.Data != nil && len(r.Data.Content) > 0 {
			c.lastData = c.now()
			c.log.Tracef("Data-payload seq=%d outstanding=%d", seq, c.nOutstanding)
			c.metrics.deliveredBytes.Add(float64(len(r.Data.Content)))
			c.sink.Deliver(r.Data.Content)
		} else {
			c.log.Tracef("Data-empty seq=%d outstanding=%d", seq, c.nOutstanding)
		}
	case face.Rejected:
		c.log.Tracef("Nack-%s seq=%d outstanding=%d", r.Reason, seq, c.nOutstanding)
	case face.TimedOut:
		c.log.Tracef("timeout seq=%d outstanding=%d", seq, c.nOutstanding)
	}
}

func (c *Consumer) publish() {
	stats := ConsumerStats{
		Outstanding:        c.nOutstanding,
		DesiredOutstanding: c.desiredOutstanding(),
		NextSeq:            c.seq,
		LastData:           c.lastData,
	}
	c.metrics.outstanding.Set(float64(stats.Outstanding))
	c.statsMu.Lock()
	c.stats = stats
	c.statsMu.Unlock()
}
