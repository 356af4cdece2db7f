// Package face abstracts the pull-only carrier that Interests travel on.
//
// A Face expresses Interests without blocking and later reports exactly one
// Result per Interest. Concrete carriers (HTTP, WebSocket, KCP, NATS) only
// need to implement RoundTripper, a blocking exchange of one request for one
// reply; New turns that into a Face.
package face

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/ndn"
)

// Outcome says how an Interest completed.
type Outcome int

const (
	// Success means a Data came back. Its content may be empty.
	Success Outcome = iota
	// Rejected means the upstream answered with a Nack.
	Rejected
	// TimedOut means the Interest lifetime expired without an answer.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timeout"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Result is the single completion of one expressed Interest.
type Result struct {
	Interest *ndn.Interest
	Outcome  Outcome
	// Data is set when Outcome is Success.
	Data *ndn.Data
	// Reason is set when Outcome is Rejected.
	Reason ndn.NackReason
}

// Face sends Interests toward a peer.
type Face interface {
	// Express sends interest and returns immediately. Exactly one Result is
	// later sent on results, unless ctx is done first, in which case the
	// Result is discarded.
	Express(ctx context.Context, interest *ndn.Interest, results chan<- Result)
	Close() error
}

// ErrNoRoute is returned by a RoundTripper when the carrier positively knows
// that nobody serves the request. It becomes a Nack with reason NoRoute.
//
// The Nack is reported at once. A consumer that replaces every completed
// Interest straight away will therefore spin against a carrier that keeps
// answering ErrNoRoute (an HTTP 404, or NATS with no responders), until the
// peer comes back.
var ErrNoRoute = errors.New("no route to producer")

// RoundTripper exchanges one encoded request for one encoded reply. It must
// honor ctx's deadline.
type RoundTripper interface {
	RoundTrip(ctx context.Context, wire []byte) ([]byte, error)
	Close() error
}

// RoundTripFunc adapts an ordinary function to RoundTripper.
type RoundTripFunc func(ctx context.Context, wire []byte) ([]byte, error)

func (f RoundTripFunc) RoundTrip(ctx context.Context, wire []byte) ([]byte, error) {
	return f(ctx, wire)
}

func (f RoundTripFunc) Close() error { return nil }

type roundTripFace struct {
	rt  RoundTripper
	log *logrus.Entry
}

// New returns a Face that runs each Interest through rt in its own goroutine.
//
// A Data reply is a Success and a Nack reply is Rejected. ErrNoRoute is an
// immediate Rejected with reason NoRoute. Any other carrier failure is held
// until the Interest lifetime runs out and then reported as TimedOut, the
// same as an Interest that was silently lost. So is a reply that does not
// decode, or a Data whose name does not start with the Interest name.
func New(rt RoundTripper, log *logrus.Entry) Face {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &roundTripFace{rt: rt, log: log}
}

func (f *roundTripFace) Express(ctx context.Context, interest *ndn.Interest, results chan<- Result) {
	wire := interest.Encode()
	go func() {
		r := f.exchange(ctx, interest, wire)
		select {
		case results <- r:
		case <-ctx.Done():
		}
	}()
}

func (f *roundTripFace) exchange(ctx context.Context, interest *ndn.Interest, wire []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, interest.EffectiveLifetime())
	defer cancel()
	timedOut := Result{Interest: interest, Outcome: TimedOut}

	reply, err := f.rt.RoundTrip(ctx, wire)
	if errors.Is(err, ErrNoRoute) {
		return Result{Interest: interest, Outcome: Rejected, Reason: ndn.NackNoRoute}
	}
	if err != nil {
		if ctx.Err() == nil {
			f.log.WithError(err).Debugf("round trip failed for %s", interest.Name)
		}
		<-ctx.Done()
		return timedOut
	}

	pkt, err := ndn.DecodePacket(reply)
	if err != nil {
		f.log.WithError(err).Debugf("bad reply for %s", interest.Name)
		<-ctx.Done()
		return timedOut
	}
	switch p := pkt.(type) {
	case *ndn.Data:
		if !interest.Name.IsPrefixOf(p.Name) {
			f.log.Debugf("reply %s does not match %s", p.Name, interest.Name)
			<-ctx.Done()
			return timedOut
		}
		return Result{Interest: interest, Outcome: Success, Data: p}
	case *ndn.Nack:
		return Result{Interest: interest, Outcome: Rejected, Reason: p.Reason}
	}
	f.log.Debugf("unexpected %T in reply to %s", pkt, interest.Name)
	<-ctx.Done()
	return timedOut
}

func (f *roundTripFace) Close() error {
	return f.rt.Close()
}

// Handler answers Interests on the producer side of a carrier.
type Handler interface {
	// ServeInterest returns a *ndn.Data or *ndn.Nack. It must return before
	// ctx is done, which happens when the Interest lifetime expires.
	ServeInterest(ctx context.Context, interest *ndn.Interest) ndn.Packet
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, interest *ndn.Interest) ndn.Packet

func (f HandlerFunc) ServeInterest(ctx context.Context, interest *ndn.Interest) ndn.Packet {
	return f(ctx, interest)
}

// Serve decodes an encoded Interest, passes it to h with ctx bounded by the
// Interest lifetime, and returns the encoded reply.
func Serve(ctx context.Context, h Handler, wire []byte) ([]byte, error) {
	pkt, err := ndn.DecodePacket(wire)
	if err != nil {
		return nil, err
	}
	interest, ok := pkt.(*ndn.Interest)
	if !ok {
		return nil, errors.Errorf("expected an Interest, got %T", pkt)
	}
	ctx, cancel := context.WithTimeout(ctx, interest.EffectiveLifetime())
	defer cancel()
	reply := h.ServeInterest(ctx, interest)
	if reply == nil {
		return nil, errors.Errorf("no reply to %s", interest.Name)
	}
	return reply.Encode(), nil
}

// Backoff computes reconnect delays for carriers that hold a long-lived
// session: exponential growth from Min to Max, randomized by up to half.
type Backoff struct {
	Min, Max time.Duration
	cur      time.Duration
}

// Next returns the next delay to wait.
func (b *Backoff) Next() time.Duration {
	if b.cur < b.Min {
		b.cur = b.Min
	} else {
		b.cur *= 2
		if b.cur > b.Max {
			b.cur = b.Max
		}
	}
	return b.cur/2 + jitter(b.cur/2)
}

// Reset returns the backoff to its minimum after a healthy session.
func (b *Backoff) Reset() {
	b.cur = 0
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
