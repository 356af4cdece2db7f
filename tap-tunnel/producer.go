package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/ndn"
)

// bundleSource is the Producer's view of the outbound queue.
type bundleSource interface {
	DequeueBundle(ctx context.Context, maxLength int, wait time.Duration) []byte
}

// ProducerOptions are fixed for the lifetime of a Producer.
type ProducerOptions struct {
	LocalPrefix      ndn.Name
	FreshnessPeriod  time.Duration
	MaxContentLength int
	// LongPoll is the longest an Interest is held waiting for outbound
	// frames. It is further capped at half the Interest lifetime so that the
	// reply beats the peer's timeout.
	LongPoll time.Duration
}

func (o ProducerOptions) validate() error {
	if len(o.LocalPrefix) == 0 {
		return errors.New("local prefix is empty")
	}
	if o.MaxContentLength < 1 {
		return errors.Errorf("max content length %d is less than 1", o.MaxContentLength)
	}
	if o.LongPoll < 0 {
		return errors.Errorf("long poll %s is negative", o.LongPoll)
	}
	return nil
}

// Producer answers the peer's Interests with queued frames, and passes frames
// piggybacked in their Exclude filter to the sink.
type Producer struct {
	opts     ProducerOptions
	payloads bundleSource
	sink     PayloadSink
	log      *logrus.Entry
	metrics  *metrics
}

// NewProducer creates a Producer. It implements face.Handler.
func NewProducer(opts ProducerOptions, payloads bundleSource, sink PayloadSink,
	log *logrus.Entry, m *metrics) (*Producer, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "producer options")
	}
	return &Producer{
		opts:     opts,
		payloads: payloads,
		sink:     sink,
		log:      log.WithField("component", "producer"),
		metrics:  m,
	}, nil
}

func (p *Producer) ServeInterest(ctx context.Context, interest *ndn.Interest) ndn.Packet {
	if !p.opts.LocalPrefix.IsPrefixOf(interest.Name) {
		p.log.Debugf("Nack-NoRoute %s", interest.Name)
		p.metrics.producerInterests.WithLabelValues("nack").Inc()
		return &ndn.Nack{Reason: ndn.NackNoRoute, Interest: interest}
	}

	for _, token := range interest.Exclude {
		if token.Type != ndn.TypeNameComponent || len(token.Value) == 0 {
			continue
		}
		p.log.Tracef("piggyback name=%s size=%d", interest.Name, len(token.Value))
		p.metrics.piggybackBytes.Add(float64(len(token.Value)))
		p.sink.Deliver(token.Value)
	}

	wait := p.opts.LongPoll
	if half := interest.EffectiveLifetime() / 2; half < wait {
		wait = half
	}
	content := p.payloads.DequeueBundle(ctx, p.opts.MaxContentLength, wait)
	if len(content) > 0 {
		p.log.Tracef("Data-payload name=%s size=%d", interest.Name, len(content))
		p.metrics.producerInterests.WithLabelValues("data").Inc()
		p.metrics.servedBytes.Add(float64(len(content)))
	} else {
		p.log.Tracef("Data-empty name=%s", interest.Name)
		p.metrics.producerInterests.WithLabelValues("empty").Inc()
	}
	return &ndn.Data{
		Name:            interest.Name,
		FreshnessPeriod: p.opts.FreshnessPeriod,
		Content:         content,
	}
}
