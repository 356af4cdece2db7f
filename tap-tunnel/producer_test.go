package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-tunnel/tap-tunnel/common/encapsulation"
	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/ndn"
	"github.com/tap-tunnel/tap-tunnel/common/turbotunnel"
)

var localPrefix = ndn.Name{{Type: ndn.TypeNameComponent, Value: []byte("me")}}

func newTestProducer(t *testing.T, q *turbotunnel.PayloadQueue, sink PayloadSink) (*Producer, *metrics) {
	t.Helper()
	m := newMetrics(prometheus.NewRegistry())
	p, err := NewProducer(ProducerOptions{
		LocalPrefix:      localPrefix,
		FreshnessPeriod:  time.Millisecond,
		MaxContentLength: 8800,
		LongPoll:         100 * time.Millisecond,
	}, q, sink, testLog(), m)
	require.NoError(t, err)
	return p, m
}

func TestProducerServesQueuedFrames(t *testing.T) {
	q := turbotunnel.NewPayloadQueue(8)
	require.NoError(t, q.Enqueue([]byte("a")))
	require.NoError(t, q.Enqueue([]byte("bb")))
	p, m := newTestProducer(t, q, &recordingSink{})

	in := ndn.NewInterest(localPrefix.AppendSequenceNumber(7))
	pkt := p.ServeInterest(context.Background(), in)
	data, ok := pkt.(*ndn.Data)
	require.True(t, ok)
	assert.True(t, data.Name.Equal(in.Name))
	assert.Equal(t, time.Millisecond, data.FreshnessPeriod)
	assert.Equal(t, encapsulation.Bundle([]byte("a"), []byte("bb")), data.Content)
	assert.True(t, q.Empty())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.producerInterests.WithLabelValues("data")))
}

func TestProducerLongPollTimesOutEmpty(t *testing.T) {
	p, m := newTestProducer(t, turbotunnel.NewPayloadQueue(8), &recordingSink{})
	start := time.Now()
	pkt := p.ServeInterest(context.Background(), ndn.NewInterest(localPrefix.AppendSequenceNumber(1)))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	data := pkt.(*ndn.Data)
	assert.Empty(t, data.Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.producerInterests.WithLabelValues("empty")))
}

func TestProducerLongPollCappedByLifetime(t *testing.T) {
	p, _ := newTestProducer(t, turbotunnel.NewPayloadQueue(8), &recordingSink{})
	p.opts.LongPoll = time.Minute
	in := ndn.NewInterest(localPrefix.AppendSequenceNumber(1))
	in.Lifetime = 100 * time.Millisecond
	start := time.Now()
	p.ServeInterest(context.Background(), in)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProducerDeliversPiggyback(t *testing.T) {
	sink := &recordingSink{}
	q := turbotunnel.NewPayloadQueue(8)
	require.NoError(t, q.Enqueue([]byte("reply")))
	p, m := newTestProducer(t, q, sink)

	in := ndn.NewInterest(localPrefix.AppendSequenceNumber(3))
	token := encapsulation.Bundle([]byte("frame"))
	in.Exclude = ndn.ExcludeOne(ndn.Component{Type: ndn.TypeNameComponent, Value: token})
	p.ServeInterest(context.Background(), in)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, token, sink.payloads[0])
	assert.Equal(t, float64(len(token)), testutil.ToFloat64(m.piggybackBytes))
}

func TestProducerNacksForeignPrefix(t *testing.T) {
	p, m := newTestProducer(t, turbotunnel.NewPayloadQueue(8), &recordingSink{})
	other, err := ndn.ParseName("/someone-else/seq=1")
	require.NoError(t, err)
	pkt := p.ServeInterest(context.Background(), ndn.NewInterest(other))
	nack, ok := pkt.(*ndn.Nack)
	require.True(t, ok)
	assert.Equal(t, ndn.NackNoRoute, nack.Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.producerInterests.WithLabelValues("nack")))
}

// A consumer and a producer joined back to back through face.Serve carry a
// piggybacked frame one way and a Data payload the other.
func TestConsumerProducerLoop(t *testing.T) {
	toPeer := turbotunnel.NewPayloadQueue(8)
	fromPeer := turbotunnel.NewPayloadQueue(8)
	peerSink := &recordingSink{}
	localSink := &recordingSink{}

	prod, err := NewProducer(ProducerOptions{
		LocalPrefix:      testPrefix,
		MaxContentLength: 8800,
		LongPoll:         50 * time.Millisecond,
	}, fromPeer, peerSink, testLog(), newMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	rt := face.RoundTripFunc(func(ctx context.Context, wire []byte) ([]byte, error) {
		return face.Serve(ctx, prod, wire)
	})

	c, err := NewConsumer(ConsumerOptions{
		RemotePrefix:     testPrefix,
		InterestLifetime: time.Second,
		MaxOutstanding:   2,
		PeerInactiveTime: 10 * time.Second,
	}, toPeer, face.New(rt, testLog()), localSink, testLog(), newMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	require.NoError(t, toPeer.Enqueue([]byte("up")))
	require.NoError(t, fromPeer.Enqueue([]byte("down")))
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool {
		return peerSink.count() == 1 && localSink.count() >= 1
	}, 5*time.Second, 5*time.Millisecond)
	peerSink.mu.Lock()
	assert.Equal(t, encapsulation.Bundle([]byte("up")), peerSink.payloads[0])
	peerSink.mu.Unlock()
	localSink.mu.Lock()
	assert.Equal(t, encapsulation.Bundle([]byte("down")), localSink.payloads[0])
	localSink.mu.Unlock()
}
