package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-tunnel/tap-tunnel/common/encapsulation"
	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/ndn"
	"github.com/tap-tunnel/tap-tunnel/common/turbotunnel"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// recordingFace remembers every expressed Interest and lets the test decide
// when and how each completes.
type recordingFace struct {
	mu        sync.Mutex
	interests []*ndn.Interest
	results   chan<- face.Result
}

func (f *recordingFace) Express(_ context.Context, interest *ndn.Interest, results chan<- face.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interests = append(f.interests, interest)
	f.results = results
}

func (f *recordingFace) Close() error { return nil }

func (f *recordingFace) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.interests)
}

func (f *recordingFace) get(i int) *ndn.Interest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interests[i]
}

func (f *recordingFace) complete(r face.Result) {
	f.mu.Lock()
	ch := f.results
	f.mu.Unlock()
	ch <- r
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSink) Deliver(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type consumerFixture struct {
	c     *Consumer
	face  *recordingFace
	sink  *recordingSink
	clock *fakeClock
	queue *turbotunnel.PayloadQueue
	m     *metrics
}

var testPrefix = ndn.Name{{Type: ndn.TypeNameComponent, Value: []byte("peer")}}

func newFixture(t *testing.T, maxOutstanding int, peerActive bool) *consumerFixture {
	t.Helper()
	fx := &consumerFixture{
		face:  &recordingFace{},
		sink:  &recordingSink{},
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		queue: turbotunnel.NewPayloadQueue(8),
		m:     newMetrics(prometheus.NewRegistry()),
	}
	c, err := NewConsumer(ConsumerOptions{
		RemotePrefix:     testPrefix,
		InterestLifetime: 4 * time.Second,
		MaxOutstanding:   maxOutstanding,
		PeerInactiveTime: 10 * time.Second,
	}, fx.queue, fx.face, fx.sink, testLog(), fx.m)
	require.NoError(t, err)
	c.now = fx.clock.Now
	if peerActive {
		c.lastData = fx.clock.Now()
	}
	fx.c = c
	t.Cleanup(func() { c.Close() })
	return fx
}

// settle waits for the event loop to reach the expected number of expressed
// Interests and outstanding Interests.
func (fx *consumerFixture) settle(t *testing.T, expressed, outstanding int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.face.count() == expressed && fx.c.Stats().Outstanding == outstanding
	}, 2*time.Second, time.Millisecond, "want %d expressed, %d outstanding; have %d, %+v",
		expressed, outstanding, fx.face.count(), fx.c.Stats())
}

func seqOf(t *testing.T, in *ndn.Interest) uint64 {
	t.Helper()
	seq, err := in.Name.At(-1).ToSequenceNumber()
	require.NoError(t, err)
	return seq
}

func success(in *ndn.Interest, content []byte) face.Result {
	return face.Result{Interest: in, Outcome: face.Success, Data: &ndn.Data{Name: in.Name, Content: content}}
}

func TestStartFillsWindowWhenPeerActive(t *testing.T) {
	fx := newFixture(t, 4, true)
	fx.c.Start()
	fx.settle(t, 4, 4)

	first := seqOf(t, fx.face.get(0))
	for i := 0; i < 4; i++ {
		in := fx.face.get(i)
		assert.Empty(t, in.Exclude)
		assert.True(t, in.MustBeFresh)
		assert.Equal(t, 4*time.Second, in.Lifetime)
		assert.True(t, testPrefix.IsPrefixOf(in.Name))
		assert.Len(t, in.Name, 2)
		assert.Equal(t, first+uint64(i), seqOf(t, in))
	}
	assert.Equal(t, 4, fx.c.Stats().DesiredOutstanding)
	assert.Equal(t, 4.0, testutil.ToFloat64(fx.m.interests.WithLabelValues("plain")))
	assert.Equal(t, 4.0, testutil.ToFloat64(fx.m.outstanding))
}

func TestStartProbesInactivePeer(t *testing.T) {
	fx := newFixture(t, 4, false)
	fx.c.Start()
	fx.settle(t, 1, 1)
	assert.Equal(t, 1, fx.c.Stats().DesiredOutstanding)
}

func TestPiggybackWhileQueueSmall(t *testing.T) {
	fx := newFixture(t, 4, true)
	fx.c.Start()
	fx.settle(t, 4, 4)

	for _, frame := range []string{"one", "two", "three"} {
		require.NoError(t, fx.queue.Enqueue([]byte(frame)))
	}
	// Two completions bring the window to 2; each is replaced by one
	// Interest carrying one queued frame.
	fx.face.complete(success(fx.face.get(0), nil))
	fx.settle(t, 5, 4)
	fx.face.complete(success(fx.face.get(1), nil))
	fx.settle(t, 6, 4)

	for i, want := range []string{"one", "two"} {
		in := fx.face.get(4 + i)
		require.Len(t, in.Exclude, 1)
		token := in.Exclude[0]
		assert.Equal(t, uint32(ndn.TypeNameComponent), token.Type)
		frame, err := encapsulation.ReadData(bytes.NewReader(token.Value))
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
	assert.Equal(t, 1, fx.queue.Size())
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.m.interests.WithLabelValues("piggyback")))
}

// One pacing step that issues several Interests takes one queued frame for
// each while the queue lasts.
func TestPiggybackWithinOnePacingStep(t *testing.T) {
	fx := newFixture(t, 4, true)
	fx.c.nOutstanding = 2
	for _, frame := range []string{"one", "two", "three"} {
		require.NoError(t, fx.queue.Enqueue([]byte(frame)))
	}
	fx.c.Start()

	require.Equal(t, 2, fx.face.count())
	for i, want := range []string{"one", "two"} {
		in := fx.face.get(i)
		require.Len(t, in.Exclude, 1)
		frame, err := encapsulation.ReadData(bytes.NewReader(in.Exclude[0].Value))
		require.NoError(t, err)
		assert.Equal(t, want, string(frame))
	}
	assert.Equal(t, 1, fx.queue.Size())
	assert.Equal(t, 4, fx.c.Stats().Outstanding)
}

func TestPiggybackStopsWhenQueueDrains(t *testing.T) {
	fx := newFixture(t, 2, true)
	require.NoError(t, fx.queue.Enqueue([]byte("only")))
	fx.c.Start()

	require.Equal(t, 2, fx.face.count())
	assert.Len(t, fx.face.get(0).Exclude, 1)
	assert.Empty(t, fx.face.get(1).Exclude)
	assert.True(t, fx.queue.Empty())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.m.interests.WithLabelValues("piggyback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.m.interests.WithLabelValues("plain")))
}

func TestNoPiggybackWhenQueueLarge(t *testing.T) {
	fx := newFixture(t, 2, true)
	for i := 0; i < 8; i++ {
		require.NoError(t, fx.queue.Enqueue([]byte{byte(i)}))
	}
	require.False(t, fx.queue.IsSmall())
	fx.c.Start()
	fx.settle(t, 2, 2)
	assert.Empty(t, fx.face.get(0).Exclude)
	assert.Empty(t, fx.face.get(1).Exclude)
	assert.Equal(t, 8, fx.queue.Size())
}

func TestPayloadReachesSinkAndOpensWindow(t *testing.T) {
	fx := newFixture(t, 4, false)
	fx.c.Start()
	fx.settle(t, 1, 1)

	fx.face.complete(success(fx.face.get(0), []byte("payload")))
	// The peer is active again, so the window opens to the maximum.
	fx.settle(t, 5, 4)
	require.Equal(t, 1, fx.sink.count())
	fx.sink.mu.Lock()
	assert.Equal(t, "payload", string(fx.sink.payloads[0]))
	fx.sink.mu.Unlock()
	assert.Equal(t, fx.clock.Now(), fx.c.Stats().LastData)
	assert.Equal(t, 7.0, testutil.ToFloat64(fx.m.deliveredBytes))
}

func TestEmptyDataDoesNotRefreshPeer(t *testing.T) {
	fx := newFixture(t, 4, true)
	fx.c.Start()
	fx.settle(t, 4, 4)
	lastData := fx.c.Stats().LastData

	fx.clock.Advance(11 * time.Second)
	fx.face.complete(success(fx.face.get(0), nil))
	// The window shrinks to 1; nothing is cancelled and nothing new is sent.
	fx.settle(t, 4, 3)
	stats := fx.c.Stats()
	assert.Equal(t, lastData, stats.LastData)
	assert.Equal(t, 1, stats.DesiredOutstanding)
	assert.Zero(t, fx.sink.count())
}

func TestInactivePeerConvergesToOne(t *testing.T) {
	fx := newFixture(t, 3, true)
	fx.c.Start()
	fx.settle(t, 3, 3)

	fx.clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		fx.face.complete(face.Result{Interest: fx.face.get(i), Outcome: face.TimedOut})
	}
	// Outstanding drains to 0 and the last completion triggers one more Interest.
	fx.settle(t, 4, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(fx.m.completions.WithLabelValues("timeout")))
}

func TestNackReplaced(t *testing.T) {
	fx := newFixture(t, 2, true)
	fx.c.Start()
	fx.settle(t, 2, 2)
	fx.face.complete(face.Result{Interest: fx.face.get(1), Outcome: face.Rejected, Reason: ndn.NackCongestion})
	fx.settle(t, 3, 2)
	assert.Equal(t, seqOf(t, fx.face.get(1))+1, seqOf(t, fx.face.get(2)))
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.m.completions.WithLabelValues("rejected")))
}

func TestSequenceNumbersUnique(t *testing.T) {
	fx := newFixture(t, 4, true)
	fx.c.Start()
	fx.settle(t, 4, 4)
	for i := 0; i < 20; i++ {
		fx.face.complete(success(fx.face.get(i), []byte{1}))
		fx.settle(t, 5+i, 4)
	}
	seen := make(map[uint64]bool)
	for i := 0; i < fx.face.count(); i++ {
		seq := seqOf(t, fx.face.get(i))
		assert.False(t, seen[seq], "sequence number %d reused", seq)
		seen[seq] = true
	}
}

func TestSequenceNumberWraps(t *testing.T) {
	fx := newFixture(t, 2, true)
	fx.c.seq = ^uint64(0)
	fx.c.Start()
	fx.settle(t, 2, 2)
	assert.Equal(t, ^uint64(0), seqOf(t, fx.face.get(0)))
	assert.Equal(t, uint64(0), seqOf(t, fx.face.get(1)))
}

// TestCloseHaltsRequestLoop tests that the event loop stops and expresses no
// more Interests after Close.
func TestCloseHaltsRequestLoop(t *testing.T) {
	fx := newFixture(t, 2, true)
	fx.c.Start()
	fx.settle(t, 2, 2)
	require.NoError(t, fx.c.Close())

	fx.face.mu.Lock()
	results := fx.face.results
	fx.face.mu.Unlock()
	select {
	case results <- success(fx.face.get(0), []byte("late")):
	default:
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, fx.face.count())
	assert.Zero(t, fx.sink.count())
}

func TestStartAndCloseRace(t *testing.T) {
	fx := newFixture(t, 2, true)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fx.c.Start()
	}()
	go func() {
		defer wg.Done()
		fx.c.Close()
	}()
	wg.Wait()
	require.NoError(t, fx.c.Close())
	// A second Start is ignored.
	n := fx.face.count()
	fx.c.Start()
	assert.Equal(t, n, fx.face.count())
}

func TestCloseWithoutStart(t *testing.T) {
	fx := newFixture(t, 2, true)
	done := make(chan struct{})
	go func() {
		fx.c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked")
	}
}

func TestConsumerOptionsValidate(t *testing.T) {
	good := ConsumerOptions{
		RemotePrefix:     testPrefix,
		InterestLifetime: time.Second,
		MaxOutstanding:   1,
		PeerInactiveTime: time.Second,
	}
	require.NoError(t, good.validate())
	shortest := good
	shortest.InterestLifetime = time.Millisecond
	require.NoError(t, shortest.validate())

	for name, mutate := range map[string]func(*ConsumerOptions){
		"empty prefix":      func(o *ConsumerOptions) { o.RemotePrefix = nil },
		"zero lifetime":     func(o *ConsumerOptions) { o.InterestLifetime = 0 },
		"sub-ms lifetime":   func(o *ConsumerOptions) { o.InterestLifetime = 500 * time.Microsecond },
		"zero window":       func(o *ConsumerOptions) { o.MaxOutstanding = 0 },
		"negative inactive": func(o *ConsumerOptions) { o.PeerInactiveTime = -time.Second },
	} {
		o := good
		mutate(&o)
		_, err := NewConsumer(o, turbotunnel.NewPayloadQueue(8), &recordingFace{}, &recordingSink{}, testLog(),
			newMetrics(prometheus.NewRegistry()))
		assert.Error(t, err, name)
	}
}
