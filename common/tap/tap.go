// Package tap connects the tunnel to a TAP network interface: frames read
// from the interface go into the outbound queue, and received payloads are
// unbundled and written back out.
package tap

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/encapsulation"
)

// MaxFrameLength is large enough for an Ethernet frame with a VLAN tag at
// the default MTU.
const MaxFrameLength = 1522

// Enqueuer is where Pump puts frames.
type Enqueuer interface {
	Enqueue(frame []byte) error
}

// Pump reads frames from dev into q until ctx is done or dev fails.
func Pump(ctx context.Context, dev io.Reader, q Enqueuer, log *logrus.Entry) error {
	buf := make([]byte, MaxFrameLength)
	for {
		n, err := dev.Read(buf)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := q.Enqueue(buf[:n]); err != nil {
			return err
		}
		log.Tracef("frame-out size=%d", n)
	}
}

// Sink unbundles payloads and writes each frame to W. Deliver may be called
// from several goroutines.
type Sink struct {
	W   io.Writer
	Log *logrus.Entry

	mu sync.Mutex
}

func (s *Sink) Deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := bytes.NewReader(payload)
	for {
		frame, err := encapsulation.ReadData(r)
		if err == io.EOF {
			return
		}
		if err != nil {
			s.Log.WithError(err).Debug("malformed payload")
			return
		}
		if len(frame) == 0 {
			continue
		}
		if _, err := s.W.Write(frame); err != nil {
			s.Log.WithError(err).Warn("write frame")
			return
		}
		s.Log.Tracef("frame-in size=%d", len(frame))
	}
}
