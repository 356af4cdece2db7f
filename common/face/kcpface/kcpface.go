// Package kcpface carries Interests over a KCP session multiplexed with smux.
// Every Interest opens its own stream; the producer writes the reply on the
// same stream and closes it.
package kcpface

import (
	"context"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/tlv"
)

const (
	// No forward error correction; lost segments are retransmitted by KCP.
	dataShards   = 0
	parityShards = 0

	keySalt       = "tap-tunnel kcp"
	keyIterations = 1024

	acceptBacklog = 64
)

// Options configure both ends of a KCP face.
type Options struct {
	// Key, if set, encrypts segments with AES. Both ends must agree.
	Key string
	// KeepAlive is the smux keepalive interval; zero uses the smux default.
	KeepAlive time.Duration
}

func (o Options) blockCrypt() (kcp.BlockCrypt, error) {
	if o.Key == "" {
		return nil, nil
	}
	key := pbkdf2.Key([]byte(o.Key), []byte(keySalt), keyIterations, 32, sha1.New)
	block, err := kcp.NewAESBlockCrypt(key)
	if err != nil {
		return nil, errors.Wrap(err, "AES block crypt")
	}
	return block, nil
}

func (o Options) smuxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	if o.KeepAlive > 0 {
		cfg.KeepAliveInterval = o.KeepAlive
		cfg.KeepAliveTimeout = 4 * o.KeepAlive
	}
	return cfg
}

func tune(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	// Favor latency: every Interest is a small request waiting on a reply.
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetWindowSize(128, 128)
}

// Client is a face.RoundTripper over KCP.
type Client struct {
	addr  string
	opts  Options
	block kcp.BlockCrypt
	log   *logrus.Entry

	mu   sync.Mutex
	sess *smux.Session
}

// NewClient returns a Client for the UDP address. The session is made on the
// first RoundTrip and remade whenever it dies.
func NewClient(addr string, opts Options, log *logrus.Entry) (*Client, error) {
	block, err := opts.blockCrypt()
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, opts: opts, block: block, log: log}, nil
}

func (c *Client) session() (*smux.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && !c.sess.IsClosed() {
		return c.sess, nil
	}
	conn, err := kcp.DialWithOptions(c.addr, c.block, dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.addr)
	}
	tune(conn)
	sess, err := smux.Client(conn, c.opts.smuxConfig())
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "smux client")
	}
	c.log.Infof("KCP session to %s (conv %08x)", c.addr, conn.GetConv())
	c.sess = sess
	return sess, nil
}

func (c *Client) RoundTrip(ctx context.Context, wire []byte) ([]byte, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	// Unblock the read below if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = stream.SetDeadline(time.Now()) })
	defer stop()

	if _, err := stream.Write(wire); err != nil {
		return nil, errors.Wrap(err, "write")
	}
	reply, err := tlv.ReadElement(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "read reply")
	}
	return reply, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}

// Server accepts KCP sessions and serves each stream with a face.Handler.
type Server struct {
	ln      *kcp.Listener
	opts    Options
	handler face.Handler
	log     *logrus.Entry
}

// Listen binds a UDP address for a Server.
func Listen(addr string, opts Options, h face.Handler, log *logrus.Entry) (*Server, error) {
	block, err := opts.blockCrypt()
	if err != nil {
		return nil, err
	}
	ln, err := kcp.ListenWithOptions(addr, block, dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Server{ln: ln, opts: opts, handler: h, log: log}, nil
}

// Addr is the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts sessions until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	s.log.Infof("listening on %s (kcp)", s.ln.Addr())
	for {
		conn, err := s.ln.AcceptKCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		tune(conn)
		go s.serveSession(ctx, conn)
	}
}

func (s *Server) serveSession(ctx context.Context, conn *kcp.UDPSession) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	sess, err := smux.Server(conn, s.opts.smuxConfig())
	if err != nil {
		log.WithError(err).Warn("smux server")
		conn.Close()
		return
	}
	defer sess.Close()
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if !sess.IsClosed() {
				log.WithError(err).Debug("accept stream")
			}
			return
		}
		go s.serveStream(ctx, log, stream)
	}
}

func (s *Server) serveStream(ctx context.Context, log *logrus.Entry, stream *smux.Stream) {
	defer stream.Close()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))
	wire, err := tlv.ReadElement(stream)
	if err != nil {
		log.WithError(err).Debug("read request")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	reply, err := face.Serve(ctx, s.handler, wire)
	if err != nil {
		log.WithError(err).Debug("invalid request")
		return
	}
	if _, err := stream.Write(reply); err != nil {
		log.WithError(err).Debug("write reply")
	}
}

// Close stops accepting sessions.
func (s *Server) Close() error {
	return s.ln.Close()
}
