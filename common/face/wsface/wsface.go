// Package wsface carries Interests over a single WebSocket connection. Each
// Interest and each reply is one binary message; replies are matched to
// their Interest by name, which the consumer keeps unique.
package wsface

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/ndn"
)

// Keepalive constants. PingPeriod must be less than PongWait so that pings
// go out before the read deadline expires.
const (
	PongWait   = 60 * time.Second
	PingPeriod = 20 * time.Second
	writeWait  = 5 * time.Second

	maxMessageSize = 0x20000
)

var (
	errNotConnected = errors.New("websocket not connected")
	errClosed       = errors.New("client closed")
)

// Client is a face.RoundTripper over one WebSocket connection, redialed with
// backoff when it breaks.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan []byte
	backoff  face.Backoff
	nextDial time.Time
	closed   bool

	writeMu sync.Mutex
}

// NewClient returns a Client for the ws:// or wss:// URL. The connection is
// made on the first RoundTrip.
func NewClient(url string, header http.Header, log *logrus.Entry) *Client {
	return &Client{
		url:     url,
		header:  header,
		dialer:  websocket.DefaultDialer,
		log:     log,
		pending: make(map[string]chan []byte),
		backoff: face.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second},
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if time.Now().Before(c.nextDial) {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	c.mu.Unlock()

	// Dial without the lock so that Close and drop never wait on a slow peer.
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		wait := c.backoff.Next()
		c.nextDial = time.Now().Add(wait)
		c.log.WithError(err).Warnf("dial %s; retrying in %s", c.url, wait)
		return nil, errors.Wrapf(err, "dial %s", c.url)
	}
	if c.closed {
		conn.Close()
		return nil, errClosed
	}
	if c.conn != nil {
		// Another RoundTrip connected first.
		conn.Close()
		return c.conn, nil
	}
	c.log.Infof("connected to %s", c.url)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	c.conn = conn
	done := make(chan struct{})
	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		key, err := replyKey(msg)
		if err != nil {
			c.log.WithError(err).Debug("invalid reply")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[key]
		delete(c.pending, key)
		c.backoff.Reset()
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.WithError(err).Debug("ping")
				return
			}
		case <-done:
			return
		}
	}
}

// drop forgets a broken connection. Requests waiting on it time out on their
// own.
func (c *Client) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if !c.closed {
			c.log.WithError(err).Warn("connection lost")
			c.nextDial = time.Now().Add(c.backoff.Next())
		}
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) RoundTrip(ctx context.Context, wire []byte) ([]byte, error) {
	key, err := requestKey(wire)
	if err != nil {
		return nil, err
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.BinaryMessage, wire)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return nil, errors.Wrap(err, "write")
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func requestKey(wire []byte) (string, error) {
	pkt, err := ndn.DecodePacket(wire)
	if err != nil {
		return "", err
	}
	in, ok := pkt.(*ndn.Interest)
	if !ok {
		return "", errors.Errorf("expected an Interest, got %T", pkt)
	}
	return in.Name.String(), nil
}

func replyKey(wire []byte) (string, error) {
	pkt, err := ndn.DecodePacket(wire)
	if err != nil {
		return "", err
	}
	switch p := pkt.(type) {
	case *ndn.Data:
		return p.Name.String(), nil
	case *ndn.Nack:
		if p.Interest != nil {
			return p.Interest.Name.String(), nil
		}
	}
	return "", errors.Errorf("cannot match %T to a request", pkt)
}

// Server is an http.Handler accepting WebSocket connections from consumers.
type Server struct {
	Handler face.Handler
	Log     *logrus.Entry

	upgrader websocket.Upgrader
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.WithError(err).Debug("websocket upgrade")
		return
	}
	defer conn.Close()
	log := s.Log.WithField("remote", r.RemoteAddr)
	log.Info("consumer connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	var writeMu sync.Mutex

	go func() {
		t := time.NewTicker(PingPeriod)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("read")
			}
			log.Info("consumer disconnected")
			return
		}
		// Any message from the consumer shows the connection is alive.
		_ = conn.SetReadDeadline(time.Now().Add(PongWait))
		go func() {
			reply, err := face.Serve(ctx, s.Handler, msg)
			if err != nil {
				log.WithError(err).Debug("invalid request")
				return
			}
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.BinaryMessage, reply)
			writeMu.Unlock()
			if err != nil {
				log.WithError(err).Debug("write")
			}
		}()
	}
}
