// Package natsface carries Interests as NATS requests. A producer subscribes
// to the subject derived from its prefix; a consumer sends each Interest as a
// request on the subject of the remote prefix and the reply message is the
// encoded Data or Nack.
package natsface

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/ndn"
)

// SubjectRoot is the first token of every subject.
const SubjectRoot = "tap"

// Options configure the NATS connection.
type Options struct {
	URL   string
	Token string
	// Creds is a path to a user credentials file.
	Creds string
	Name  string
}

// Subject maps a name prefix to a NATS subject: one token per component,
// with the characters NATS reserves percent-encoded.
func Subject(prefix ndn.Name) string {
	tokens := make([]string, 0, len(prefix)+1)
	tokens = append(tokens, SubjectRoot)
	for _, c := range prefix {
		s := c.String()
		s = strings.ReplaceAll(s, ".", "%2E")
		s = strings.ReplaceAll(s, "*", "%2A")
		s = strings.ReplaceAll(s, ">", "%3E")
		tokens = append(tokens, s)
	}
	return strings.Join(tokens, ".")
}

// Connect dials NATS, logging disconnects and reconnects.
func Connect(opts Options, log *logrus.Entry) (*nats.Conn, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(10 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	if opts.Creds != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(opts.Creds))
	}
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}
	return nc, nil
}

// Client is a face.RoundTripper over NATS request/reply.
type Client struct {
	nc      *nats.Conn
	subject string
}

// NewClient sends requests for names under remote.
func NewClient(nc *nats.Conn, remote ndn.Name) *Client {
	return &Client{nc: nc, subject: Subject(remote)}
}

func (c *Client) RoundTrip(ctx context.Context, wire []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, c.subject, wire)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, face.ErrNoRoute
		}
		return nil, err
	}
	return msg.Data, nil
}

func (c *Client) Close() error {
	return c.nc.Drain()
}

// Serve answers requests on the subject of local until ctx is done.
func Serve(ctx context.Context, nc *nats.Conn, local ndn.Name, h face.Handler, log *logrus.Entry) error {
	subject := Subject(local)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		go func() {
			reply, err := face.Serve(ctx, h, msg.Data)
			if err != nil {
				log.WithError(err).Debug("invalid request")
				return
			}
			if err := msg.Respond(reply); err != nil {
				log.WithError(err).Debug("respond")
			}
		}()
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", subject)
	}
	log.Infof("serving NATS subject %s", subject)
	<-ctx.Done()
	return sub.Unsubscribe()
}
