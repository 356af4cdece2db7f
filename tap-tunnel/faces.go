package main

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tap-tunnel/tap-tunnel/common/face"
	"github.com/tap-tunnel/tap-tunnel/common/face/httpface"
	"github.com/tap-tunnel/tap-tunnel/common/face/kcpface"
	"github.com/tap-tunnel/tap-tunnel/common/face/natsface"
	"github.com/tap-tunnel/tap-tunnel/common/face/wsface"
	"github.com/tap-tunnel/tap-tunnel/common/ndn"
)

// carrier is both ends of the configured face: the consumer's round tripper
// toward the peer and the server that feeds the peer's Interests to our
// producer.
type carrier struct {
	cfg *Config
	log *logrus.Entry
	// Shared by both directions when the face is NATS.
	nc *nats.Conn
}

func newCarrier(cfg *Config, log *logrus.Entry) (*carrier, error) {
	c := &carrier{cfg: cfg, log: log.WithField("face", cfg.Face.Type)}
	if cfg.Face.Type == faceNATS {
		nc, err := natsface.Connect(natsface.Options{
			URL:   cfg.Face.Remote,
			Token: cfg.Face.NATSToken,
			Creds: cfg.Face.NATSCreds,
			Name:  "tap-tunnel " + cfg.LocalPrefix,
		}, c.log)
		if err != nil {
			return nil, err
		}
		c.nc = nc
	}
	return c, nil
}

func (c *carrier) listenOptions() httpface.ListenOptions {
	return httpface.ListenOptions{
		Addr:          c.cfg.Face.Listen,
		ACMEHostnames: c.cfg.Face.ACMEHostnames,
		ACMEEmail:     c.cfg.Face.ACMEEmail,
		ACMECacheDir:  c.cfg.Face.ACMECacheDir,
		Path:          c.cfg.Face.Path,
	}
}

// dial returns the round tripper the consumer expresses Interests through.
func (c *carrier) dial(remote ndn.Name) (face.RoundTripper, error) {
	f := c.cfg.Face
	switch f.Type {
	case faceHTTP:
		return httpface.NewClient(httpface.ClientOptions{
			URL:   f.Remote,
			Front: f.Front,
			UTLS:  f.UTLS,
		})
	case faceWS:
		return wsface.NewClient(f.Remote, nil, c.log), nil
	case faceKCP:
		return kcpface.NewClient(f.Remote, kcpface.Options{Key: f.KCPKey}, c.log)
	case faceNATS:
		return natsface.NewClient(c.nc, remote), nil
	}
	return nil, errors.Errorf("unknown face type %q", f.Type)
}

// serve runs the producer side of the face until ctx is done.
func (c *carrier) serve(ctx context.Context, local ndn.Name, h face.Handler) error {
	f := c.cfg.Face
	switch f.Type {
	case faceHTTP:
		return httpface.ListenAndServe(ctx, c.listenOptions(), h, c.log)
	case faceWS:
		return httpface.ListenAndServeHandler(ctx, c.listenOptions(), &wsface.Server{Handler: h, Log: c.log}, c.log)
	case faceKCP:
		srv, err := kcpface.Listen(f.Listen, kcpface.Options{Key: f.KCPKey}, h, c.log)
		if err != nil {
			return err
		}
		return srv.Serve(ctx)
	case faceNATS:
		return natsface.Serve(ctx, c.nc, local, h, c.log)
	}
	return errors.Errorf("unknown face type %q", f.Type)
}

func (c *carrier) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}
