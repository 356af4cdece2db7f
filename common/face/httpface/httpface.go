// Package httpface carries Interests in HTTP POST requests. The request body
// is the encoded Interest and the response body is the encoded Data or Nack.
// The server may hold a request open (long poll) until it has something to
// send.
package httpface

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tap-tunnel/tap-tunnel/common/face"
)

// maxBodyLength bounds requests and responses. An encoded packet is far
// smaller.
const maxBodyLength = 0x20000

// ClientOptions configure a Client.
type ClientOptions struct {
	// URL of the peer's producer endpoint.
	URL string
	// Front, if set, is the host to connect to (and send in SNI) in place of
	// the URL host, which then only appears in the Host header.
	Front string
	// UTLS names the TLS fingerprint to imitate; empty or "none" uses
	// crypto/tls.
	UTLS string
	// InsecureSkipVerify disables certificate checks, for tests.
	InsecureSkipVerify bool
}

// Client is a face.RoundTripper over HTTP.
type Client struct {
	url    *url.URL
	front  string
	client *http.Client
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse URL %q", opts.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("URL %q is not http or https", opts.URL)
	}
	rt, err := NewUTLSRoundTripper(opts.UTLS, &utls.Config{InsecureSkipVerify: opts.InsecureSkipVerify})
	if err != nil {
		return nil, err
	}
	return &Client{
		url:    u,
		front:  opts.Front,
		client: &http.Client{Transport: rt},
	}, nil
}

func (c *Client) RoundTrip(ctx context.Context, wire []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url.String(), bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.front != "" {
		req.Host = req.URL.Host
		req.URL.Host = c.front
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, face.ErrNoRoute
	default:
		return nil, errors.Errorf("status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyLength))
}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Server is an http.Handler that hands POSTed Interests to a face.Handler.
type Server struct {
	Handler face.Handler
	Log     *logrus.Entry
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyLength))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	reply, err := face.Serve(r.Context(), s.Handler, body)
	if err != nil {
		s.Log.WithError(err).Debugf("bad request from %s", r.RemoteAddr)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(reply)
}

// ListenOptions configure ListenAndServe.
type ListenOptions struct {
	Addr string
	// ACMEHostnames, if non-empty, turns on TLS with certificates obtained
	// automatically for these names.
	ACMEHostnames []string
	ACMEEmail     string
	ACMECacheDir  string
	// Path the producer endpoint is served on; "/" if empty.
	Path string
}

// ListenAndServe runs an HTTP (or HTTPS with ACME) server for h until ctx is
// done.
func ListenAndServe(ctx context.Context, opts ListenOptions, h face.Handler, log *logrus.Entry) error {
	return ListenAndServeHandler(ctx, opts, &Server{Handler: h, Log: log}, log)
}

// ListenAndServeHandler is ListenAndServe for any http.Handler, such as a
// WebSocket endpoint.
func ListenAndServeHandler(ctx context.Context, opts ListenOptions, handler http.Handler, log *logrus.Entry) error {
	path := opts.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if len(opts.ACMEHostnames) > 0 {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.ACMEHostnames...),
			Email:      opts.ACMEEmail,
		}
		if opts.ACMECacheDir != "" {
			m.Cache = autocert.DirCache(opts.ACMECacheDir)
		}
		srv.TLSConfig = m.TLSConfig()
		srv.TLSConfig.MinVersion = tls.VersionTLS12
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			log.Infof("listening on %s (https, ACME for %v)", opts.Addr, opts.ACMEHostnames)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Infof("listening on %s (http)", opts.Addr)
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	}
}
