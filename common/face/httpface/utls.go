// Support code for TLS camouflage using uTLS.
//
// The goal is: provide an http.RoundTripper abstraction that retains the
// features of http.Transport (e.g., persistent connections and HTTP/2
// support), while making TLS connections using uTLS in place of crypto/tls.
// The challenge is: while http.Transport provides a DialTLS hook, setting it
// to non-nil disables automatic HTTP/2 support in the client. Most of the
// uTLS fingerprints contain an ALPN extension containing "h2"; i.e., they
// declare support for HTTP/2. If the server also supports HTTP/2, then uTLS
// may negotiate an HTTP/2 connection without the http.Transport knowing it,
// which leads to an HTTP/1.1 client speaking to an HTTP/2 server, a protocol
// error.
//
// The code here uses an idea adapted from
// https://github.com/refraction-networking/utls/blob/master/examples/examples.go.
// We make the first TLS connection ourselves, inspect the negotiated ALPN,
// then build either an http.Transport or an http2.Transport whose dial hook
// hands out that first connection and then dials fresh ones the same way.

package httpface

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

var clientHelloIDMap = map[string]*utls.ClientHelloID{
	// No HelloCustom: not useful for external configuration.
	// No HelloRandomizedNoALPN: doesn't support HTTP/2.
	"hellorandomized":   &utls.HelloRandomized,
	"randomized":        &utls.HelloRandomizedALPN,
	"hellogolang":       nil, // special case: disable uTLS
	"golang":            nil,
	"none":              nil,
	"chrome":            &utls.HelloChrome_Auto,
	"hellochrome_auto":  &utls.HelloChrome_Auto,
	"firefox":           &utls.HelloFirefox_Auto,
	"hellofirefox_auto": &utls.HelloFirefox_Auto,
	"ios":               &utls.HelloIOS_Auto,
	"helloios_auto":     &utls.HelloIOS_Auto,
}

// ErrUnknownClientHello is returned for a fingerprint name not in the table.
var ErrUnknownClientHello = errors.New("unknown uTLS client hello name")

// lookupClientHelloID returns nil (with no error) for names that mean plain
// crypto/tls.
func lookupClientHelloID(name string) (*utls.ClientHelloID, error) {
	if name == "" {
		return nil, nil
	}
	id, ok := clientHelloIDMap[strings.ToLower(name)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownClientHello, "%q", name)
	}
	return id, nil
}

// UTLSRoundTripper is an http.RoundTripper that makes its TLS connections
// with a uTLS fingerprint.
type UTLSRoundTripper struct {
	lock sync.Mutex

	clientHelloID *utls.ClientHelloID
	config        *utls.Config
	// Built lazily on the first request, once we know whether the server
	// speaks HTTP/2.
	innerRoundTripper http.RoundTripper
}

// NewUTLSRoundTripper returns a round tripper for the named fingerprint. If
// the name means no camouflage, it returns a plain http.Transport.
func NewUTLSRoundTripper(name string, cfg *utls.Config) (http.RoundTripper, error) {
	id, err := lookupClientHelloID(name)
	if err != nil {
		return nil, err
	}
	if id == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg != nil && cfg.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return t, nil
	}
	if cfg == nil {
		cfg = &utls.Config{}
	}
	return &UTLSRoundTripper{clientHelloID: id, config: cfg}, nil
}

func (rt *UTLSRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Scheme {
	case "http":
		// No TLS to camouflage.
		return httpRoundTripper.RoundTrip(req)
	case "https":
	default:
		return nil, errors.Errorf("unsupported URL scheme %q", req.URL.Scheme)
	}

	var err error
	rt.lock.Lock()
	if rt.innerRoundTripper == nil {
		// On the first call, make an http.Transport or http2.Transport as
		// appropriate.
		rt.innerRoundTripper, err = makeRoundTripper(req.Context(), req.URL, rt.clientHelloID, rt.config)
	}
	inner := rt.innerRoundTripper
	rt.lock.Unlock()
	if err != nil {
		return nil, err
	}
	return inner.RoundTrip(req)
}

var httpRoundTripper = http.DefaultTransport.(*http.Transport).Clone()

func dialUTLS(ctx context.Context, network, addr string, cfg *utls.Config, clientHelloID *utls.ClientHelloID) (*utls.UConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		cfg.ServerName = host
	}
	uconn := utls.UClient(conn, cfg, *clientHelloID)
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := uconn.Handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "TLS handshake with %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})
	return uconn, nil
}

func addrForDial(u *url.URL) (string, error) {
	host := u.Hostname()
	if host == "" {
		return "", errors.Errorf("no host in URL %s", u)
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(host, port), nil
}

func makeRoundTripper(ctx context.Context, u *url.URL, clientHelloID *utls.ClientHelloID, cfg *utls.Config) (http.RoundTripper, error) {
	addr, err := addrForDial(u)
	if err != nil {
		return nil, err
	}

	// Connect to the URL host and inspect the negotiated ALPN.
	bootstrapConn, err := dialUTLS(ctx, "tcp", addr, cfg, clientHelloID)
	if err != nil {
		return nil, err
	}
	proto := bootstrapConn.ConnectionState().NegotiatedProtocol

	// The first dial hands out bootstrapConn; later ones dial anew.
	var mu sync.Mutex
	var first net.Conn = bootstrapConn
	dialTLS := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		conn := first
		first = nil
		mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		uconn, err := dialUTLS(ctx, network, addr, cfg, clientHelloID)
		if err != nil {
			return nil, err
		}
		return uconn, nil
	}

	if proto == http2.NextProtoTLS {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialTLS(ctx, network, addr)
			},
		}, nil
	}
	return &http.Transport{
		DialTLSContext:      dialTLS,
		MaxIdleConnsPerHost: 16,
	}, nil
}
