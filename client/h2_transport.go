package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	utls "github.com/refraction-networking/utls"
)

// Chrome 120 HTTP/2 SETTINGS values.
const (
	chrome120H2HeaderTableSize   uint32 = 65536
	chrome120H2MaxHeaderListSize uint32 = 262144
)

// Chrome120PseudoHeaderOrder lists the HTTP/2 pseudo-header names in the
// order Chrome 120 sends them.  golang.org/x/net/http2 writes its own fixed
// order; the list documents the target for fingerprint comparisons.
var Chrome120PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// H2TransportConfig groups the tunable parameters for NewBrowserH2Transport.
type H2TransportConfig struct {
	// HelloID is the uTLS ClientHello fingerprint.  Defaults to Chrome 120.
	HelloID utls.ClientHelloID

	// UserAgent fills the User-Agent default.  Empty keeps the Chrome 120
	// string.
	UserAgent string

	// IdleConnTimeout is the maximum time an idle HTTP/2 connection is kept
	// alive.  Defaults to 90 s.
	IdleConnTimeout time.Duration

	// ReadIdleTimeout enables periodic ping health-checks when > 0.
	ReadIdleTimeout time.Duration

	InsecureSkipVerify bool
}

// NewBrowserH2Transport returns an http.RoundTripper that speaks HTTP/2 over
// a uTLS Chrome handshake and fills in the browser headers matching each
// request's fetch mode.
func NewBrowserH2Transport(cfg H2TransportConfig) http.RoundTripper {
	if cfg.HelloID == (utls.ClientHelloID{}) {
		cfg.HelloID = utls.HelloChrome_120
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	dialFn := UTLSDialer(cfg.HelloID)
	insecure := cfg.InsecureSkipVerify

	h2t := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			if insecure {
				if tlsCfg == nil {
					tlsCfg = &tls.Config{}
				} else {
					tlsCfg = tlsCfg.Clone()
				}
				tlsCfg.InsecureSkipVerify = true // #nosec G402 – operator opt-in
			}
			return dialFn(ctx, network, addr, tlsCfg)
		},
		MaxDecoderHeaderTableSize: chrome120H2HeaderTableSize,
		MaxEncoderHeaderTableSize: chrome120H2HeaderTableSize,
		MaxHeaderListSize:         chrome120H2MaxHeaderListSize,
		// Accept-Encoding comes from the browser headers; responses are
		// decoded by DecodeBody.
		DisableCompression: true,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		ReadIdleTimeout:    cfg.ReadIdleTimeout,
	}

	return &browserRoundTripper{h2: h2t, userAgent: cfg.UserAgent}
}

// browserRoundTripper fills in the browser headers for the request's kind
// before handing it to the http2 layer.
type browserRoundTripper struct {
	h2        *http2.Transport
	userAgent string
}

// RoundTrip satisfies http.RoundTripper.  Headers already on the request
// win over the defaults.
func (t *browserRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	callerHeaders := r.Header

	BrowserHeaders(KindOf(req), t.userAgent).ApplyToRequest(r)
	for key, vals := range callerHeaders {
		r.Header[key] = vals
	}
	return t.h2.RoundTrip(r)
}

// CloseIdleConnections releases idle HTTP/2 connections.
func (t *browserRoundTripper) CloseIdleConnections() {
	t.h2.CloseIdleConnections()
}
