// Package client builds the HTTP clients a gate session browses with: one
// cookie-carrying client per page instance plus a jar-less twin for requests
// sent without credentials.
package client

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"

	utls "github.com/refraction-networking/utls"

	"github.com/firasghr/powgate/config"
	"github.com/firasghr/powgate/proxy"
)

// Options selects how a session's client connects.
type Options struct {
	// Proxy is an optional proxy address understood by proxy.Parse.  Empty
	// means direct.
	Proxy string

	// Timeout is the end-to-end request timeout.
	Timeout time.Duration

	// BrowserTLS dials with the uTLS Chrome fingerprint.
	BrowserTLS bool

	// Protocol is "h1" or "h2".  "h2" always uses the browser fingerprint.
	Protocol string

	// UserAgent is used for headers the h2 transport fills in.
	UserAgent string

	MaxIdleConns    int
	MaxConnsPerHost int

	InsecureSkipVerify bool
}

// OptionsFromConfig maps cfg onto Options for a session using proxyAddr.
func OptionsFromConfig(cfg *config.Config, proxyAddr string) Options {
	return Options{
		Proxy:              proxyAddr,
		Timeout:            cfg.RequestTimeout,
		BrowserTLS:         cfg.BrowserTLS,
		Protocol:           cfg.Protocol,
		UserAgent:          cfg.UserAgent,
		MaxIdleConns:       cfg.MaxIdleConns,
		MaxConnsPerHost:    cfg.MaxConnsPerHost,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

// NewHTTPClient constructs a *http.Client with its own transport and a
// cookie jar that honours the public-suffix list.
//
//   - Each session gets its own transport, so connection pools and TLS
//     sessions are never shared between page instances.
//   - The jar is the page's cookie store.  Cookies the issuer sets on the
//     verification response are what later page loads present.
//   - Redirects are followed like a browser would, up to net/http's limit.
func NewHTTPClient(opts Options) (*http.Client, error) {
	rt, err := buildTransport(opts)
	if err != nil {
		return nil, err
	}

	jar, err := newCookieJar()
	if err != nil {
		return nil, fmt.Errorf("client: create cookie jar: %w", err)
	}

	return &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   opts.Timeout,
	}, nil
}

// Anonymous returns a client sharing c's transport but carrying no cookies,
// the equivalent of a request sent without credentials.
func Anonymous(c *http.Client) *http.Client {
	return &http.Client{
		Transport:     c.Transport,
		Timeout:       c.Timeout,
		CheckRedirect: c.CheckRedirect,
	}
}

// CloseIdle releases idle connections held by c's transport.
func CloseIdle(c *http.Client) {
	type idleCloser interface{ CloseIdleConnections() }
	if ic, ok := c.Transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

func buildTransport(opts Options) (http.RoundTripper, error) {
	if opts.Protocol == "h2" {
		if opts.Proxy != "" {
			return nil, fmt.Errorf("client: protocol h2 does not support proxy %q", opts.Proxy)
		}
		return NewBrowserH2Transport(H2TransportConfig{
			UserAgent:          opts.UserAgent,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}), nil
	}

	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 16
	}
	t := &http.Transport{
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, // #nosec G402 – operator opt-in
		},
	}

	if opts.BrowserTLS {
		t.DialTLSContext = UTLSDialerHTTP1(utls.HelloChrome_120, opts.InsecureSkipVerify)
	}

	if opts.Proxy != "" {
		proxyURL, err := proxy.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	return t, nil
}

func newCookieJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}
