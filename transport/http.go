package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/firasghr/powgate/client"
	"github.com/firasghr/powgate/logger"
	"github.com/firasghr/powgate/worker"
)

// DefaultImageHold is how long an image ping keeps its request alive.
const DefaultImageHold = 5 * time.Second

// HTTP holds what the HTTP-backed tiers share: the page's cookie-carrying
// client, its jar-less twin, the user agent and the page lifetime.  When
// ctx is cancelled, in-flight background requests are abandoned like a
// browser abandons them on navigation.
type HTTP struct {
	ctx       context.Context
	withCreds *http.Client
	anonymous *http.Client
	userAgent string
	log       *logger.Logger
}

// NewHTTP creates the shared HTTP state from the page's client.
func NewHTTP(ctx context.Context, c *http.Client, userAgent string, log *logger.Logger) *HTTP {
	if log == nil {
		log = logger.Discard()
	}
	return &HTTP{
		ctx:       ctx,
		withCreds: c,
		anonymous: client.Anonymous(c),
		userAgent: userAgent,
		log:       log,
	}
}

func (h *HTTP) pick(withCredentials bool) *http.Client {
	if withCredentials {
		return h.withCreds
	}
	return h.anonymous
}

func (h *HTTP) newRequest(ctx context.Context, method, url string, body []byte, kind client.Kind) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("transport: build %s %s: %w", method, url, err)
	}
	client.Dress(req, kind, h.userAgent)
	return req, nil
}

// do sends req and discards the response.
func (h *HTTP) do(c *http.Client, req *http.Request) {
	resp, err := c.Do(req)
	if err != nil {
		h.log.Debug("background request failed", "url", req.URL.String(), "err", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// HTTPBeacon is the Beacon tier: a credentialed POST queued on a bounded
// worker pool.
type HTTPBeacon struct {
	http *HTTP
	pool *worker.WorkerPool
}

// NewHTTPBeacon creates a Beacon that delivers on pool.
func NewHTTPBeacon(h *HTTP, pool *worker.WorkerPool) *HTTPBeacon {
	return &HTTPBeacon{http: h, pool: pool}
}

// SendBeacon implements Beacon.  It returns false when the request cannot
// be built or the pool has no room.
func (b *HTTPBeacon) SendBeacon(url string, body []byte, contentType string) bool {
	req, err := b.http.newRequest(b.http.ctx, http.MethodPost, url, body, client.KindBeacon)
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", contentType)
	return b.pool.TrySubmit(func() { b.http.do(b.http.withCreds, req) })
}

// HTTPRequester is the Requester tier.
type HTTPRequester struct {
	http *HTTP
}

// NewHTTPRequester creates a Requester.
func NewHTTPRequester(h *HTTP) *HTTPRequester {
	return &HTTPRequester{http: h}
}

// Go implements Requester.  Cookies are attached only when withCredentials
// is set.
func (r *HTTPRequester) Go(url string, withCredentials bool) error {
	req, err := r.http.newRequest(r.http.ctx, http.MethodGet, url, nil, client.KindXHR)
	if err != nil {
		return err
	}
	c := r.http.pick(withCredentials)
	go r.http.do(c, req)
	return nil
}

// HTTPPinger is the image tier.  Its requests are cancelled once hold has
// passed, whether or not they completed.
type HTTPPinger struct {
	http *HTTP
	hold time.Duration
}

// NewHTTPPinger creates a Pinger.  hold <= 0 selects DefaultImageHold.
func NewHTTPPinger(h *HTTP, hold time.Duration) *HTTPPinger {
	if hold <= 0 {
		hold = DefaultImageHold
	}
	return &HTTPPinger{http: h, hold: hold}
}

// Ping implements Pinger.
func (p *HTTPPinger) Ping(url string) error {
	ctx, cancel := context.WithTimeout(p.http.ctx, p.hold)
	req, err := p.http.newRequest(ctx, http.MethodGet, url, nil, client.KindImage)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		p.http.do(p.http.withCreds, req)
	}()
	return nil
}
