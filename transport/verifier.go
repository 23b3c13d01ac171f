package transport

import (
	"io"
	"net/http"

	"github.com/firasghr/powgate/client"
	"github.com/firasghr/powgate/eventloop"
	"github.com/firasghr/powgate/metrics"
)

// Verifier sends the verification GET.  Unlike the cascade it reports an
// outcome: the HTTP status, delivered as a task on the page's loop.  A
// transport error or a request that cannot be built yields status 0 with
// the error attached.
type Verifier struct {
	loop    *eventloop.Loop
	http    *HTTP
	metrics *metrics.Metrics
}

// NewVerifier creates a Verifier that reports on loop.  m may be nil.
func NewVerifier(loop *eventloop.Loop, h *HTTP, m *metrics.Metrics) *Verifier {
	return &Verifier{loop: loop, http: h, metrics: m}
}

// Verify issues one credentialed GET to url.  Cookies set by the response
// land in the page's jar before done runs.
func (v *Verifier) Verify(url string, done func(eventloop.Result[int])) {
	if v.metrics != nil {
		v.metrics.VerifyRequested()
	}
	req, err := v.http.newRequest(v.http.ctx, http.MethodGet, url, nil, client.KindXHR)
	if err != nil {
		v.loop.Post(func() { done(eventloop.Fail[int](err)) })
		return
	}

	go func() {
		resp, err := v.http.withCreds.Do(req)
		if err != nil {
			v.http.log.Debug("verify request failed", "err", err)
			v.loop.Post(func() { done(eventloop.Fail[int](err)) })
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		status := resp.StatusCode
		v.loop.Post(func() { done(eventloop.Ok(status)) })
	}()
}
