// Package digest computes the hex SHA-256 of page text asynchronously on an
// eventloop.Loop.
//
// A Provider picks its backend once, at construction:
//   - With an accelerated Primitive every digest goes through it and the
//     result is delivered as a microtask, the way a resolved promise would
//     be.  The primitive is used for every call, not only as a first try.
//   - Without one, the embedded SoftwareSum runs inside a macrotask, so the
//     callback never fires on the caller's stack and a chain of digests
//     cannot grow it.
//
// Either way the callback receives exactly one eventloop.Result.
package digest

import (
	"errors"
	"fmt"

	"github.com/firasghr/powgate/codec"
	"github.com/firasghr/powgate/eventloop"
	"github.com/firasghr/powgate/logger"
)

// ErrDigestUnavailable is returned when the accelerated primitive fails.  It
// is reported once and never retried.
var ErrDigestUnavailable = errors.New("digest: unavailable")

// BackendSoftware is the name Backend reports for the embedded fallback.
const BackendSoftware = "software"

// Provider delivers digests of text on a loop.
type Provider struct {
	loop  *eventloop.Loop
	accel Primitive
	log   *logger.Logger
}

// NewProvider creates a Provider on loop.  accel may be nil, in which case
// the software backend is used for every call.
func NewProvider(loop *eventloop.Loop, accel Primitive, log *logger.Logger) *Provider {
	if log == nil {
		log = logger.Discard()
	}
	p := &Provider{loop: loop, accel: accel, log: log}
	log.Debug("digest backend resolved", "backend", p.Backend())
	return p
}

// Backend returns the name of the backend in use.
func (p *Provider) Backend() string {
	if p.accel != nil {
		return p.accel.Name()
	}
	return BackendSoftware
}

// Digest computes the SHA-256 of text's UTF-8 encoding and calls done with
// its lowercase hex on the loop goroutine.
func (p *Provider) Digest(text string, done func(eventloop.Result[string])) {
	if p.accel == nil {
		p.loop.Post(func() {
			sum := SoftwareSum(codec.EncodeUTF8(text))
			done(eventloop.Ok(codec.ToHex(sum[:])))
		})
		return
	}

	res := p.accelerated(codec.EncodeUTF8(text))
	p.loop.Microtask(func() { done(res) })
}

func (p *Provider) accelerated(data []byte) (res eventloop.Result[string]) {
	defer func() {
		if r := recover(); r != nil {
			res = eventloop.Fail[string](fmt.Errorf("%w: %s: panic: %v", ErrDigestUnavailable, p.accel.Name(), r))
		}
	}()
	sum, err := p.accel.Sum(data)
	if err != nil {
		return eventloop.Fail[string](fmt.Errorf("%w: %s: %v", ErrDigestUnavailable, p.accel.Name(), err))
	}
	if len(sum) != Size {
		return eventloop.Fail[string](fmt.Errorf("%w: %s: got %d bytes", ErrDigestUnavailable, p.accel.Name(), len(sum)))
	}
	return eventloop.Ok(codec.ToHex(sum))
}
