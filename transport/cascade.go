// Package transport delivers the gate's network traffic: best-effort
// telemetry through a three-tier cascade, and the credentialed verification
// GET whose status decides the flow.
package transport

import (
	"fmt"

	"github.com/firasghr/powgate/codec"
	"github.com/firasghr/powgate/logger"
	"github.com/firasghr/powgate/metrics"
)

// FormContentType is the content type of beacon bodies.
const FormContentType = "application/x-www-form-urlencoded;charset=UTF-8"

// Fields is an ordered telemetry payload.
type Fields = codec.Fields

// Cascade sends a payload through the first tier that takes it:
//
//  1. Beacon, with the form-encoded fields as body.  Accepted means done.
//  2. Requester GET with the fields in the query.  Issued without error
//     means done; the response is not awaited.
//  3. Pinger, only when tier 2 failed to issue.
//
// A nil tier is skipped.  Errors and panics from any tier are absorbed:
// Send never reports failure.
type Cascade struct {
	beacon    Beacon
	requester Requester
	pinger    Pinger
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// CascadeOption configures a Cascade.
type CascadeOption func(*Cascade)

// WithMetrics counts each send under the tier that accepted it.
func WithMetrics(m *metrics.Metrics) CascadeOption {
	return func(c *Cascade) { c.metrics = m }
}

// WithLogger sets the cascade's logger.
func WithLogger(l *logger.Logger) CascadeOption {
	return func(c *Cascade) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCascade creates a Cascade over the given tiers; any of them may be nil.
func NewCascade(b Beacon, r Requester, p Pinger, opts ...CascadeOption) *Cascade {
	c := &Cascade{beacon: b, requester: r, pinger: p, log: logger.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send delivers fields to baseURL on a best-effort basis.
func (c *Cascade) Send(baseURL string, fields Fields, withCredentials bool) {
	qs := fields.Query()
	target := codec.JoinQuery(baseURL, qs)

	if c.beacon != nil {
		ok, err := guard(func() (bool, error) {
			return c.beacon.SendBeacon(target, []byte(qs), FormContentType), nil
		})
		if ok {
			c.count(metrics.TierBeacon)
			return
		}
		c.log.Debug("beacon not queued", "url", baseURL, "err", err)
	}

	if c.requester != nil {
		_, err := guard(func() (bool, error) {
			return true, c.requester.Go(target, withCredentials)
		})
		if err == nil {
			c.count(metrics.TierRequest)
			return
		}
		c.log.Debug("request not issued", "url", baseURL, "err", err)
	}

	if c.pinger != nil {
		_, err := guard(func() (bool, error) {
			return true, c.pinger.Ping(target)
		})
		if err == nil {
			c.count(metrics.TierImage)
			return
		}
		c.log.Debug("image ping failed", "url", baseURL, "err", err)
	}

	c.count(metrics.TierDropped)
}

func (c *Cascade) count(t metrics.Tier) {
	if c.metrics != nil {
		c.metrics.TelemetrySent(t)
	}
}

// guard runs fn, turning a panic into an error.
func guard(fn func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("transport: tier panicked: %v", r)
		}
	}()
	return fn()
}
