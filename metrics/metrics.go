// Package metrics provides lightweight, lock-free counters for gate runs
// using atomic operations so they impose minimal overhead on hot paths.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Tier identifies a delivery tier of the telemetry cascade.
type Tier int

const (
	TierBeacon Tier = iota
	TierRequest
	TierImage
	// TierDropped counts sends no tier accepted.
	TierDropped
	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierBeacon:
		return "beacon"
	case TierRequest:
		return "request"
	case TierImage:
		return "image"
	case TierDropped:
		return "dropped"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Metrics tracks aggregate statistics across every session of a fleet.
//
// All counters are accessed exclusively through atomic operations, so one
// instance is shared by all sessions without a mutex.
type Metrics struct {
	flowsStarted        atomic.Uint64
	flowsSucceeded      atomic.Uint64
	flowsFailed         atomic.Uint64
	flowsShortCircuited atomic.Uint64
	gatesRendered       atomic.Uint64
	noncesTried         atomic.Uint64
	verifyRequests      atomic.Uint64
	pageLoads           atomic.Uint64
	telemetry           [numTiers]atomic.Uint64

	// startTime records when the metrics instance was created so that
	// NoncesPerSecond can compute a meaningful rate.
	startTime time.Time
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// FlowStarted counts a flow that left Idle for solving.
func (m *Metrics) FlowStarted() { m.flowsStarted.Add(1) }

// FlowSucceeded counts a verified flow.
func (m *Metrics) FlowSucceeded() { m.flowsSucceeded.Add(1) }

// FlowFailed counts a flow that reached Failed.
func (m *Metrics) FlowFailed() { m.flowsFailed.Add(1) }

// FlowShortCircuited counts a page load admitted by an existing cookie.
func (m *Metrics) FlowShortCircuited() { m.flowsShortCircuited.Add(1) }

// GateRendered counts a human gate shown to a hidden page.
func (m *Metrics) GateRendered() { m.gatesRendered.Add(1) }

// AddNonces adds n to the number of nonces tried.
func (m *Metrics) AddNonces(n uint64) { m.noncesTried.Add(n) }

// VerifyRequested counts a verification GET.
func (m *Metrics) VerifyRequested() { m.verifyRequests.Add(1) }

// PageLoaded counts a gate page fetch.
func (m *Metrics) PageLoaded() { m.pageLoads.Add(1) }

// TelemetrySent counts one cascade send accepted by tier.
func (m *Metrics) TelemetrySent(tier Tier) {
	if tier >= 0 && tier < numTiers {
		m.telemetry[tier].Add(1)
	}
}

// NoncesPerSecond returns the average hash rate since the Metrics instance
// was created.
func (m *Metrics) NoncesPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.noncesTried.Load()) / elapsed
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FlowsStarted        uint64
	FlowsSucceeded      uint64
	FlowsFailed         uint64
	FlowsShortCircuited uint64
	GatesRendered       uint64
	NoncesTried         uint64
	VerifyRequests      uint64
	PageLoads           uint64
	Telemetry           map[string]uint64
}

// Snapshot returns the current counters.  The loads are not performed under
// a single lock, so the copy may be very slightly inconsistent, which is
// acceptable for reporting.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		FlowsStarted:        m.flowsStarted.Load(),
		FlowsSucceeded:      m.flowsSucceeded.Load(),
		FlowsFailed:         m.flowsFailed.Load(),
		FlowsShortCircuited: m.flowsShortCircuited.Load(),
		GatesRendered:       m.gatesRendered.Load(),
		NoncesTried:         m.noncesTried.Load(),
		VerifyRequests:      m.verifyRequests.Load(),
		PageLoads:           m.pageLoads.Load(),
		Telemetry:           make(map[string]uint64, numTiers),
	}
	for t := Tier(0); t < numTiers; t++ {
		s.Telemetry[t.String()] = m.telemetry[t].Load()
	}
	return s
}
