// Package flow sequences one page's pass through the gate: short-circuit on
// an admission cookie, the human gate for background tabs, the
// proof-of-work solve and the verification request.
//
// An Orchestrator belongs to exactly one page load and one event loop.  Its
// methods, and the callbacks it installs, must run on that loop; only
// State, Done and the accessors are safe from other goroutines.  A reload
// discards the Orchestrator together with its page.
package flow

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/firasghr/powgate/codec"
	"github.com/firasghr/powgate/eventloop"
	"github.com/firasghr/powgate/logger"
	"github.com/firasghr/powgate/metrics"
	"github.com/firasghr/powgate/page"
)

// State is a flow state.  Transitions only move forward.
type State int32

const (
	Idle State = iota
	AwaitingHumanGate
	Solving
	Verifying
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingHumanGate:
		return "awaiting-human-gate"
	case Solving:
		return "solving"
	case Verifying:
		return "verifying"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Gate markup ids.
const (
	GateID     = "human-gate"
	CheckboxID = "human-checkbox"
)

// Status texts shown in the page's status container.
const (
	StatusAdmitted     = "Challenge completed, cookie set."
	StatusChecking     = "Checking your browser…"
	StatusTesting      = "Testing browser…"
	StatusThanks       = "Thanks! Starting verification…"
	StatusRequesting   = "Requesting access…"
	StatusVerified     = "Verified! Passing on…"
	StatusSolveFailed  = "Verification failed. Please refresh."
	StatusVerifyFailed = "Verification failed. Please refresh or return to the tab and try again."

	gatePrompt = "To continue, please verify you are human."
	gateLabel  = "Please click to verify that you are a human"
	gateNote   = "A browser verification will start after you click the checkbox"
)

// EventInitHidden labels the telemetry sent when a page loads in the
// background.
const EventInitHidden = "init-hidden"

// DefaultSessionCookie is the admission cookie name.
const DefaultSessionCookie = "sptkn"

// Page is the document the flow drives.  page.Document implements it.
type Page interface {
	Cookie() string
	Status() *page.Element
	GetElementByID(id string) *page.Element
	Href() string
	Reload() error
	Navigate(href string)
}

// Visibility reports the page's foreground state.
type Visibility interface {
	IsHidden() bool
	CurrentState() string
	OnChange(handler func()) bool
}

// Solver finds a nonce for a challenge.
type Solver interface {
	Solve(challenge, prefix string, done func(eventloop.Result[uint64]))
}

// Verifier submits the solved nonce and reports the HTTP status.
type Verifier interface {
	Verify(url string, done func(eventloop.Result[int]))
}

// Telemetry delivers best-effort events.
type Telemetry interface {
	Send(baseURL string, fields codec.Fields, withCredentials bool)
}

// Params are the issuer-supplied inputs of one flow.
type Params struct {
	Challenge    string
	TargetPrefix string
	// Endpoint is the verification URL.
	Endpoint string
	// Step is the telemetry base URL.
	Step string
	// SessionCookie names the admission cookie.  Empty selects
	// DefaultSessionCookie.
	SessionCookie string
}

// Context is the per-page flow record.  No flow state lives outside it.
type Context struct {
	ID         uuid.UUID
	state      atomic.Int32
	started    bool
	clicked    bool
	nonce      atomic.Uint64
	StartedAt  time.Time
	FinishedAt time.Time
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records flow outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.  A flow attribute is added to it.
func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithResumeOnVisible starts the flow when a background page becomes
// visible before the gate is clicked.
func WithResumeOnVisible(on bool) Option {
	return func(o *Orchestrator) { o.resumeOnVisible = on }
}

// WithGateHook calls fn with the checkbox each time the gate is rendered.
// Visitors, real or simulated, click it.
func WithGateHook(fn func(checkbox *page.Element)) Option {
	return func(o *Orchestrator) { o.onGate = fn }
}

// Orchestrator runs one flow.
type Orchestrator struct {
	fc        Context
	page      Page
	vis       Visibility
	solver    Solver
	verifier  Verifier
	telemetry Telemetry
	params    Params

	metrics         *metrics.Metrics
	log             *logger.Logger
	resumeOnVisible bool
	onGate          func(*page.Element)

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an Orchestrator in state Idle.  telemetry may be nil, in
// which case the background-tab event is skipped.
func New(p Page, vis Visibility, s Solver, v Verifier, telemetry Telemetry, params Params, opts ...Option) *Orchestrator {
	if params.SessionCookie == "" {
		params.SessionCookie = DefaultSessionCookie
	}
	o := &Orchestrator{
		page:      p,
		vis:       vis,
		solver:    s,
		verifier:  v,
		telemetry: telemetry,
		params:    params,
		log:       logger.Discard(),
		done:      make(chan struct{}),
	}
	o.fc.ID = uuid.New()
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("flow", o.fc.ID.String())
	return o
}

// ID returns the flow id.
func (o *Orchestrator) ID() string { return o.fc.ID.String() }

// State returns the current state.
func (o *Orchestrator) State() State { return State(o.fc.state.Load()) }

// Nonce returns the solved nonce once the flow has left Solving.
func (o *Orchestrator) Nonce() uint64 { return o.fc.nonce.Load() }

// Done is closed when the flow reaches Succeeded or Failed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Started reports whether StartFlow has run.
func (o *Orchestrator) Started() bool { return o.fc.started }

func (o *Orchestrator) setState(s State) {
	prev := State(o.fc.state.Load())
	if prev.Terminal() || s <= prev {
		o.log.Debug("ignored transition", "from", prev.String(), "to", s.String())
		return
	}
	o.fc.state.Store(int32(s))
	o.log.Debug("transition", "from", prev.String(), "to", s.String())
	if s.Terminal() {
		o.fc.FinishedAt = time.Now()
		o.doneOnce.Do(func() { close(o.done) })
	}
}

func (o *Orchestrator) setStatus(text string) {
	if st := o.page.Status(); st != nil {
		st.SetText(text)
	}
}

// Admitted reports whether the page already carries the admission cookie.
func (o *Orchestrator) Admitted() bool {
	return strings.Contains(o.page.Cookie(), o.params.SessionCookie+"=")
}

// Boot runs the Idle state: short-circuit, gate or solve.
func (o *Orchestrator) Boot() {
	if o.State() != Idle {
		return
	}
	o.fc.StartedAt = time.Now()

	if o.Admitted() {
		o.setStatus(StatusAdmitted)
		if o.metrics != nil {
			o.metrics.FlowShortCircuited()
		}
		o.log.Info("admission cookie present")
		o.setState(Succeeded)
		return
	}

	if o.vis.IsHidden() {
		o.sendHiddenEvent()
		o.setState(AwaitingHumanGate)
		o.RenderGate()
		if o.resumeOnVisible {
			o.vis.OnChange(func() {
				if !o.vis.IsHidden() && !o.fc.started {
					o.setStatus(StatusChecking)
					o.StartFlow()
				}
			})
		}
		return
	}

	o.setStatus(StatusChecking)
	o.StartFlow()
}

func (o *Orchestrator) sendHiddenEvent() {
	if o.telemetry == nil || o.params.Step == "" {
		return
	}
	hidden := "0"
	if o.vis.IsHidden() {
		hidden = "1"
	}
	o.telemetry.Send(o.params.Step, codec.Fields{
		{Key: "hidden", Value: hidden},
		{Key: "vis", Value: o.vis.CurrentState()},
		{Key: "event", Value: EventInitHidden},
	}, true)
}

// RenderGate shows the human gate in the status container.  It does
// nothing while a gate is already present.
func (o *Orchestrator) RenderGate() {
	if o.page.GetElementByID(GateID) != nil {
		return
	}
	status := o.page.Status()
	if status == nil {
		o.log.Warn("no status container, gate not rendered")
		return
	}

	box := page.NewElement("input", CheckboxID, "")
	gate := page.NewElement("label", GateID, "", box, page.NewElement("span", "", gateLabel))
	status.ReplaceChildren(
		page.NewElement("div", "", gatePrompt),
		gate,
		page.NewElement("div", "", gateNote),
	)
	box.OnClick(func() {
		if o.fc.clicked {
			return
		}
		o.fc.clicked = true
		box.SetDisabled(true)
		box.SetChecked(true)
		if first := status.FirstChild(); first != nil {
			first.SetText(StatusThanks)
		}
		o.StartFlow()
	}, true)

	if o.metrics != nil {
		o.metrics.GateRendered()
	}
	o.log.Debug("gate rendered")
	if o.onGate != nil {
		o.onGate(box)
	}
}

// StartFlow runs solve then verify.  Only the first call has any effect.
func (o *Orchestrator) StartFlow() {
	if o.fc.started {
		return
	}
	o.fc.started = true
	if o.metrics != nil {
		o.metrics.FlowStarted()
	}
	if gate := o.page.GetElementByID(GateID); gate != nil {
		gate.Remove()
	}

	o.setState(Solving)
	o.setStatus(StatusTesting)
	o.log.Debug("solving", "challenge", o.params.Challenge, "prefix", o.params.TargetPrefix)
	o.solver.Solve(o.params.Challenge, o.params.TargetPrefix, o.solved)
}

func (o *Orchestrator) solved(r eventloop.Result[uint64]) {
	if r.Err != nil {
		o.log.Error("solve failed", "err", r.Err)
		o.fail(StatusSolveFailed)
		return
	}
	o.fc.nonce.Store(r.Value)
	o.log.Info("nonce found", "nonce", r.Value, "elapsed", time.Since(o.fc.StartedAt).String())

	o.setState(Verifying)
	o.setStatus(StatusRequesting)
	o.verifier.Verify(o.VerifyURL(r.Value), o.verified)
}

// VerifyURL returns the verification request URL for nonce.
func (o *Orchestrator) VerifyURL(nonce uint64) string {
	qs := codec.Fields{
		{Key: "challenge", Value: o.params.Challenge},
		{Key: "nonce", Value: strconv.FormatUint(nonce, 10)},
	}.Query()
	return codec.JoinQuery(o.params.Endpoint, qs)
}

func (o *Orchestrator) verified(r eventloop.Result[int]) {
	if r.Err != nil || r.Value < 200 || r.Value >= 300 {
		o.log.Warn("verification rejected", "status", r.Value, "err", r.Err)
		o.fail(StatusVerifyFailed)
		return
	}

	o.setStatus(StatusVerified)
	if o.metrics != nil {
		o.metrics.FlowSucceeded()
	}
	o.log.Info("verified", "status", r.Value)
	o.setState(Succeeded)
	if err := o.page.Reload(); err != nil {
		o.log.Debug("reload unavailable, navigating", "err", err)
		o.page.Navigate(o.page.Href())
	}
}

func (o *Orchestrator) fail(status string) {
	o.setStatus(status)
	if o.metrics != nil {
		o.metrics.FlowFailed()
	}
	o.setState(Failed)
}
