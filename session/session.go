// Package session provides the Session type: one visitor passing the gate.
// Each session owns its own HTTP client and cookie jar, so the admission
// cookie one session earns is never seen by another.
//
// A session run is a sequence of page loads.  Each load fetches the
// protected page, hosts it in a fresh page.Document on a fresh event loop,
// and drives a fresh flow.Orchestrator through it.  A successful
// verification reloads the page, which starts the next load; the session is
// admitted once a load needs no gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/firasghr/powgate/client"
	"github.com/firasghr/powgate/config"
	"github.com/firasghr/powgate/digest"
	"github.com/firasghr/powgate/eventloop"
	"github.com/firasghr/powgate/flow"
	"github.com/firasghr/powgate/logger"
	"github.com/firasghr/powgate/metrics"
	"github.com/firasghr/powgate/page"
	"github.com/firasghr/powgate/pow"
	"github.com/firasghr/powgate/transport"
	"github.com/firasghr/powgate/visibility"
	"github.com/firasghr/powgate/worker"
)

var (
	// ErrNotChallengePage is returned when the protected URL answers with
	// an error status and no challenge.
	ErrNotChallengePage = errors.New("session: response is neither content nor a challenge page")
	// ErrReloadLimit is returned when a session keeps being served the
	// gate after max_reloads reloads.
	ErrReloadLimit = errors.New("session: reload limit reached")
	// ErrFlowFailed is returned when a flow ends in Failed.
	ErrFlowFailed = errors.New("session: verification failed")
)

// Session states.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateAdmitted = "admitted"
	StateFailed   = "failed"
	StateClosed   = "closed"
)

// Outcome summarises a finished run.
type Outcome struct {
	// Loads is the number of page loads performed.
	Loads int
	// Nonce is the last nonce a flow verified with.
	Nonce uint64
	// State is the final flow state of the last load.
	State flow.State
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics records page loads, flows and telemetry in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the logger.  A session attribute is added to it.
func WithLogger(l *logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithBeaconPool delivers beacons on pool instead of a private one.
func WithBeaconPool(pool *worker.WorkerPool) Option {
	return func(s *Session) { s.beacons = pool }
}

// WithGateClicker replaces the default DelayClicker(cfg.GateDelay).
func WithGateClicker(c GateClicker) Option {
	return func(s *Session) {
		if c != nil {
			s.clicker = c
		}
	}
}

// Session represents one independent visitor.
//
// Each session holds its own *http.Client so that connection pools and
// cookie jars are never shared between sessions.  A sync.RWMutex protects
// State, LastActivity and Outcome.
type Session struct {
	// ID uniquely identifies the session within the fleet.
	ID int

	// Client carries the session's cookie jar on every credentialed
	// request.
	Client *http.Client

	// CookieJar stores cookies for this session.  It is also embedded
	// inside Client.
	CookieJar http.CookieJar

	// Proxy is the proxy address this session dials through, or empty.
	Proxy string

	// State is one of the State constants.
	State string

	// CreatedAt records when the session was constructed.
	CreatedAt time.Time

	// LastActivity records the time of the most recent page load.
	LastActivity time.Time

	// Outcome is the result of the last Run.
	Outcome Outcome

	cfg         *config.Config
	metrics     *metrics.Metrics
	log         *logger.Logger
	beacons     *worker.WorkerPool
	ownsBeacons bool
	clicker     GateClicker

	mu sync.RWMutex
}

// NewSession constructs a Session with a dedicated HTTP client configured
// according to cfg.  proxy may be an empty string for direct connections.
func NewSession(id int, proxy string, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session %d: config must not be nil", id)
	}

	c, err := client.NewHTTPClient(client.OptionsFromConfig(cfg, proxy))
	if err != nil {
		return nil, fmt.Errorf("session %d: create HTTP client: %w", id, err)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Client:       c,
		CookieJar:    c.Jar,
		Proxy:        proxy,
		State:        StateIdle,
		CreatedAt:    now,
		LastActivity: now,
		cfg:          cfg,
		log:          logger.Discard(),
		clicker:      DelayClicker(cfg.GateDelay),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", id)
	if s.beacons == nil {
		s.beacons = worker.NewWorkerPool(cfg.BeaconWorkers, cfg.BeaconQueue)
		s.beacons.Start()
		s.ownsBeacons = true
	}
	return s, nil
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

// CurrentState returns State under the session lock.
func (s *Session) CurrentState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// LastOutcome returns Outcome under the session lock.
func (s *Session) LastOutcome() Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Outcome
}

// UpdateLastActivity records the current time as the last activity.
func (s *Session) UpdateLastActivity() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// Run loads the page until it is admitted, a flow fails, or the reload
// limit is reached.  It returns nil once admitted.
func (s *Session) Run(ctx context.Context) (err error) {
	s.setState(StateRunning)
	var out Outcome
	defer func() {
		state := StateAdmitted
		if err != nil {
			state = StateFailed
		}
		s.mu.Lock()
		s.State = state
		s.Outcome = out
		s.mu.Unlock()
	}()

	for {
		if out.Loads > s.cfg.MaxReloads {
			return fmt.Errorf("session %d: %w after %d loads", s.ID, ErrReloadLimit, out.Loads)
		}
		out.Loads++
		res, err := s.load(ctx, out.Loads)
		if err != nil {
			return fmt.Errorf("session %d: load %d: %w", s.ID, out.Loads, err)
		}
		out.State = res.state
		if res.nonce != nil {
			out.Nonce = *res.nonce
		}
		switch {
		case res.state == flow.Failed:
			return fmt.Errorf("session %d: %w", s.ID, ErrFlowFailed)
		case !res.reloaded:
			s.log.Info("admitted", "loads", out.Loads)
			return nil
		}
		s.log.Debug("page reloaded", "loads", out.Loads)
	}
}

// loadResult describes one page load.
type loadResult struct {
	state    flow.State
	reloaded bool
	nonce    *uint64
}

// load performs one page load.
func (s *Session) load(ctx context.Context, n int) (loadResult, error) {
	s.UpdateLastActivity()
	if s.metrics != nil {
		s.metrics.PageLoaded()
	}
	log := s.log.With("load", n)

	pageURL := s.cfg.PageURL
	var (
		body   []byte
		status = http.StatusOK
	)
	if pageURL != "" {
		var err error
		if body, status, err = s.fetch(ctx, pageURL); err != nil {
			return loadResult{}, err
		}
	} else {
		pageURL = s.cfg.VerifyURL
	}

	doc, err := page.NewDocument(page.Options{
		URL:          pageURL,
		UserAgent:    s.cfg.UserAgent,
		Cookie:       s.cookieString(pageURL),
		Hidden:       s.cfg.StartHidden,
		VendorPrefix: s.cfg.VendorPrefix,
		Log:          log,
	})
	if err != nil {
		return loadResult{}, err
	}

	params, ok, err := s.params(doc, body, pageURL)
	if err != nil {
		return loadResult{}, err
	}
	if !ok {
		if status < 200 || status >= 300 {
			return loadResult{}, fmt.Errorf("%w: status %d", ErrNotChallengePage, status)
		}
		log.Debug("no challenge on page", "status", status)
		return loadResult{state: flow.Succeeded}, nil
	}
	return s.runFlow(ctx, doc, params, log)
}

// fetch GETs the protected page like a top-level navigation.
func (s *Session) fetch(ctx context.Context, pageURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build page request: %w", err)
	}
	client.Dress(req, client.KindNavigate, s.cfg.UserAgent)
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch page: %w", err)
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read page: %w", err)
	}
	return body, resp.StatusCode, nil
}

// cookieString renders the jar's cookies for rawURL as document.cookie
// would show them.
func (s *Session) cookieString(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || s.CookieJar == nil {
		return ""
	}
	cookies := s.CookieJar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// params merges the gate found on the page with the configured overrides.
// ok is false when neither supplies a challenge.
func (s *Session) params(doc *page.Document, body []byte, pageURL string) (flow.Params, bool, error) {
	var g page.Gate
	if len(body) > 0 {
		found, err := page.LoadGate(doc, body, pageURL)
		if err != nil {
			return flow.Params{}, false, err
		}
		if found != nil {
			g = *found
		}
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&g.Challenge, s.cfg.Challenge)
	override(&g.TargetPrefix, s.cfg.TargetPrefix)
	override(&g.Endpoint, s.cfg.VerifyURL)
	override(&g.Step, s.cfg.TelemetryURL)
	if g.Challenge == "" {
		return flow.Params{}, false, nil
	}

	var err error
	if g.Endpoint == "" {
		if g.Endpoint, err = page.Resolve(pageURL, page.DefaultEndpointPath); err != nil {
			return flow.Params{}, false, err
		}
	}
	if g.Step == "" {
		if g.Step, err = page.Resolve(pageURL, page.DefaultStepPath); err != nil {
			return flow.Params{}, false, err
		}
	}
	return flow.Params{
		Challenge:     g.Challenge,
		TargetPrefix:  g.TargetPrefix,
		Endpoint:      g.Endpoint,
		Step:          g.Step,
		SessionCookie: s.cfg.SessionCookie,
	}, true, nil
}

// runFlow hosts one flow on a fresh loop and runs it until it ends or the
// page navigates away.
func (s *Session) runFlow(ctx context.Context, doc *page.Document, params flow.Params, log *logger.Logger) (loadResult, error) {
	loop := eventloop.New()
	pageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var accel digest.Primitive
	if !s.cfg.ForceSoftwareDigest {
		accel = digest.ProbeAccelerated()
	}
	provider := digest.NewProvider(loop, accel, log)

	var counted uint64
	status := doc.Status()
	solver := pow.NewSolver(loop, provider,
		pow.WithYieldEvery(s.cfg.YieldEvery),
		pow.WithLogger(log),
		pow.WithOnChunk(func(tried uint64) {
			status.AppendText(".")
			if s.metrics != nil {
				s.metrics.AddNonces(tried - counted)
			}
			counted = tried
		}),
	)

	h := transport.NewHTTP(ctx, s.Client, s.cfg.UserAgent, log)
	cascade := transport.NewCascade(
		transport.NewHTTPBeacon(h, s.beacons),
		transport.NewHTTPRequester(h),
		transport.NewHTTPPinger(h, s.cfg.ImageHold),
		transport.WithMetrics(s.metrics),
		transport.WithLogger(log),
	)
	verifier := transport.NewVerifier(loop, h, s.metrics)

	o := flow.New(doc, visibility.NewMonitor(doc), solver, verifier, cascade, params,
		flow.WithMetrics(s.metrics),
		flow.WithLogger(log),
		flow.WithResumeOnVisible(s.cfg.ResumeOnVisible),
		flow.WithGateHook(func(box *page.Element) {
			log.Info("human gate rendered")
			s.clicker(pageCtx, s.ID, func() { loop.Post(box.Click) })
		}),
	)

	// The navigation hook runs on the loop, inside the task that reloads.
	reloaded := false
	doc.OnNavigate(func(href string, reload bool) {
		log.Debug("navigation", "href", href, "reload", reload)
		reloaded = true
		loop.Stop()
	})

	loop.Post(o.Boot)
	if s.cfg.StartHidden && s.cfg.RevealAfter > 0 {
		stopReveal := loop.AfterFunc(s.cfg.RevealAfter, func() {
			log.Debug("page brought to the foreground")
			if err := doc.SetHidden(false); err != nil {
				log.Debug("reveal failed", "err", err)
			}
		})
		defer stopReveal()
	}
	go func() {
		select {
		case <-o.Done():
			loop.Stop()
		case <-pageCtx.Done():
		}
	}()
	if err := loop.Run(pageCtx); err != nil {
		return loadResult{}, fmt.Errorf("flow %s: %w", o.ID(), err)
	}

	res := loadResult{state: o.State(), reloaded: reloaded && s.cfg.PageURL != ""}
	if o.State() == flow.Succeeded && o.Started() {
		nonce := o.Nonce()
		res.nonce = &nonce
		if s.metrics != nil {
			s.metrics.AddNonces(nonce + 1 - counted)
		}
	}
	return res, nil
}

// Close transitions the session to the closed state and releases transport
// resources.  After Close returns the session must not be used.
func (s *Session) Close() {
	s.setState(StateClosed)
	if s.ownsBeacons {
		s.beacons.Stop()
	}
	client.CloseIdle(s.Client)
}
