package flow_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/firasghr/powgate/digest"
	"github.com/firasghr/powgate/eventloop"
	"github.com/firasghr/powgate/flow"
	"github.com/firasghr/powgate/metrics"
	"github.com/firasghr/powgate/page"
	"github.com/firasghr/powgate/pow"
	"github.com/firasghr/powgate/transport"
	"github.com/firasghr/powgate/visibility"
)

const (
	pageURL  = "https://example.com/protected"
	endpoint = "https://example.com/.sensepitch.challenge.complete"
	step     = "https://example.com/.sensepitch.challenge.step"
)

var params = flow.Params{Challenge: "abc", TargetPrefix: "0", Endpoint: endpoint, Step: step}

// wantNonce is the smallest nonce for params, found without the solver.
func wantNonce(challenge, prefix string) uint64 {
	for n := uint64(0); ; n++ {
		sum := sha256.Sum256([]byte(challenge + strconv.FormatUint(n, 10)))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return n
		}
	}
}

// fakeVerifier answers every request with status on the loop.
type fakeVerifier struct {
	loop   *eventloop.Loop
	status int
	err    error
	urls   []string
}

func (v *fakeVerifier) Verify(url string, done func(eventloop.Result[int])) {
	v.urls = append(v.urls, url)
	v.loop.Post(func() {
		if v.err != nil {
			done(eventloop.Result[int]{Err: v.err})
			return
		}
		done(eventloop.Ok(v.status))
	})
}

// countingSolver records calls and answers with res on the loop.
type countingSolver struct {
	loop  *eventloop.Loop
	calls int
	res   eventloop.Result[uint64]
}

func (s *countingSolver) Solve(_, _ string, done func(eventloop.Result[uint64])) {
	s.calls++
	s.loop.Post(func() { done(s.res) })
}

type harness struct {
	loop     *eventloop.Loop
	doc      *page.Document
	verifier *fakeVerifier
	metrics  *metrics.Metrics
	reloads  int
	navs     []string
}

func newHarness(t *testing.T, opts page.Options) *harness {
	t.Helper()
	opts.URL = pageURL
	d, err := page.NewDocument(opts)
	require.NoError(t, err)
	l := eventloop.New()
	h := &harness{
		loop:     l,
		doc:      d,
		verifier: &fakeVerifier{loop: l, status: 200},
		metrics:  metrics.NewMetrics(),
	}
	d.OnNavigate(func(href string, reload bool) {
		if reload {
			h.reloads++
		}
		h.navs = append(h.navs, href)
	})
	return h
}

func (h *harness) orchestrator(s flow.Solver, tel flow.Telemetry, opts ...flow.Option) *flow.Orchestrator {
	if s == nil {
		s = pow.NewSolver(h.loop, digest.NewProvider(h.loop, nil, nil), pow.WithYieldEvery(16))
	}
	opts = append(opts, flow.WithMetrics(h.metrics))
	return flow.New(h.doc, visibility.NewMonitor(h.doc), s, h.verifier, tel, params, opts...)
}

// run boots o and drives the loop until the flow ends.
func (h *harness) run(t *testing.T, o *flow.Orchestrator) {
	t.Helper()
	h.loop.Post(o.Boot)
	go func() {
		<-o.Done()
		h.loop.Stop()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.loop.Run(ctx))
}

func TestBoot_CookieShortCircuits(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t, page.Options{Cookie: "theme=dark; sptkn=granted", Hidden: true})
	s := &countingSolver{loop: h.loop}
	// No expectations: any telemetry fails the test.
	tel := transport.NewCascade(transport.NewMockBeacon(ctrl), transport.NewMockRequester(ctrl), transport.NewMockPinger(ctrl))

	o := h.orchestrator(s, tel)
	h.run(t, o)

	require.Equal(t, flow.Succeeded, o.State())
	require.Equal(t, flow.StatusAdmitted, h.doc.Status().Text())
	require.Zero(t, s.calls)
	require.Empty(t, h.verifier.urls)
	require.Zero(t, h.reloads)
	require.Equal(t, uint64(1), h.metrics.Snapshot().FlowsShortCircuited)
	require.Zero(t, h.metrics.Snapshot().FlowsStarted)
}

func TestBoot_VisibleSolvesVerifiesAndReloads(t *testing.T) {
	h := newHarness(t, page.Options{})
	o := h.orchestrator(nil, nil)
	h.run(t, o)

	want := wantNonce(params.Challenge, params.TargetPrefix)
	require.Equal(t, flow.Succeeded, o.State())
	require.Equal(t, want, o.Nonce())
	require.Equal(t, []string{endpoint + "?challenge=abc&nonce=" + strconv.FormatUint(want, 10)}, h.verifier.urls)
	require.Equal(t, flow.StatusVerified, h.doc.Status().Text())
	require.Equal(t, 1, h.reloads)
	require.Equal(t, []string{pageURL}, h.navs)

	snap := h.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.FlowsStarted)
	require.Equal(t, uint64(1), snap.FlowsSucceeded)
	require.Zero(t, snap.GatesRendered)
}

func TestBoot_HiddenSendsTelemetryAndRendersGate(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := transport.NewMockBeacon(ctrl)
	b.EXPECT().
		SendBeacon(step+"?hidden=1&vis=hidden&event=init-hidden", []byte("hidden=1&vis=hidden&event=init-hidden"), transport.FormContentType).
		Return(true).
		Times(1)

	h := newHarness(t, page.Options{Hidden: true})
	s := &countingSolver{loop: h.loop, res: eventloop.Ok[uint64](7)}
	var gates []*page.Element
	o := h.orchestrator(s, transport.NewCascade(b, nil, nil), flow.WithGateHook(func(cb *page.Element) {
		gates = append(gates, cb)
	}))

	o.Boot()
	require.Equal(t, flow.AwaitingHumanGate, o.State())
	require.NotNil(t, h.doc.GetElementByID(flow.GateID))
	require.True(t, strings.HasPrefix(h.doc.Status().Text(), "To continue, please verify you are human."))

	// A second render while the gate is up changes nothing.
	before := h.doc.GetElementByID(flow.CheckboxID)
	o.RenderGate()
	require.Same(t, before, h.doc.GetElementByID(flow.CheckboxID))
	require.Len(t, gates, 1)
	require.Equal(t, uint64(1), h.metrics.Snapshot().GatesRendered)

	// Becoming visible does not start the flow by default.
	require.NoError(t, h.doc.SetHidden(false))
	require.False(t, o.Started())
	require.Zero(t, s.calls)

	require.Zero(t, h.metrics.Snapshot().FlowsStarted)

	box := gates[0]
	box.Click()
	box.Click()
	require.True(t, box.Checked())
	require.True(t, box.Disabled())
	require.Nil(t, h.doc.GetElementByID(flow.GateID))
	require.Equal(t, flow.Solving, o.State())
	require.Equal(t, 1, s.calls)
	require.Equal(t, uint64(1), h.metrics.Snapshot().FlowsStarted)

	go func() {
		<-o.Done()
		h.loop.Stop()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.loop.Run(ctx))

	require.Equal(t, flow.Succeeded, o.State())
	require.Equal(t, uint64(7), o.Nonce())
	require.Equal(t, 1, s.calls)
}

func TestStartFlow_SingleShot(t *testing.T) {
	h := newHarness(t, page.Options{})
	s := &countingSolver{loop: h.loop, res: eventloop.Ok[uint64](3)}
	o := h.orchestrator(s, nil)

	o.Boot()
	o.StartFlow()
	o.StartFlow()
	require.Equal(t, 1, s.calls)

	h.run(t, o)
	require.Len(t, h.verifier.urls, 1)
	require.Equal(t, 1, s.calls)
}

func TestVerify_NonSuccessFails(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
	}{
		{"network error", 0, errors.New("connection refused")},
		{"status zero", 0, nil},
		{"redirect", 302, nil},
		{"forbidden", 403, nil},
		{"server error", 500, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, page.Options{})
			h.verifier.status, h.verifier.err = tt.status, tt.err
			o := h.orchestrator(&countingSolver{loop: h.loop, res: eventloop.Ok[uint64](1)}, nil)
			h.run(t, o)

			require.Equal(t, flow.Failed, o.State())
			require.Equal(t, flow.StatusVerifyFailed, h.doc.Status().Text())
			require.Zero(t, h.reloads)
			require.Empty(t, h.navs)
			require.Equal(t, uint64(1), h.metrics.Snapshot().FlowsFailed)
		})
	}
}

func TestVerify_AnySuccessStatus(t *testing.T) {
	for _, status := range []int{200, 204, 299} {
		h := newHarness(t, page.Options{})
		h.verifier.status = status
		o := h.orchestrator(&countingSolver{loop: h.loop, res: eventloop.Ok[uint64](1)}, nil)
		h.run(t, o)
		require.Equal(t, flow.Succeeded, o.State(), status)
	}
}

func TestSolveError_Fails(t *testing.T) {
	h := newHarness(t, page.Options{})
	s := &countingSolver{loop: h.loop, res: eventloop.Fail[uint64](digest.ErrDigestUnavailable)}
	o := h.orchestrator(s, nil)
	h.run(t, o)

	require.Equal(t, flow.Failed, o.State())
	require.Equal(t, flow.StatusSolveFailed, h.doc.Status().Text())
	require.Empty(t, h.verifier.urls)
}

func TestSucceeded_NavigatesWithoutReload(t *testing.T) {
	h := newHarness(t, page.Options{NoReload: true})
	o := h.orchestrator(&countingSolver{loop: h.loop, res: eventloop.Ok[uint64](1)}, nil)
	h.run(t, o)

	require.Equal(t, flow.Succeeded, o.State())
	require.Zero(t, h.reloads)
	require.Equal(t, []string{pageURL}, h.navs)
}

func TestResumeOnVisible(t *testing.T) {
	h := newHarness(t, page.Options{Hidden: true, VendorPrefix: "webkit"})
	s := &countingSolver{loop: h.loop, res: eventloop.Ok[uint64](1)}
	o := h.orchestrator(s, nil, flow.WithResumeOnVisible(true))

	o.Boot()
	require.Equal(t, flow.AwaitingHumanGate, o.State())
	require.NoError(t, h.doc.SetHidden(false))
	require.True(t, o.Started())
	require.Equal(t, 1, s.calls)
	require.Nil(t, h.doc.GetElementByID(flow.GateID))

	// The gate's checkbox is gone and a late click cannot restart.
	require.NoError(t, h.doc.SetHidden(true))
	require.NoError(t, h.doc.SetHidden(false))
	require.Equal(t, 1, s.calls)
}

func TestBoot_HiddenWithoutVisibilityAPIIsVisible(t *testing.T) {
	h := newHarness(t, page.Options{Hidden: true, VendorPrefix: "none"})
	s := &countingSolver{loop: h.loop, res: eventloop.Ok[uint64](1)}
	o := h.orchestrator(s, nil)

	o.Boot()
	require.Equal(t, flow.Solving, o.State())
	require.Nil(t, h.doc.GetElementByID(flow.GateID))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "awaiting-human-gate", flow.AwaitingHumanGate.String())
	require.Equal(t, "state(42)", flow.State(42).String())
	require.True(t, flow.Failed.Terminal())
	require.False(t, flow.Verifying.Terminal())
}
