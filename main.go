// powgate passes a proof-of-work browser gate with a fleet of headless
// visitors.
//
// Startup sequence:
//  1. Load configuration (JSON file or defaults) and apply flag overrides.
//  2. Load proxy list (optional).
//  3. Initialise metrics and logger.
//  4. Create the session manager and instantiate all sessions concurrently.
//  5. Start the worker pools: one runs sessions, one delivers beacons.
//  6. Run the scheduler, which starts sessions at the configured rate and
//     waits for every one of them.
//  7. Log a metrics line every 10 seconds while sessions run.
//  8. On SIGINT or SIGTERM, stop the scheduler and shut down cleanly.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/firasghr/powgate/config"
	"github.com/firasghr/powgate/logger"
	"github.com/firasghr/powgate/metrics"
	"github.com/firasghr/powgate/proxy"
	"github.com/firasghr/powgate/scheduler"
	"github.com/firasghr/powgate/session"
	"github.com/firasghr/powgate/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	pageURL := flag.String("url", "", "Protected page URL (overrides page_url)")
	sessions := flag.Int("sessions", 0, "Number of sessions (overrides number_of_sessions)")
	hidden := flag.Bool("hidden", false, "Start every page as a background tab")
	revealAfter := flag.Duration("reveal-after", 0, "Bring hidden pages to the foreground after this long (0 keeps them hidden)")
	resume := flag.Bool("resume-on-visible", false, "Start the flow when a hidden page comes to the foreground before the gate is clicked")
	interactive := flag.Bool("interactive", false, "Wait for Enter on stdin before clicking each human gate")
	software := flag.Bool("software", false, "Force the software SHA-256 backend")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides log_level)")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.LevelInfo)
	log.Info("powgate starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			return 1
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}
	if *pageURL != "" {
		cfg.PageURL = *pageURL
	}
	if *sessions > 0 {
		cfg.NumberOfSessions = *sessions
	}
	if *hidden {
		cfg.StartHidden = true
	}
	if *revealAfter > 0 {
		cfg.RevealAfter = *revealAfter
	}
	if *resume {
		cfg.ResumeOnVisible = true
	}
	if *software {
		cfg.ForceSoftwareDigest = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		return 1
	}

	// ── Proxy rotator ──────────────────────────────────────────────────────
	rotator := &proxy.Rotator{}
	if cfg.ProxyFile != "" {
		if err := rotator.Load(cfg.ProxyFile); err != nil {
			log.Errorf("failed to load proxies from %q: %v", cfg.ProxyFile, err)
			return 1
		}
		log.Infof("loaded %d proxies from %q", rotator.Count(), cfg.ProxyFile)
	} else {
		log.Info("no proxy file configured; sessions will connect directly")
	}

	// ── Metrics ────────────────────────────────────────────────────────────
	m := metrics.NewMetrics()

	// ── Worker pools ───────────────────────────────────────────────────────
	// Beacons from every session share one bounded pool; a full queue makes
	// the cascade fall through to its next tier.
	beacons := worker.NewWorkerPool(cfg.BeaconWorkers, cfg.BeaconQueue)
	beacons.Start()
	wp := worker.NewWorkerPool(cfg.NumberOfSessions, cfg.NumberOfSessions)
	wp.Start()
	log.Infof("worker pool started with %d workers", cfg.NumberOfSessions)

	// ── Session manager ────────────────────────────────────────────────────
	opts := []session.Option{
		session.WithMetrics(m),
		session.WithLogger(log),
		session.WithBeaconPool(beacons),
	}
	if *interactive {
		opts = append(opts, session.WithGateClicker(session.LineClicker(os.Stdin, os.Stderr)))
	}
	sm := session.NewSessionManager(cfg, opts...)
	log.Infof("creating %d sessions…", cfg.NumberOfSessions)
	if err := sm.CreateSessions(cfg.NumberOfSessions, rotator); err != nil {
		log.Errorf("session creation failed: %v", err)
		return 1
	}
	log.Infof("%d sessions created", sm.Count())

	// ── Graceful shutdown ──────────────────────────────────────────────────
	sc := scheduler.NewScheduler(sm, wp, cfg.StartRate)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %s; shutting down", sig)
		sc.Stop()
	}()

	// ── Metrics monitor ────────────────────────────────────────────────────
	monitorDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logSnapshot(log, "metrics", m, sm)
			case <-monitorDone:
				return
			}
		}
	}()

	// ── Scheduler ──────────────────────────────────────────────────────────
	var failed atomic.Int32
	err := sc.Run(context.Background(), func(ctx context.Context, s *session.Session) {
		if err := s.Run(ctx); err != nil {
			failed.Add(1)
			if errors.Is(err, context.Canceled) {
				log.Debugf("session %d abandoned", s.ID)
				return
			}
			log.Errorf("session %d: %v", s.ID, err)
		}
	})
	close(monitorDone)
	if err != nil {
		log.Warnf("%v", err)
	}

	// Wait for in-flight jobs and beacons, then release transports.
	wp.Stop()
	beacons.Stop()
	logSnapshot(log, "final metrics", m, sm)
	sm.StopAll()

	if failed.Load() > 0 || err != nil {
		log.Errorf("%d session(s) did not pass the gate", failed.Load())
		return 1
	}
	log.Info("powgate shut down cleanly")
	return 0
}

func logSnapshot(log *logger.Logger, msg string, m *metrics.Metrics, sm *session.SessionManager) {
	s := m.Snapshot()
	states := sm.CountByState()
	log.Info(msg,
		"page_loads", s.PageLoads,
		"flows_started", s.FlowsStarted,
		"succeeded", s.FlowsSucceeded,
		"failed", s.FlowsFailed,
		"short_circuited", s.FlowsShortCircuited,
		"gates", s.GatesRendered,
		"nonces", s.NoncesTried,
		"nonces_per_sec", m.NoncesPerSecond(),
		"verify_requests", s.VerifyRequests,
		"telemetry", s.Telemetry,
		"admitted", states[session.StateAdmitted],
		"sessions_failed", states[session.StateFailed],
	)
}
