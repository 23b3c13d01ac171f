// Package config provides configuration management for powgate.
// It supports JSON-based configuration loading with safe defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds all tunable parameters for the gate runner.
// The struct is loaded once at startup and then shared across goroutines as
// a read-only value.
type Config struct {
	// PageURL is the protected URL.  Requesting it without an admission
	// cookie returns the gate page carrying the issuer's challenge.
	PageURL string `json:"page_url"`

	// Challenge, TargetPrefix, VerifyURL and TelemetryURL override the
	// values discovered in the gate page.  They may also stand in for a page
	// entirely when the issuer hands them out by other means.
	Challenge    string `json:"challenge"`
	TargetPrefix string `json:"target_prefix"`
	VerifyURL    string `json:"verify_url"`
	TelemetryURL string `json:"telemetry_url"`

	// SessionCookie is the cookie whose presence in document.cookie means
	// the page is already admitted.
	SessionCookie string `json:"session_cookie"`

	// NumberOfSessions controls how many independent page instances run
	// through the gate.
	NumberOfSessions int `json:"number_of_sessions"`

	// StartRate caps how many sessions may start per second.  Zero means
	// unlimited.
	StartRate float64 `json:"start_rate"`

	// YieldEvery is the number of nonce attempts between cooperative yields.
	YieldEvery int `json:"yield_every"`

	// ForceSoftwareDigest disables the accelerated SHA-256 backend.
	ForceSoftwareDigest bool `json:"force_software_digest"`

	// StartHidden makes each page start as a background tab, which routes
	// the flow through the telemetry event and the human gate.
	StartHidden bool `json:"start_hidden"`

	// VendorPrefix selects which visibility API the embedded page exposes:
	// "" (standard), "webkit", "ms" or "none".
	VendorPrefix string `json:"vendor_prefix"`

	// GateDelay is how long the simulated visitor waits before clicking the
	// gate checkbox.  Interactive mode ignores it.
	GateDelay time.Duration `json:"gate_delay"`

	// ResumeOnVisible starts the flow automatically when a hidden page
	// becomes visible before the gate is clicked.
	ResumeOnVisible bool `json:"resume_on_visible"`

	// RevealAfter brings a page that started hidden to the foreground once
	// it has been open this long.  Zero leaves it in the background.
	RevealAfter time.Duration `json:"reveal_after"`

	// MaxReloads bounds how many page reloads one session performs.
	MaxReloads int `json:"max_reloads"`

	// RequestTimeout is the end-to-end timeout for a single HTTP request.
	// Use time.Duration JSON encoding (nanoseconds).
	RequestTimeout time.Duration `json:"request_timeout"`

	// ImageHold is how long the image-ping tier keeps its request alive.
	ImageHold time.Duration `json:"image_hold"`

	// BeaconWorkers and BeaconQueue size the background beacon pool.  A
	// beacon is refused once BeaconQueue deliveries are pending.
	BeaconWorkers int `json:"beacon_workers"`
	BeaconQueue   int `json:"beacon_queue"`

	// UserAgent is exposed to the page as navigator.userAgent and sent on
	// every request.
	UserAgent string `json:"user_agent"`

	// BrowserTLS dials with a browser TLS fingerprint.
	BrowserTLS bool `json:"browser_tls"`

	// InsecureSkipVerify accepts any server certificate.  Only for staging
	// issuers with self-signed certificates.
	InsecureSkipVerify bool `json:"insecure_skip_verify"`

	// Protocol selects "h1" (default) or "h2" for the browser transport.
	Protocol string `json:"protocol"`

	// ProxyFile is the path to a newline-delimited proxy list.  Leave empty
	// to run without proxies.
	ProxyFile string `json:"proxy_file"`

	// MaxIdleConns and MaxConnsPerHost size each session's connection pool.
	MaxIdleConns    int `json:"max_idle_conns"`
	MaxConnsPerHost int `json:"max_conns_per_host"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`
}

// LoadConfig reads a JSON file at filename and deserialises it on top of
// DefaultConfig, so omitted fields keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 – filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields() // catch typos in config files early
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return cfg, nil
}

// DefaultConfig returns a *Config pre-filled with defaults.  Each call
// returns a fresh independent copy.
func DefaultConfig() *Config {
	return &Config{
		SessionCookie:    "sptkn",
		NumberOfSessions: 1,
		YieldEvery:       10000,
		GateDelay:        500 * time.Millisecond,
		MaxReloads:       2,
		RequestTimeout:   30 * time.Second,
		ImageHold:        5 * time.Second,
		BeaconWorkers:    2,
		BeaconQueue:      16,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Protocol:         "h1",
		MaxIdleConns:     16,
		MaxConnsPerHost:  8,
		LogLevel:         "info",
	}
}

// Validate reports the first field that holds an unusable value.
func (c *Config) Validate() error {
	if c.PageURL == "" && (c.Challenge == "" || c.VerifyURL == "") {
		return errors.New("config: page_url is required unless challenge and verify_url are set")
	}
	for name, raw := range map[string]string{
		"page_url":      c.PageURL,
		"verify_url":    c.VerifyURL,
		"telemetry_url": c.TelemetryURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.SessionCookie == "" {
		return errors.New("config: session_cookie must not be empty")
	}
	if c.NumberOfSessions < 1 {
		return fmt.Errorf("config: number_of_sessions must be >= 1, got %d", c.NumberOfSessions)
	}
	if c.YieldEvery < 1 {
		return fmt.Errorf("config: yield_every must be >= 1, got %d", c.YieldEvery)
	}
	if c.StartRate < 0 {
		return fmt.Errorf("config: start_rate must be >= 0, got %v", c.StartRate)
	}
	if c.RevealAfter < 0 {
		return fmt.Errorf("config: reveal_after must be >= 0, got %v", c.RevealAfter)
	}
	if c.MaxReloads < 0 {
		return fmt.Errorf("config: max_reloads must be >= 0, got %d", c.MaxReloads)
	}
	switch c.VendorPrefix {
	case "", "webkit", "ms", "none":
	default:
		return fmt.Errorf("config: vendor_prefix %q not one of \"\", webkit, ms, none", c.VendorPrefix)
	}
	switch c.Protocol {
	case "h1", "h2":
	default:
		return fmt.Errorf("config: protocol %q not one of h1, h2", c.Protocol)
	}
	return nil
}
