// Package proxy provides thread-safe proxy rotation for a fleet of gate
// sessions.
package proxy

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Rotator holds a list of proxy URLs and hands them out round-robin, so
// concurrently created sessions spread across egress addresses.
//
// The zero value is an empty Rotator that always returns "" (direct).
type Rotator struct {
	proxies []string
	index   int
	mutex   sync.Mutex
}

// Load reads a newline-delimited list of proxy addresses from filename,
// replacing any previously loaded ones.  Blank lines and lines starting with
// '#' are ignored.  Every address is normalised with Parse; a malformed line
// fails the whole load and names its line number.
func (r *Rotator) Load(filename string) error {
	f, err := os.Open(filename) // #nosec G304 – operator-supplied config path
	if err != nil {
		return fmt.Errorf("proxy: open %q: %w", filename, err)
	}
	defer f.Close()

	var loaded []string
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		u, err := Parse(text)
		if err != nil {
			return fmt.Errorf("proxy: %s:%d: %w", filename, line, err)
		}
		loaded = append(loaded, u.String())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: read %q: %w", filename, err)
	}

	r.mutex.Lock()
	r.proxies = loaded
	r.index = 0
	r.mutex.Unlock()
	return nil
}

// Parse turns a proxy address into a URL.  A bare "host:port" is taken as
// an HTTP proxy; http, https and socks5 schemes are accepted.
func Parse(addr string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("parse %q: unsupported scheme %q", addr, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse %q: missing host", addr)
	}
	return u, nil
}

// Next returns the next proxy in the rotation, or "" when none are loaded,
// signalling a direct connection.  Safe for concurrent use.
func (r *Rotator) Next() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.proxies) == 0 {
		return ""
	}
	p := r.proxies[r.index]
	r.index = (r.index + 1) % len(r.proxies)
	return p
}

// Count returns the number of loaded proxies.
func (r *Rotator) Count() int {
	r.mutex.Lock()
	n := len(r.proxies)
	r.mutex.Unlock()
	return n
}
