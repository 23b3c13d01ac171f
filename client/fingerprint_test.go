package client_test

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/firasghr/powgate/client"
)

// chromeTLS13Suites are the TLS 1.3 suites the Chrome ClientHello offers.
var chromeTLS13Suites = map[uint16]bool{
	tls.TLS_AES_128_GCM_SHA256:       true,
	tls.TLS_AES_256_GCM_SHA384:       true,
	tls.TLS_CHACHA20_POLY1305_SHA256: true,
}

type handshake struct {
	state  tls.ConnectionState
	cookie string
}

// hellos records the ALPN list of every ClientHello the issuer receives.
type hellos struct {
	mu     sync.Mutex
	offers [][]string
}

func (h *hellos) record(hi *tls.ClientHelloInfo) (*tls.Config, error) {
	h.mu.Lock()
	h.offers = append(h.offers, slices.Clone(hi.SupportedProtos))
	h.mu.Unlock()
	return nil, nil
}

func (h *hellos) all() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.offers)
}

// tlsIssuer is an HTTPS verification endpoint that answers every request
// with 204, grants the admission cookie, and reports the handshake it saw.
// It only speaks h2, so a client that offers nothing but http/1.1 ends up
// with no ALPN protocol at all.
func tlsIssuer(t *testing.T) (*httptest.Server, <-chan handshake, *hellos) {
	t.Helper()
	ch := make(chan handshake, 4)
	seen := &hellos{}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := handshake{}
		if r.TLS != nil {
			h.state = *r.TLS
		}
		if c, err := r.Cookie("sptkn"); err == nil {
			h.cookie = c.Value
		}
		select {
		case ch <- h:
		default:
		}
		http.SetCookie(w, &http.Cookie{Name: "sptkn", Value: "granted", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	}))
	ts.EnableHTTP2 = true
	ts.TLS = &tls.Config{GetConfigForClient: seen.record}
	ts.StartTLS()
	t.Cleanup(ts.Close)
	return ts, ch, seen
}

// requireHTTP1Hello checks that every ClientHello offered only http/1.1.
func requireHTTP1Hello(t *testing.T, seen *hellos) {
	t.Helper()
	offers := seen.all()
	if len(offers) == 0 {
		t.Fatal("issuer saw no ClientHello")
	}
	for i, protos := range offers {
		if !slices.Equal(protos, []string{"http/1.1"}) {
			t.Errorf("hello %d offered ALPN %q, want [http/1.1]", i, protos)
		}
	}
}

func browserClient(t *testing.T) *http.Client {
	t.Helper()
	c, err := client.NewHTTPClient(client.Options{
		Timeout:            5 * time.Second,
		BrowserTLS:         true,
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	t.Cleanup(func() { client.CloseIdle(c) })
	return c
}

func nextHandshake(t *testing.T, ch <-chan handshake) handshake {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("timeout: issuer saw no request")
		return handshake{}
	}
}

func TestBrowserTLS_VerifyRequestHandshake(t *testing.T) {
	ts, seen, offered := tlsIssuer(t)
	c := browserClient(t)

	resp, err := c.Get(ts.URL + "/.sensepitch.challenge.complete?challenge=abc&nonce=7")
	if err != nil {
		t.Fatalf("verify request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", resp.StatusCode)
	}

	h := nextHandshake(t, seen)
	if h.state.Version != tls.VersionTLS13 {
		t.Errorf("TLS version: got 0x%04x, want 0x%04x", h.state.Version, tls.VersionTLS13)
	}
	if !chromeTLS13Suites[h.state.CipherSuite] {
		t.Errorf("cipher suite 0x%04x is not one Chrome offers", h.state.CipherSuite)
	}
	if h.state.NegotiatedProtocol == "h2" {
		t.Error("session client negotiated h2 over net/http")
	}
	requireHTTP1Hello(t, offered)
}

func TestBrowserTLS_JarCarriesGrantToNextLoad(t *testing.T) {
	ts, seen, _ := tlsIssuer(t)
	c := browserClient(t)

	for i := 0; i < 2; i++ {
		resp, err := c.Get(ts.URL + "/")
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		resp.Body.Close()
	}

	if first := nextHandshake(t, seen); first.cookie != "" {
		t.Errorf("first load sent cookie %q", first.cookie)
	}
	if second := nextHandshake(t, seen); second.cookie != "granted" {
		t.Errorf("second load cookie: got %q, want granted", second.cookie)
	}

	u, _ := url.Parse(ts.URL)
	if n := len(c.Jar.Cookies(u)); n != 1 {
		t.Errorf("jar holds %d cookies for the issuer, want 1", n)
	}
}

func TestAnonymous_SharesFingerprintWithoutCookies(t *testing.T) {
	ts, seen, offered := tlsIssuer(t)
	c := browserClient(t)

	resp, err := c.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("credentialed request: %v", err)
	}
	resp.Body.Close()
	nextHandshake(t, seen)

	resp, err = client.Anonymous(c).Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("anonymous request: %v", err)
	}
	resp.Body.Close()

	h := nextHandshake(t, seen)
	if h.cookie != "" {
		t.Errorf("anonymous request sent cookie %q", h.cookie)
	}
	if h.state.Version != tls.VersionTLS13 || h.state.NegotiatedProtocol == "h2" {
		t.Errorf("anonymous handshake: version 0x%04x, proto %q", h.state.Version, h.state.NegotiatedProtocol)
	}
	requireHTTP1Hello(t, offered)
}
