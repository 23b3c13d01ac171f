package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// UTLSDialer returns a DialTLSContext-compatible function that performs the
// TLS handshake with uTLS, impersonating the browser fingerprint described
// by helloID.  The ClientHello offers both h2 and http/1.1, so it belongs in
// an http2.Transport.
//
// tlsCfg may be nil; if provided, its ServerName is used as the SNI hostname
// and InsecureSkipVerify is honoured.
func UTLSDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
		sni := ""
		insecure := false
		if tlsCfg != nil {
			sni = tlsCfg.ServerName
			insecure = tlsCfg.InsecureSkipVerify
		}
		return dialUTLS(ctx, network, addr, helloID, sni, insecure, nil)
	}
}

// UTLSDialerHTTP1 is UTLSDialer for http.Transport.DialTLSContext.  Its
// ClientHello advertises only http/1.1 in ALPN: net/http cannot speak h2
// over a connection it did not negotiate itself.
func UTLSDialerHTTP1(helloID utls.ClientHelloID, insecure bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialUTLS(ctx, network, addr, helloID, "", insecure, []string{"http/1.1"})
	}
}

func dialUTLS(ctx context.Context, network, addr string, helloID utls.ClientHelloID, sni string, insecure bool, alpn []string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("utls dialer: parse addr %q: %w", addr, err)
	}
	if sni == "" {
		sni = host
	}

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("utls dialer: dial %s: %w", addr, err)
	}

	// Only the fields uTLS still respects are forwarded; cipher suites and
	// curves come from the ClientHelloSpec.
	uCfg := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: insecure, // #nosec G402 – caller-controlled
	}
	uConn := utls.UClient(rawConn, uCfg, utls.HelloCustom)

	spec := buildClientHelloSpec(helloID)
	if alpn != nil {
		restrictALPN(&spec, alpn)
	}
	if err := uConn.ApplyPreset(&spec); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("utls dialer: apply preset for %s: %w", helloID.Str(), err)
	}

	if err := uConn.HandshakeContext(ctx); err != nil {
		_ = uConn.Close()
		return nil, fmt.Errorf("utls dialer: TLS handshake with %s: %w", addr, err)
	}
	return uConn, nil
}

// buildClientHelloSpec returns the parrot spec for helloID.  Unknown IDs
// fall back to Chrome 120 so the handshake always carries a browser hello.
func buildClientHelloSpec(helloID utls.ClientHelloID) utls.ClientHelloSpec {
	spec, err := utls.UTLSIdToSpec(helloID)
	if err == nil {
		return spec
	}
	spec, _ = utls.UTLSIdToSpec(utls.HelloChrome_120)
	return spec
}

func restrictALPN(spec *utls.ClientHelloSpec, protos []string) {
	for _, ext := range spec.Extensions {
		if a, ok := ext.(*utls.ALPNExtension); ok {
			a.AlpnProtocols = protos
		}
	}
}
