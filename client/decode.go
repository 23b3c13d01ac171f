package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// MaxBodySize caps how much of a decoded response body ReadBody returns.
const MaxBodySize = 4 << 20

// ReadBody reads and closes resp.Body, undoing the Content-Encoding the
// server applied.  Requests dressed by BrowserHeaders advertise
// "gzip, deflate, br", which switches off net/http's transparent gzip, so
// every response a session reads goes through here.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	r, err := DecodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	body, err := io.ReadAll(io.LimitReader(r, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("client: read body: %w", err)
	}
	return body, nil
}

// DecodeBody wraps body in a decoder for encoding.  Stacked encodings
// ("gzip, br") are undone right to left.
func DecodeBody(encoding string, body io.Reader) (io.ReadCloser, error) {
	r := io.NopCloser(body)
	codings := strings.Split(encoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		r, err = decodeOne(strings.ToLower(strings.TrimSpace(codings[i])), r)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func decodeOne(coding string, r io.ReadCloser) (io.ReadCloser, error) {
	switch coding {
	case "", "identity":
		return r, nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("client: gzip body: %w", err)
		}
		return gz, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		br := newPeekReader(r)
		if br.looksLikeZlib() {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, fmt.Errorf("client: deflate body: %w", err)
			}
			return zr, nil
		}
		return flate.NewReader(br), nil
	default:
		return nil, fmt.Errorf("client: unsupported content encoding %q", coding)
	}
}

// peekReader lets the deflate branch look at the first two bytes.
type peekReader struct {
	head []byte
	r    io.Reader
}

func newPeekReader(r io.Reader) *peekReader {
	head := make([]byte, 2)
	n, _ := io.ReadFull(r, head)
	return &peekReader{head: head[:n], r: r}
}

// looksLikeZlib checks the RFC 1950 header: CM=8 and a header checksum
// divisible by 31.
func (p *peekReader) looksLikeZlib() bool {
	if len(p.head) < 2 {
		return false
	}
	return p.head[0]&0x0f == 8 && (uint16(p.head[0])<<8|uint16(p.head[1]))%31 == 0
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(b, p.head)
		p.head = p.head[n:]
		return n, nil
	}
	return p.r.Read(b)
}

// ReadByte lets flate read without wrapping the reader in a bufio.Reader.
func (p *peekReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(p, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
