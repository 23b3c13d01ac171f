package client

import (
	"net/http"
)

type headerEntry struct {
	key   string
	value string
}

// OrderedHeader keeps HTTP headers with their exact casing and insertion
// order.  Issuers that profile clients look at both, so every request a
// session sends is dressed from one of these.
//
// Not safe for concurrent use; build one per request.
type OrderedHeader struct {
	entries []headerEntry
}

// Add appends key/value, preserving the casing of key.
func (h *OrderedHeader) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Set replaces the first entry matching key (case-insensitively) in place
// and drops later duplicates.  Without a match it behaves like Add.
func (h *OrderedHeader) Set(key, value string) {
	canonKey := http.CanonicalHeaderKey(key)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) != canonKey {
			out = append(out, e)
			continue
		}
		if !replaced {
			out = append(out, headerEntry{key: key, value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, headerEntry{key: key, value: value})
	}
	h.entries = out
}

// Del removes all entries matching key (case-insensitively).
func (h *OrderedHeader) Del(key string) {
	canonKey := http.CanonicalHeaderKey(key)
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) != canonKey {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Get returns the first value matching key (case-insensitively).
func (h *OrderedHeader) Get(key string) string {
	canonKey := http.CanonicalHeaderKey(key)
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canonKey {
			return e.value
		}
	}
	return ""
}

// Len returns the number of entries, duplicates included.
func (h *OrderedHeader) Len() int { return len(h.entries) }

// Keys returns the entry keys in order.
func (h *OrderedHeader) Keys() []string {
	keys := make([]string, len(h.entries))
	for i, e := range h.entries {
		keys[i] = e.key
	}
	return keys
}

// Clone returns a copy of the receiver.
func (h *OrderedHeader) Clone() *OrderedHeader {
	c := &OrderedHeader{entries: make([]headerEntry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// ApplyToRequest replaces req.Header with the entries of h.  Keys are
// written into the map raw, bypassing canonicalisation, so their casing
// reaches the wire.
func (h *OrderedHeader) ApplyToRequest(req *http.Request) {
	req.Header = make(http.Header, len(h.entries))
	for _, e := range h.entries {
		req.Header[e.key] = append(req.Header[e.key], e.value)
	}
}

// Kind is the fetch a request imitates.  Each kind carries the Accept and
// Sec-Fetch-* headers Chrome sends for it.
type Kind int

const (
	// KindNavigate is a top-level page load or reload.
	KindNavigate Kind = iota
	// KindXHR is a script-issued GET.
	KindXHR
	// KindBeacon is a navigator.sendBeacon POST.
	KindBeacon
	// KindImage is an <img> fetch.
	KindImage
)

// DefaultUserAgent is the Chrome 120 user agent used when none is set.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// BrowserHeaders returns the Chrome 120 request headers for kind in the
// order and casing Chrome sends them.
func BrowserHeaders(kind Kind, userAgent string) *OrderedHeader {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	h := &OrderedHeader{}
	h.Add("sec-ch-ua", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)
	h.Add("sec-ch-ua-mobile", "?0")
	h.Add("sec-ch-ua-platform", `"Windows"`)

	switch kind {
	case KindNavigate:
		h.Add("Upgrade-Insecure-Requests", "1")
		h.Add("User-Agent", userAgent)
		h.Add("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
		h.Add("sec-fetch-site", "same-origin")
		h.Add("sec-fetch-mode", "navigate")
		h.Add("sec-fetch-user", "?1")
		h.Add("sec-fetch-dest", "document")
	case KindXHR:
		h.Add("User-Agent", userAgent)
		h.Add("Accept", "*/*")
		h.Add("sec-fetch-site", "same-origin")
		h.Add("sec-fetch-mode", "cors")
		h.Add("sec-fetch-dest", "empty")
	case KindBeacon:
		h.Add("User-Agent", userAgent)
		h.Add("Accept", "*/*")
		h.Add("sec-fetch-site", "same-origin")
		h.Add("sec-fetch-mode", "no-cors")
		h.Add("sec-fetch-dest", "empty")
	case KindImage:
		h.Add("User-Agent", userAgent)
		h.Add("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
		h.Add("sec-fetch-site", "same-origin")
		h.Add("sec-fetch-mode", "no-cors")
		h.Add("sec-fetch-dest", "image")
	}

	h.Add("accept-encoding", "gzip, deflate, br")
	h.Add("accept-language", "en-US,en;q=0.9")
	return h
}

// KindOf recovers the kind of a request dressed by BrowserHeaders.
// Undressed requests count as navigations.
func KindOf(req *http.Request) Kind {
	dest := req.Header.Get("Sec-Fetch-Dest")
	if vals := req.Header["sec-fetch-dest"]; len(vals) > 0 {
		dest = vals[0]
	}
	switch dest {
	case "image":
		return KindImage
	case "empty":
		if req.Method == http.MethodPost {
			return KindBeacon
		}
		return KindXHR
	}
	return KindNavigate
}

// Dress applies the browser headers for kind to req.  Content-Type, when
// already set, survives.
func Dress(req *http.Request, kind Kind, userAgent string) {
	ct := req.Header.Get("Content-Type")
	BrowserHeaders(kind, userAgent).ApplyToRequest(req)
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
}
