// Package codec converts page text into the exact byte sequence that gets
// hashed and formats bytes and query strings the way the gate page does.
//
// Page strings are sequences of UTF-16 code units.  EncodeUnits turns them
// into variable-width bytes, pairing surrogates into 4-byte sequences.  An
// isolated surrogate never causes a failure: it still yields a structurally
// well-formed sequence, even though no valid text encodes that way.
package codec

import (
	"encoding/hex"
	"strings"
	"unicode/utf16"
)

// EncodeUTF8 returns the canonical byte encoding of s.  For valid text the
// result equals []byte(s); invalid bytes in s have already become U+FFFD by
// the time the string is split into UTF-16 code units.
func EncodeUTF8(s string) []byte {
	return EncodeUnits(utf16.Encode([]rune(s)))
}

// EncodeUnits encodes UTF-16 code units.  A high surrogate always consumes
// the following unit as its pair; when it is the last unit, the missing pair
// counts as zero.  A lone low surrogate is emitted as a 3-byte sequence.
func EncodeUnits(units []uint16) []byte {
	out := make([]byte, 0, len(units)*3)
	for i := 0; i < len(units); i++ {
		c := uint32(units[i])
		switch {
		case c < 0x80:
			out = append(out, byte(c))
		case c < 0x800:
			out = append(out, 0xC0|byte(c>>6), 0x80|byte(c&0x3F))
		case c >= 0xD800 && c <= 0xDBFF:
			var c2 uint32
			i++
			if i < len(units) {
				c2 = uint32(units[i])
			}
			code := ((c&0x3FF)<<10 | (c2 & 0x3FF)) + 0x10000
			out = append(out,
				0xF0|byte(code>>18),
				0x80|byte((code>>12)&0x3F),
				0x80|byte((code>>6)&0x3F),
				0x80|byte(code&0x3F),
			)
		default:
			out = append(out,
				0xE0|byte(c>>12),
				0x80|byte((c>>6)&0x3F),
				0x80|byte(c&0x3F),
			)
		}
	}
	return out
}

// ToHex returns b as lowercase hex, two characters per byte.
func ToHex(b []byte) string {
	return hex.EncodeToString(b)
}

const upperhex = "0123456789ABCDEF"

// EncodeURIComponent escapes s like the JavaScript function of the same
// name: everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ) is percent-encoded
// from its UTF-8 bytes, and spaces become %20 rather than '+'.
func EncodeURIComponent(s string) string {
	b := EncodeUTF8(s)
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		if unreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&15])
	}
	return sb.String()
}

func unreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// Field is one key/value pair of a query string or form body.
type Field struct {
	Key   string
	Value string
}

// Fields is an ordered field list; encoding preserves insertion order.
type Fields []Field

// Query encodes fields as key=value pairs joined by '&'.
func (f Fields) Query() string {
	parts := make([]string, 0, len(f))
	for _, kv := range f {
		parts = append(parts, EncodeURIComponent(kv.Key)+"="+EncodeURIComponent(kv.Value))
	}
	return strings.Join(parts, "&")
}

// Get returns the value of the first field named key.
func (f Fields) Get(key string) (string, bool) {
	for _, kv := range f {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// JoinQuery appends qs to base, using '?' unless base already carries a
// query string.
func JoinQuery(base, qs string) string {
	if qs == "" {
		return base
	}
	if strings.Contains(base, "?") {
		return base + "&" + qs
	}
	return base + "?" + qs
}
