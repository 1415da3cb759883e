// Package keys implements the canonical encoding of contract storage keys.
//
// The chain emits a storage key as base64 of the raw key bytes. Composite
// keys (namespaced maps) concatenate their segments with every segment
// except the last carrying a 2-byte big-endian length prefix. The canonical
// form stored in the database is the comma-separated decimal value of each
// raw byte, e.g. []byte{0, 2, 'h', 'i'} -> "0,2,104,105". Canonical keys
// sort and prefix-match stably with plain string operations.
package keys

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// FromBase64 decodes a base64 key as emitted on the event stream into its
// canonical comma-separated decimal form. Inverse of ToBase64.
func FromBase64(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decode base64 key: %w", err)
	}
	return Canonical(raw), nil
}

// ToBase64 re-encodes a canonical key into the stream's base64 form.
// Inverse of FromBase64.
func ToBase64(canonical string) (string, error) {
	raw, err := Bytes(canonical)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Canonical renders raw key bytes in canonical form.
func Canonical(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var b strings.Builder
	// 4 bytes per rendered byte ("255,") is the worst case.
	b.Grow(len(raw) * 4)
	for i, c := range raw {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(c)))
	}
	return b.String()
}

// Bytes parses a canonical key back into raw bytes.
func Bytes(canonical string) ([]byte, error) {
	if canonical == "" {
		return []byte{}, nil
	}
	parts := strings.Split(canonical, ",")
	raw := make([]byte, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("invalid canonical key byte %q", p)
		}
		raw[i] = byte(n)
	}
	return raw, nil
}

// Composite builds the canonical form of a composite key: every segment but
// the last is length-prefixed with two big-endian bytes, the last is appended
// as-is. A single segment is the plain item key.
func Composite(segments ...[]byte) string {
	return Canonical(joinSegments(segments, false))
}

// CompositeString is Composite over UTF-8 string segments.
func CompositeString(segments ...string) string {
	bs := make([][]byte, len(segments))
	for i, s := range segments {
		bs[i] = []byte(s)
	}
	return Composite(bs...)
}

// Prefix builds the canonical form of a namespace prefix: every segment is
// length-prefixed, and the result keeps a trailing comma. The trailing comma
// makes prefix matching segment-safe: "1,2," matches "1,2,3" but never
// "1,23".
func Prefix(segments ...[]byte) string {
	c := Canonical(joinSegments(segments, true))
	if c == "" {
		return ""
	}
	return c + ","
}

// PrefixString is Prefix over UTF-8 string segments.
func PrefixString(segments ...string) string {
	bs := make([][]byte, len(segments))
	for i, s := range segments {
		bs[i] = []byte(s)
	}
	return Prefix(bs...)
}

func joinSegments(segments [][]byte, prefixAll bool) []byte {
	var out []byte
	for i, seg := range segments {
		last := i == len(segments)-1
		if !last || prefixAll {
			var ln [2]byte
			binary.BigEndian.PutUint16(ln[:], uint16(len(seg)))
			out = append(out, ln[:]...)
		}
		out = append(out, seg...)
	}
	return out
}

// Split decodes a canonical composite key into n segments: n-1 length-
// prefixed segments followed by the unprefixed remainder.
func Split(canonical string, n int) ([][]byte, error) {
	raw, err := Bytes(canonical)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("segment count must be positive, got %d", n)
	}
	segs := make([][]byte, 0, n)
	rest := raw
	for i := 0; i < n-1; i++ {
		if len(rest) < 2 {
			return nil, fmt.Errorf("truncated length prefix in segment %d", i)
		}
		ln := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < ln {
			return nil, fmt.Errorf("segment %d wants %d bytes, %d left", i, ln, len(rest))
		}
		segs = append(segs, rest[:ln])
		rest = rest[ln:]
	}
	segs = append(segs, rest)
	return segs, nil
}

// HasPrefix reports whether a canonical key falls under a canonical prefix.
// Prefixes carry their trailing comma (see Prefix), so a plain string prefix
// check is byte-boundary safe. A point key is its own prefix.
func HasPrefix(canonical, prefix string) bool {
	if canonical == prefix {
		return true
	}
	return strings.HasPrefix(canonical, prefix)
}

// TrailingSegment returns the raw bytes after a canonical prefix, i.e. the
// map key under a namespace. Returns false when the key is outside the
// prefix.
func TrailingSegment(canonical, prefix string) ([]byte, bool) {
	if !strings.HasPrefix(canonical, prefix) {
		return nil, false
	}
	return segBytes(strings.TrimPrefix(canonical, prefix))
}

func segBytes(canonical string) ([]byte, bool) {
	b, err := Bytes(canonical)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Uint64Segment renders a numeric map key the way contracts store them:
// eight big-endian bytes.
func Uint64Segment(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// SegmentUint64 parses an eight-byte big-endian segment.
func SegmentUint64(seg []byte) (uint64, bool) {
	if len(seg) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(seg), true
}
