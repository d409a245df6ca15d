// Package fingerprint computes the deterministic content-address digests
// (program hash, record key) that drive TiraStore's deduplication model.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/tiralib/tirastore/internal/normalize"
)

// CanonicalJSON serializes obj as JSON with lexicographically sorted
// keys, no superfluous whitespace, and ASCII-safe (non-ASCII escaped)
// encoding, so that two semantically-equal maps always produce
// byte-identical output regardless of map iteration order or locale
// (Go's encoding/json does not escape non-ASCII by default, so strings
// are encoded by hand here rather than via json.Marshal).
func CanonicalJSON(obj map[string]string) []byte {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeASCIIString(&buf, k)
		buf.WriteByte(':')
		writeASCIIString(&buf, obj[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// writeASCIIString writes s as a double-quoted JSON string literal with
// every non-ASCII rune and JSON-significant character escaped, mirroring
// Python's json.dumps(..., ensure_ascii=True).
func writeASCIIString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x7f:
				buf.WriteRune(r)
			case r <= 0xffff:
				fmt.Fprintf(buf, `\u%04x`, r)
			default:
				// Encode as a UTF-16 surrogate pair, matching Python's
				// ensure_ascii behavior for astral-plane characters.
				r -= 0x10000
				hi := 0xd800 + (r >> 10)
				lo := 0xdc00 + (r & 0x3ff)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			}
		}
	}
	buf.WriteByte('"')
}

// ProgramHash returns the hex SHA-256 digest of the normalized program
// source. Cosmetic variants (whitespace, comments, includes) that reduce
// to the same normalized form hash identically.
func ProgramHash(source string) string {
	normalized := normalize.Program(source)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// RecordKey returns the hex SHA-256 digest of the canonical JSON encoding
// of {"program_hash": programHash, "tiralib_schedule_string":
// normalize.Schedule(schedule)}.
func RecordKey(programHash, schedule string) string {
	normalized := normalize.Schedule(schedule)
	blob := CanonicalJSON(map[string]string{
		"program_hash":            programHash,
		"tiralib_schedule_string": normalized,
	})
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
