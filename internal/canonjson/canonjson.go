// Package canonjson produces a deterministic, byte-stable JSON encoding of
// arbitrary decoded JSON values so that two semantically equal documents
// (regardless of source key order) digest to the same SHA-256 hash.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize decodes raw JSON and re-encodes it in canonical form:
// object keys sorted ascending by code point, no insignificant
// whitespace, numbers kept in their original textual form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonjson: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeValue encodes an already-decoded Go value (e.g. produced by
// json.Marshal + json.Unmarshal with UseNumber, or a value built directly
// in Go) into canonical form by marshalling it and canonicalizing the
// resulting bytes.
func CanonicalizeValue(v any) ([]byte, error) {
	// Round trip through JSON so that struct tags, omitempty, etc. are
	// honored the same way a plain json.Marshal caller would expect, then
	// re-decode with UseNumber so float64 precision never silently mutates
	// large integers.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Digest returns the lowercase-hex SHA-256 digest of the canonical encoding
// of v (a Go value, not raw JSON bytes).
func Digest(v any) (string, error) {
	canon, err := CanonicalizeValue(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(canon), nil
}

// DigestRaw returns the digest of the canonical encoding of raw JSON bytes.
func DigestRaw(raw []byte) (string, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return DigestBytes(canon), nil
}

// DigestBytes returns the lowercase-hex SHA-256 digest of arbitrary bytes,
// with no canonicalization step. Used directly by the artifact store,
// which already operates on fixed byte sequences.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	case string:
		encodeString(buf, val)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonjson: unsupported value type %T", v)
	}
}

// encodeString applies a single well-defined escaping rule: Go's standard
// JSON string escaping, which already satisfies idempotence and stability
// (control characters, quote, backslash, <, >, &, and U+2028/U+2029 are
// escaped, invalid UTF-8 becomes U+FFFD; everything else passes through
// as UTF-8).
func encodeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
