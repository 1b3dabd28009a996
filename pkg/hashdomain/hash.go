// Package hashdomain implements the domain-separated content hashing used
// throughout the sovereign state machine: canonical JSON serialization and
// SHA-256 hashing over explicit domain tags, so that two independent
// processes compute byte-identical content IDs from the same logical object.
package hashdomain

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize renders v as JSON with map keys sorted lexicographically at
// every level and no insignificant whitespace. Struct values are first
// marshaled normally and then re-decoded into a generic tree so that field
// order never leaks into the canonical form; numbers keep the exact decimal
// text they arrived with.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashdomain: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("hashdomain: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
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
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}

// Sum computes a domain-separated SHA-256 digest over the concatenation of
// parts, joined in order with no separator beyond what the caller already
// embedded in each part. Domain is prefixed to bind the hash to its purpose,
// preventing cross-protocol hash collisions between unrelated object kinds.
func Sum(domain string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Hex renders a digest as a lowercase hex string.
func Hex(digest [32]byte) string {
	return fmt.Sprintf("%x", digest[:])
}
