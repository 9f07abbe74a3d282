// Package canonical produces the deterministic JSON serialization and
// SHA-256 digests that back the run event chain. The encoding must stay
// bit-stable across releases: old audit bundles are verified by re-deriving
// these digests.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ZeroHash is the prev_hash of the first event in every chain.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashPrefix tags digests so consumers can tell the algorithm at a glance.
// The zero hash is the only bare value in the chain.
const HashPrefix = "sha256:"

// Marshal renders v as canonical JSON: object keys sorted lexicographically
// at every nesting level, no insignificant whitespace, no HTML escaping of
// <, >, or &, and the number encoding produced by encoding/json (shortest
// round-trip form). The output is a function of the value's shape, not of
// map insertion order.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	// Re-read through json.Number so numeric text survives unchanged and
	// map ordering is under our control.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := write(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the prefixed SHA-256 digest of the canonical form of v,
// e.g. "sha256:9f86d08..." with 64 lowercase hex characters.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

func write(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		if err := writeString(buf, t); err != nil {
			return err
		}
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// writeString encodes a JSON string without the HTML escaping json.Marshal
// applies to <, >, and &.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: string: %w", err)
	}
	// Encoder appends a newline after every value.
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
