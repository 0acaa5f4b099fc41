// Package canonjson implements the canonical JSON rule (spec §3, §9): every
// object graph signed or re-derived across the node/SDK boundary is routed
// through this single normalizer rather than trusted to an encoder's
// natural key order. The rule: object keys sorted by Unicode code point,
// arrays keep source order, no whitespace in the signed form.
//
// This is deliberately a read-marshal-sort-write pipeline instead of a
// custom Marshaler on every signed type, per spec §9: one function, one
// property test (P1), reused everywhere a signature is computed or
// verified.
package canonjson

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Marshal encodes v the same way json.Marshal does, then recursively sorts
// every object's keys by Unicode code point and strips insignificant
// whitespace. The result is stable: re-parsing and re-marshaling it is a
// no-op (property P1).
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw)
}

// Canonicalize takes arbitrary JSON bytes and re-emits them in canonical
// form: sorted object keys, no whitespace, arrays preserved in source
// order. Numbers are preserved byte-for-byte via json.Number; strings and
// literals are re-encoded by encoding/json (which escapes <, > and & and
// normalizes other escapes). Canonicalizing already-canonical input is
// idempotent.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		// Scalars (string, json.Number, bool, nil) — encoding/json already
		// produces the minimal, deterministic representation for these.
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Unicode code-point order == Go's default string sort.

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyEnc, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyEnc)
		buf.WriteByte(':')
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
