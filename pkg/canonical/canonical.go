// Package canonical implements deterministic JSON serialization.
//
// Two values that are structurally equal always encode to the same bytes:
// object keys are sorted lexicographically by Unicode code point, array
// order is preserved, and numbers are restricted to exact integers within
// the JavaScript safe range. The encoding is used wherever a digest must be
// reproducible across peers: session-id derivation, transcript records,
// commit hashes, and idempotency equality checks.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// MaxSafeInteger is the largest integer magnitude admitted in a canonical
// document, 2^53 - 1. Anything larger must travel as a decimal string.
const MaxSafeInteger = 1<<53 - 1

// Marshal returns the canonical encoding of v. The value is first reduced
// to its generic JSON form, so any json.Marshaler input is admissible.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns SHA-256 over the canonical encoding of v.
func Hash(v any) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, vv)
	case json.Number:
		return encodeNumber(buf, vv)
	case []any:
		buf.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value of type %T", v)
	}
	return nil
}

// encodeString writes the JSON encoding of s without HTML escaping, so the
// bytes are stable regardless of the characters involved.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: string encode: %w", err)
	}
	b := tmp.Bytes()
	// Encoder appends a newline.
	buf.Write(bytes.TrimSuffix(b, []byte("\n")))
	return nil
}

// encodeNumber admits exact integers in [-(2^53-1), 2^53-1] only. Floats,
// exponents, and oversized integers are rejected so every peer emits the
// same digits for the same value.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !isCanonicalInteger(s) {
		return fmt.Errorf("canonical: number %q is not a canonical integer", s)
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("canonical: number %q is not an integer", s)
	}
	limit := big.NewInt(MaxSafeInteger)
	if i.CmpAbs(limit) > 0 {
		return fmt.Errorf("canonical: number %q exceeds the safe integer range", s)
	}
	buf.WriteString(s)
	return nil
}

func isCanonicalInteger(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
		if s == "" || s == "0" {
			return false
		}
	}
	if s == "0" {
		return true
	}
	if s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
