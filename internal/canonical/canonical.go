// Package canonical produces the deterministic JSON form used as the only
// hashing input across the gateway: object keys sorted by UTF-16 code units,
// integers emitted verbatim, floats in shortest round-trip form, and the
// minimum escape set of RFC 8259.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/SettldHQ/gateway/internal/errors"
)

// Marshal serializes v into canonical JSON bytes. Structurally identical
// inputs always produce byte-identical output.
func Marshal(v any) ([]byte, error) {
	// Route through encoding/json first: this resolves struct tags, rejects
	// channels/functions, and detects cycles and non-finite floats for us.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, classifyMarshalError(err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, errors.E(errors.CodeInternal, "canonical: reparse: %v", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the 64-char lowercase hex SHA-256 of the canonical form of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes returns the 64-char lowercase hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func classifyMarshalError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "cycle"):
		return errors.E(errors.CodeCanonicalJSONCyclic, "canonical: cyclic value")
	case strings.Contains(msg, "NaN"), strings.Contains(msg, "Inf"):
		return errors.E(errors.CodeCanonicalJSONInvalidNumber, "canonical: non-finite number")
	default:
		return errors.E(errors.CodeCanonicalJSONInvalidNumber, "canonical: %v", msg)
	}
}

func encode(buf *bytes.Buffer, node any) error {
	switch v := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return encodeNumber(buf, v)
	case string:
		encodeString(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.E(errors.CodeInternal, "canonical: unexpected node type %T", node)
	}
	return nil
}

// encodeNumber normalizes numeric lexemes. Integer lexemes pass through
// untouched; anything with a fraction or exponent is reduced to the shortest
// float64 round-trip form, which also collapses "1.0" to "1".
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return errors.E(errors.CodeCanonicalJSONInvalidNumber, "canonical: number %q", s)
	}
	out := strconv.FormatFloat(f, 'g', -1, 64)
	// FormatFloat leaves integral floats bare, matching the no-trailing-.0 rule.
	buf.WriteString(out)
	return nil
}

// encodeString writes s with the minimum escape set: quote, backslash, and
// control characters below 0x20. Everything else passes through verbatim.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// lessUTF16 compares two strings on their UTF-16 code unit sequences, the key
// ordering RFC 8785 requires. For pure-ASCII keys this matches byte order.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
