// Package canonical is the single source of truth for row canonicalization
// and content hashing. Any two components that hash the same semantic row
// must go through this package so the hashes agree byte for byte.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Row is a parsed tabular row: column name to value.
type Row map[string]interface{}

// HashedRow pairs a row hash with the canonical JSON it was computed over.
type HashedRow struct {
	Hash          string
	CanonicalJSON string
}

// Canonicalize serializes a row to its canonical JSON form:
// keys sorted lexicographically, compact separators, NaN/Inf normalized to
// null, 64-bit integers kept as integers (wider values stringified),
// timestamps as ISO-8601 with explicit offset.
func Canonicalize(row Row) (string, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, map[string]interface{}(row)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Hash computes the SHA-256 hex digest of the canonical JSON bytes.
func Hash(canonicalJSON string) string {
	sum := sha256.Sum256([]byte(canonicalJSON))
	return hex.EncodeToString(sum[:])
}

// HashRow canonicalizes and hashes in one step.
func HashRow(row Row) (HashedRow, error) {
	cj, err := Canonicalize(row)
	if err != nil {
		return HashedRow{}, err
	}
	return HashedRow{Hash: Hash(cj), CanonicalJSON: cj}, nil
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint:
		return writeUint(buf, uint64(val))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		return writeUint(buf, val)
	case float32:
		return writeFloat(buf, float64(val))
	case float64:
		return writeFloat(buf, val)
	case json.Number:
		return writeNumber(buf, val)
	case time.Time:
		return writeString(buf, val.Format(time.RFC3339Nano))
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
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
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case Row:
		return writeValue(buf, map[string]interface{}(val))
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}

// Integers wider than int64 lose their type and become strings, per the
// canonicalization contract.
func writeUint(buf *bytes.Buffer, v uint64) error {
	if v > math.MaxInt64 {
		return writeString(buf, strconv.FormatUint(v, 10))
	}
	buf.WriteString(strconv.FormatUint(v, 10))
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return nil
	}
	// Whole-valued floats serialize as integers so a parser that reads "2"
	// as int and one that reads it as float agree on the hash.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: bad number %q: %w", n.String(), err)
	}
	return writeFloat(buf, f)
}

// writeString emits a JSON string without HTML escaping so the bytes match
// the compact-separator contract exactly.
func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	b := tmp.Bytes()
	// Encoder appends a newline.
	buf.Write(bytes.TrimRight(b, "\n"))
	return nil
}
