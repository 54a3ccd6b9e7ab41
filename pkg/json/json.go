// Package json wraps github.com/goccy/go-json with the settings docflow uses
// everywhere: numbers decoded as json.Number then narrowed to int64 or
// float64, HTML escaping off, compact output.
package json

import (
	"bytes"
	stdjson "encoding/json"
	"io"
	"strconv"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/docflow/pkg/pool"
)

// Number is the decoded representation of a JSON number before narrowing.
type Number = gojson.Number

// RawMessage is an undecoded JSON value.
type RawMessage = gojson.RawMessage

// Delim is a JSON array or object delimiter token.
type Delim = gojson.Delim

// NewDecoder returns a decoder that keeps numbers exact.
func NewDecoder(r io.Reader) *gojson.Decoder {
	dec := gojson.NewDecoder(r)
	dec.UseNumber()
	return dec
}

// NewEncoder returns an encoder that does not escape HTML characters.
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// Marshal encodes v compactly without HTML escaping and without a trailing newline.
func Marshal(v interface{}) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal decodes data into v. When v is *interface{} or a map, numbers are
// narrowed with ConvertNumbers, so a number beyond float64 range survives as
// its literal text.
func Unmarshal(data []byte, v interface{}) error {
	if err := NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		// go-json range-checks numbers even with UseNumber; encoding/json
		// only checks their syntax.
		std := stdjson.NewDecoder(bytes.NewReader(data))
		std.UseNumber()
		if std.Decode(v) != nil {
			return err
		}
	}
	switch t := v.(type) {
	case *interface{}:
		*t = ConvertNumbers(*t)
	case *map[string]interface{}:
		ConvertNumbers(*t)
	}
	return nil
}

// ConvertNumbers walks a decoded value and replaces every Number with an
// int64 when it is integral and fits, otherwise a float64. Maps and slices are
// updated in place.
func ConvertNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case Number: // alias of encoding/json.Number, so this covers both decoders
		return narrow(t)
	case map[string]interface{}:
		for k, e := range t {
			t[k] = ConvertNumbers(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = ConvertNumbers(e)
		}
		return t
	default:
		return v
	}
}

func narrow(n Number) interface{} {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(string(n), 64); err == nil {
		return f
	}
	return string(n)
}

// ArrayEncoder streams values into a single JSON array. The opening bracket
// is written before the first element (or on Close for an empty array), a
// comma only between elements, and the closing bracket exactly once.
type ArrayEncoder struct {
	w       io.Writer
	buf     *bytes.Buffer
	enc     *gojson.Encoder
	count   int64
	started bool
	closed  bool
}

// NewArrayEncoder creates an ArrayEncoder writing to w.
func NewArrayEncoder(w io.Writer) *ArrayEncoder {
	buf := pool.GetBuffer()
	return &ArrayEncoder{w: w, buf: buf, enc: NewEncoder(buf)}
}

// Encode appends one element.
func (a *ArrayEncoder) Encode(v interface{}) error {
	a.buf.Reset()
	if !a.started {
		a.buf.WriteByte('[')
		a.started = true
	} else {
		a.buf.WriteByte(',')
	}
	if err := a.enc.Encode(v); err != nil {
		return err
	}
	a.buf.Truncate(a.buf.Len() - 1) // trailing newline from Encode
	if _, err := a.w.Write(a.buf.Bytes()); err != nil {
		return err
	}
	a.count++
	return nil
}

// Count returns the number of elements encoded so far.
func (a *ArrayEncoder) Count() int64 { return a.count }

// Close terminates the array. Further calls are no-ops.
func (a *ArrayEncoder) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	defer pool.PutBuffer(a.buf)
	tail := "]"
	if !a.started {
		tail = "[]"
	}
	_, err := io.WriteString(a.w, tail)
	return err
}
