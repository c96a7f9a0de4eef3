// Package json wraps github.com/goccy/go-json for API payload decoding and
// column-definition parsing, with pooled buffers for hot encode paths.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// Marshal encodes v to JSON.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// MarshalIndent encodes v to indented JSON.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// NewDecoder returns a streaming decoder reading from r.
func NewDecoder(r io.Reader) *gojson.Decoder {
	return gojson.NewDecoder(r)
}

// NewEncoder returns a streaming encoder writing to w.
func NewEncoder(w io.Writer) *gojson.Encoder {
	return gojson.NewEncoder(w)
}

// MarshalToBuffer encodes v into a pooled buffer. The caller must return the
// buffer with PutBuffer once the bytes have been consumed.
func MarshalToBuffer(v interface{}) (*bytes.Buffer, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := gojson.NewEncoder(buf).Encode(v); err != nil {
		bufferPool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// PutBuffer returns a buffer obtained from MarshalToBuffer to the pool.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// Valid reports whether data is syntactically valid JSON.
func Valid(data []byte) bool {
	return gojson.Valid(data)
}
