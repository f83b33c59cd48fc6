package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Decoding errors. DecodeFrame wraps one of these so callers can classify
// failures with errors.Is.
var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrInvalidBase64 = errors.New("frame is not valid base64")
	ErrInvalidJSON   = errors.New("frame is not valid JSON")
	ErrNotObject     = errors.New("frame is not a JSON object")
)

// Frame is a decoded inbound message. The gateway multiplexes many domains
// over one socket, so the body is kept as a generic JSON object and handlers
// pick out what they need.
type Frame struct {
	fields map[string]any
	raw    []byte
}

// NewFrame builds a frame from already decoded fields.
func NewFrame(fields map[string]any) Frame {
	if fields == nil {
		fields = make(map[string]any)
	}
	return Frame{fields: fields}
}

// Type returns the "type" field, or "" when absent or not a string.
func (f Frame) Type() string {
	t, _ := f.fields["type"].(string)
	return t
}

// Data returns the "data" field when it is a JSON object.
func (f Frame) Data() (map[string]any, bool) {
	data, ok := f.fields["data"].(map[string]any)
	return data, ok
}

// Get returns a top level field.
func (f Frame) Get(key string) (any, bool) {
	v, ok := f.fields[key]
	return v, ok
}

// String returns a top level string field, or "".
func (f Frame) String(key string) string {
	s, _ := f.fields[key].(string)
	return s
}

// Fields exposes the decoded object. Callers must not modify it.
func (f Frame) Fields() map[string]any {
	return f.fields
}

// Raw returns the decoded JSON text the frame was built from, if any.
func (f Frame) Raw() []byte {
	return f.raw
}

// MarshalJSON emits the frame as the JSON object it was decoded from.
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.raw != nil {
		return f.raw, nil
	}
	return json.Marshal(f.fields)
}

// DecodeFrame reads an inbound payload: the text is base64 decoded and the
// result parsed as a JSON object.
func DecodeFrame(payload []byte) (Frame, error) {
	text := bytes.TrimSpace(payload)
	if len(text) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	decoded, err := decodeBase64(text)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}

	var value any
	if err := json.Unmarshal(decoded, &value); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	fields, ok := value.(map[string]any)
	if !ok {
		return Frame{}, fmt.Errorf("%w: got %T", ErrNotObject, value)
	}

	return Frame{fields: fields, raw: decoded}, nil
}

// EncodeFrame produces the base64 text form of v, as the gateway sends it.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

func decodeBase64(text []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(out, text)
	if err == nil {
		return out[:n], nil
	}

	// Some producers strip the padding.
	out = make([]byte, base64.RawStdEncoding.DecodedLen(len(text)))
	n, rawErr := base64.RawStdEncoding.Decode(out, text)
	if rawErr == nil {
		return out[:n], nil
	}

	return nil, err
}
