// Package serializer converts durable function arguments and results to
// and from an opaque byte payload. Every payload is prefixed with a tag
// byte identifying the codec used to produce it, so a value written by
// one codec can always be read back correctly even if the process
// default codec later changes.
package serializer

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Codec turns Go values into bytes and back.
type Codec interface {
	// Tag is the single byte written ahead of every payload this codec
	// produces. Tags must be stable across releases.
	Tag() byte
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	TagJSON byte = 0x01
	TagGob  byte = 0x02
)

// JSONCodec is the default codec. It is safe to use on untrusted input:
// decoding never executes arbitrary code and unknown fields are ignored.
type JSONCodec struct{}

func (JSONCodec) Tag() byte      { return TagJSON }
func (JSONCodec) Name() string   { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// GobCodec is an explicit opt-in binary codec. It is faster and more
// compact than JSON for Go-to-Go payloads, but gob.Decode can be driven
// to allocate unbounded memory by a malicious payload and requires the
// concrete type to be known ahead of time (via gob.Register for
// interface values). Never point this at task arguments coming from an
// untrusted caller.
type GobCodec struct{}

func (GobCodec) Tag() byte    { return TagGob }
func (GobCodec) Name() string { return "gob" }

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("serializer: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("serializer: gob decode: %w", err)
	}
	return nil
}

// Serializer wraps a default codec and dispatches decoding by tag byte,
// so mixed-codec payloads written over the lifetime of a deployment
// still round-trip.
type Serializer struct {
	def    Codec
	byTag  map[byte]Codec
}

// New builds a Serializer defaulting to JSON, with gob registered for
// decoding and available as the encoding default via
// WithDefault(GobCodec{}).
func New() *Serializer {
	s := &Serializer{
		def:   JSONCodec{},
		byTag: map[byte]Codec{},
	}
	s.register(JSONCodec{})
	s.register(GobCodec{})
	return s
}

func (s *Serializer) register(c Codec) { s.byTag[c.Tag()] = c }

// WithDefault overrides the codec used by Encode, registering it for
// Decode as well (JSON and Gob are registered by default).
func (s *Serializer) WithDefault(c Codec) *Serializer {
	s.register(c)
	s.def = c
	return s
}

// Encode marshals v with the serializer's default codec and prefixes
// the result with that codec's tag byte.
func (s *Serializer) Encode(v any) ([]byte, error) {
	body, err := s.def.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializer: encode with %s: %w", s.def.Name(), err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, s.def.Tag())
	out = append(out, body...)
	return out, nil
}

// Decode reads the tag byte from data and unmarshals the remainder into
// v using the matching codec, regardless of the serializer's current
// default.
func (s *Serializer) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("serializer: empty payload")
	}
	codec, ok := s.byTag[data[0]]
	if !ok {
		return fmt.Errorf("serializer: unknown codec tag 0x%02x", data[0])
	}
	if err := codec.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("serializer: decode with %s: %w", codec.Name(), err)
	}
	return nil
}

// Nil is the canonical empty-argument-list / no-result payload.
var Nil = []byte{TagJSON, 'n', 'u', 'l', 'l'}
