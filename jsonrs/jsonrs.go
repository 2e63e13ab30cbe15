// Package jsonrs is the JSON facade used for status documents and HTTP bodies.
package jsonrs

import "io"

type JSON interface {
	Marshal(v any) ([]byte, error)
	MarshalIndent(v any, prefix, indent string) ([]byte, error)
	Unmarshal(data []byte, v any) error
	NewDecoder(r io.Reader) Decoder
	NewEncoder(w io.Writer) Encoder
}

type Decoder interface {
	Decode(v any) error
	Buffered() io.Reader
	More() bool
}

type Encoder interface {
	Encode(v any) error
	SetIndent(prefix, indent string)
}

// Default is backed by json-iterator in standard library compatible mode.
var Default JSON = &jsoniterJSON{}

func Marshal(v any) ([]byte, error) { return Default.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return Default.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error { return Default.Unmarshal(data, v) }

func NewDecoder(r io.Reader) Decoder { return Default.NewDecoder(r) }

func NewEncoder(w io.Writer) Encoder { return Default.NewEncoder(w) }
