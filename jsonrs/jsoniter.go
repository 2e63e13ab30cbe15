package jsonrs

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var std = jsoniter.ConfigCompatibleWithStandardLibrary

type jsoniterJSON struct{}

func (*jsoniterJSON) Marshal(v any) ([]byte, error) { return std.Marshal(v) }

func (*jsoniterJSON) MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func (*jsoniterJSON) Unmarshal(data []byte, v any) error { return std.Unmarshal(data, v) }

func (*jsoniterJSON) NewDecoder(r io.Reader) Decoder { return std.NewDecoder(r) }

func (*jsoniterJSON) NewEncoder(w io.Writer) Encoder { return std.NewEncoder(w) }
