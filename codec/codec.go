// Package codec serializes message bodies for the framing layer.
//
// The wire carries UTF-8 JSON only, so there is a single codec. It is kept
// behind an interface so the framing and transport layers do not depend on a
// concrete encoder.
package codec

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// JSON is the codec used for every frame body.
var JSON Codec = &JSONCodec{}
