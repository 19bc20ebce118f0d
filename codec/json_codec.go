package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec produces compact JSON with HTML escaping disabled, so non-ASCII
// and markup characters travel as-is inside the UTF-8 body.
// Decoding keeps numbers as json.Number to avoid float rounding of ids and
// integer params.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder always terminates with a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Name() string {
	return "json"
}
