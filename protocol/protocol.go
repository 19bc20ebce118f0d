// Package protocol implements the Content-Length frame format used on the
// bridge's stdin/stdout pipes.
//
// Pipes are byte streams, so message boundaries have to be carried in-band.
// Each frame is an ASCII header block terminated by a blank line, followed by
// exactly Content-Length bytes of UTF-8 JSON:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"initialize"}...
//
// Decoding is a pure function of a byte buffer: TryDecode never reads from a
// stream and never consumes input on ErrNeedMoreData, so callers append more
// bytes and retry. For interoperability with peers that forgot the header
// block, a buffer whose first non-blank line starts with '{' or '[' is read as
// one newline-terminated JSON value. Encode never produces that form.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/chenDeepin/pymolcode/codec"
)

const (
	HeaderContentLength = "Content-Length"

	// MaxContentLength bounds a single body so a corrupt header cannot make
	// the reader buffer without limit.
	MaxContentLength = 64 << 20
)

var headerTerminator = []byte("\r\n\r\n")

// ErrNeedMoreData means the buffer holds no complete frame yet.
var ErrNeedMoreData = errors.New("protocol: need more data")

// MalformedFrameError reports a frame that can never become valid.
// Skip is the number of leading buffer bytes that belong to the bad frame;
// dropping them is a best-effort resynchronization.
type MalformedFrameError struct {
	Reason string
	Skip   int
}

func (e *MalformedFrameError) Error() string {
	return "protocol: malformed frame: " + e.Reason
}

func malformed(skip int, format string, args ...any) *MalformedFrameError {
	return &MalformedFrameError{Reason: fmt.Sprintf(format, args...), Skip: skip}
}

// Frame is one decoded unit. Header keys are lower-cased.
// Delimited is set for the header-less newline JSON form.
type Frame struct {
	Header    map[string]string
	Body      json.RawMessage
	Delimited bool
}

// Encode serializes v as compact JSON and frames it.
func Encode(v any) ([]byte, error) {
	body, err := codec.JSON.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode body: %w", err)
	}
	return EncodeBody(body), nil
}

// EncodeBody frames an already serialized body.
func EncodeBody(body []byte) []byte {
	header := HeaderContentLength + ": " + strconv.Itoa(len(body)) + "\r\n\r\n"
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	return append(frame, body...)
}

// TryDecode extracts the first frame in buf.
// It returns the frame and the unconsumed tail, ErrNeedMoreData, or a
// *MalformedFrameError.
func TryDecode(buf []byte) (*Frame, []byte, error) {
	start := skipBlank(buf)
	if start == len(buf) {
		return nil, buf, ErrNeedMoreData
	}
	if c := buf[start]; c == '{' || c == '[' {
		return decodeLine(buf, start)
	}

	headerEnd := bytes.Index(buf[start:], headerTerminator)
	if headerEnd < 0 {
		return nil, buf, ErrNeedMoreData
	}
	headerEnd += start
	bodyStart := headerEnd + len(headerTerminator)

	header, err := parseHeader(buf[start:headerEnd])
	if err != nil {
		return nil, buf, malformed(bodyStart, "%s", err)
	}
	length, err := contentLength(header)
	if err != nil {
		return nil, buf, malformed(bodyStart, "%s", err)
	}

	bodyEnd := bodyStart + length
	if len(buf) < bodyEnd {
		return nil, buf, ErrNeedMoreData
	}
	body := buf[bodyStart:bodyEnd]
	if !utf8.Valid(body) {
		return nil, buf, malformed(bodyEnd, "payload must be valid UTF-8")
	}
	if !json.Valid(body) {
		return nil, buf, malformed(bodyEnd, "invalid JSON payload")
	}
	return &Frame{Header: header, Body: clone(body)}, buf[bodyEnd:], nil
}

// DecodeAll returns every complete frame in buf and the incomplete tail.
// It stops at the first malformed frame and returns the frames decoded so far.
func DecodeAll(buf []byte) ([]*Frame, []byte, error) {
	var frames []*Frame
	for len(buf) > 0 {
		frame, rest, err := TryDecode(buf)
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		if err != nil {
			return frames, buf, err
		}
		frames = append(frames, frame)
		buf = rest
	}
	return frames, buf, nil
}

// DecodeExact decodes a buffer that must contain exactly one frame.
func DecodeExact(data []byte) (*Frame, error) {
	frame, rest, err := TryDecode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, malformed(len(data), "unexpected trailing bytes after frame")
	}
	return frame, nil
}

func decodeLine(buf []byte, start int) (*Frame, []byte, error) {
	nl := bytes.IndexByte(buf[start:], '\n')
	if nl < 0 {
		return nil, buf, ErrNeedMoreData
	}
	end := start + nl + 1
	line := bytes.TrimRight(buf[start:end], "\r\n")
	if !utf8.Valid(line) || !json.Valid(line) {
		return nil, buf, malformed(end, "invalid JSON payload")
	}
	return &Frame{Body: clone(line), Delimited: true}, buf[end:], nil
}

func parseHeader(block []byte) (map[string]string, error) {
	for _, b := range block {
		if b >= utf8.RuneSelf {
			return nil, errors.New("header block is not ASCII")
		}
	}
	header := make(map[string]string, 2)
	for _, line := range strings.Split(string(block), "\r\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, errors.New("header name cannot be empty")
		}
		if _, dup := header[name]; dup {
			return nil, fmt.Errorf("duplicate header %q", name)
		}
		header[name] = strings.TrimSpace(value)
	}
	return header, nil
}

func contentLength(header map[string]string) (int, error) {
	raw, ok := header[strings.ToLower(HeaderContentLength)]
	if !ok {
		return 0, errors.New("missing Content-Length header")
	}
	if raw == "" || strings.TrimLeft(raw, "0123456789") != "" {
		return 0, errors.New("Content-Length must be a non-negative integer")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n > MaxContentLength {
		return 0, fmt.Errorf("Content-Length %s exceeds limit %d", raw, MaxContentLength)
	}
	return n, nil
}

// skipBlank returns the offset of the first byte that is not part of a
// leading blank line.
func skipBlank(buf []byte) int {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return i
		}
	}
	return i
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
