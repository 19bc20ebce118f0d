// Package message defines the JSON-RPC 2.0 envelopes exchanged over the bridge.
//
// Every frame body is one of three shapes:
//
//   - Request:      {"jsonrpc":"2.0","id":1,"method":"bridge.ping","params":{}}
//   - Notification: a Request without "id"; it never receives a response
//   - Response:     {"jsonrpc":"2.0","id":1,"result":{...}} or {..."error":{...}}
//
// Incoming bodies are kept as a Message (field name → raw JSON) so that
// field presence survives decoding: "id":null and a missing id mean different
// things. Outgoing envelopes are built from Request and Response.
package message

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Message is a decoded JSON-RPC object with field presence preserved.
type Message map[string]json.RawMessage

// Parse decodes a frame body into a Message.
// A body that is valid JSON but not an object is an invalid request.
func Parse(body []byte) (Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newValidationError(InvalidRequest, "JSON-RPC payload must be an object")
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, newValidationError(InvalidRequest, "JSON-RPC payload must be an object")
	}
	if m == nil {
		m = Message{}
	}
	return m, nil
}

func (m Message) Has(field string) bool {
	_, ok := m[field]
	return ok
}

// IsRequest reports whether m carries a method (request or notification).
func (m Message) IsRequest() bool {
	return m.Has("method")
}

// IsNotification reports whether m is a request without an id.
func (m Message) IsNotification() bool {
	return m.IsRequest() && !m.Has("id")
}

// Method returns the method name, or "" when absent or not a string.
func (m Message) Method() string {
	var method string
	if raw, ok := m["method"]; ok {
		_ = json.Unmarshal(raw, &method)
	}
	return method
}

// RecoverID returns the id when it is present and well-typed, else a null id.
// It is used to address error responses for messages that failed validation.
func (m Message) RecoverID() ID {
	raw, ok := m["id"]
	if !ok || !validID(raw) {
		return NullID()
	}
	return ID{raw: bytes.TrimSpace(raw)}
}

// Request converts a validated request message into its envelope.
func (m Message) Request() *Request {
	req := &Request{JSONRPC: Version, Method: m.Method(), Params: m["params"]}
	if raw, ok := m["id"]; ok {
		id := ID{raw: bytes.TrimSpace(raw)}
		req.ID = &id
	}
	return req
}

// Response converts a validated response message into its envelope.
func (m Message) Response() *Response {
	resp := &Response{JSONRPC: Version, ID: ID{raw: bytes.TrimSpace(m["id"])}}
	if raw, ok := m["result"]; ok {
		resp.Result = raw
	}
	if raw, ok := m["error"]; ok {
		var e Error
		if err := json.Unmarshal(raw, &e); err == nil {
			resp.Error = &e
		}
	}
	return resp
}

// Request is an outgoing request or notification. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func NewResult(id ID, result json.RawMessage) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// ID is a request identifier: a JSON string, number, or null.
// The zero value marshals as null.
type ID struct {
	raw json.RawMessage
}

func NumberID(n uint64) ID {
	return ID{raw: json.RawMessage(strconv.FormatUint(n, 10))}
}

func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

func NullID() ID {
	return ID{raw: json.RawMessage("null")}
}

func (id ID) IsNull() bool {
	return len(id.raw) == 0 || string(id.raw) == "null"
}

func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}
	return string(id.raw)
}

// Key is a canonical form usable as a map key: numerically equal ids share a key.
func (id ID) Key() string {
	if id.IsNull() {
		return "null"
	}
	switch c := id.raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return "s:" + s
		}
	case c == '-' || (c >= '0' && c <= '9'):
		if f, err := strconv.ParseFloat(string(id.raw), 64); err == nil {
			return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return "r:" + string(id.raw)
}

func (id ID) Equal(other ID) bool {
	return id.Key() == other.Key()
}

func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], bytes.TrimSpace(data)...)
	return nil
}

// Outcome is what a dispatched request produced.
// Terminate asks the transport loop to stop after the response is flushed.
type Outcome struct {
	Result    json.RawMessage
	Terminate bool
}
