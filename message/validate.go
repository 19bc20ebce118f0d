package message

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Kind classifies a validation failure so callers can pick the wire error code.
type Kind int

const (
	InvalidRequest Kind = iota
	InvalidParams
)

func (k Kind) Code() int {
	if k == InvalidParams {
		return CodeInvalidParams
	}
	return CodeInvalidRequest
}

func (k Kind) String() string {
	if k == InvalidParams {
		return "invalid params"
	}
	return "invalid request"
}

// ValidationError reports why a message does not have a JSON-RPC 2.0 shape.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func newValidationError(kind Kind, reason string) *ValidationError {
	return &ValidationError{Kind: kind, Reason: reason}
}

func (e *ValidationError) Error() string {
	return e.Kind.String() + ": " + e.Reason
}

// RPCError converts the failure into the error object sent on the wire.
func (e *ValidationError) RPCError() *Error {
	return NewError(e.Kind.Code(), e.Reason)
}

// Validate checks m against the request, notification and response shapes.
// Rules are applied in order: version, then request fields if "method" is
// present, otherwise response fields.
func Validate(m Message) error {
	var version string
	if raw, ok := m["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != Version {
		return newValidationError(InvalidRequest, "JSON-RPC version must be '2.0'")
	}

	if raw, ok := m["method"]; ok {
		var method string
		if kindOf(raw) != '"' || json.Unmarshal(raw, &method) != nil || method == "" {
			return newValidationError(InvalidRequest, "JSON-RPC method must be a non-empty string")
		}
		if params, ok := m["params"]; ok {
			if k := kindOf(params); k != '{' && k != '[' {
				return newValidationError(InvalidParams, "JSON-RPC params must be an array or object")
			}
		}
		if id, ok := m["id"]; ok && !validID(id) {
			return newValidationError(InvalidRequest, "JSON-RPC id has an invalid type")
		}
		return nil
	}

	_, hasResult := m["result"]
	rawErr, hasError := m["error"]
	if hasResult == hasError {
		return newValidationError(InvalidRequest, "JSON-RPC response must contain exactly one of result or error")
	}
	if id, ok := m["id"]; !ok || !validID(id) {
		return newValidationError(InvalidRequest, "JSON-RPC response id is missing or invalid")
	}
	if hasError {
		return validateErrorObject(rawErr)
	}
	return nil
}

func validateErrorObject(raw json.RawMessage) error {
	if kindOf(raw) != '{' {
		return newValidationError(InvalidRequest, "JSON-RPC error must be an object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return newValidationError(InvalidRequest, "JSON-RPC error must be an object")
	}
	if _, err := strconv.ParseInt(string(bytes.TrimSpace(fields["code"])), 10, 64); err != nil {
		return newValidationError(InvalidRequest, "JSON-RPC error code must be an integer")
	}
	if kindOf(fields["message"]) != '"' {
		return newValidationError(InvalidRequest, "JSON-RPC error message must be a string")
	}
	return nil
}

// validID accepts null, strings and numbers. Booleans are rejected explicitly.
func validID(raw json.RawMessage) bool {
	switch kindOf(raw) {
	case 'n', '"', '0':
		return true
	default:
		return false
	}
}

// kindOf returns the leading token class of a JSON value:
// '{', '[', '"', 'n' (null), 'b' (boolean), '0' (number), or 0 when empty.
func kindOf(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	switch c := trimmed[0]; {
	case c == '{', c == '[', c == '"', c == 'n':
		return c
	case c == 't', c == 'f':
		return 'b'
	case c == '-', c >= '0' && c <= '9':
		return '0'
	default:
		return 0
	}
}
