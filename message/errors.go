package message

import "fmt"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application-defined codes live in the reserved server range.
const (
	CodeServerError    = -32000
	CodeRequestTimeout = -32001
	CodeRateLimited    = -32002

	serverErrorMin = -32099
	serverErrorMax = -32000
)

func IsServerErrorCode(code int) bool {
	return code >= serverErrorMin && code <= serverErrorMax
}

// Error is the JSON-RPC error object. It doubles as the Go error returned by
// handlers that want to choose their own code, and by the client when the
// remote side answers with an error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func (e *Error) WithData(data any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Data: data}
}

func ErrParse() *Error          { return NewError(CodeParseError, "Parse error") }
func ErrMethodNotFound() *Error { return NewError(CodeMethodNotFound, "Method not found") }
func ErrInvalidParams() *Error  { return NewError(CodeInvalidParams, "Invalid params") }
