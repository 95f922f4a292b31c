package dispatch

import "fmt"

// Stable error codes surfaced to callers. The HTTP boundary maps them to
// status codes; messages never carry credentials or other owners' data.
const (
	CodeAuthMissing  = "auth_missing"
	CodeAuthInvalid  = "auth_invalid"
	CodeAccessDenied = "access_denied"
	CodeInvalid      = "invalid_request"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// Error is a well-formed caller-facing failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errAuthMissing() *Error {
	return &Error{Code: CodeAuthMissing, Message: "missing bearer credential"}
}

func errAuthInvalid() *Error {
	return &Error{Code: CodeAuthInvalid, Message: "invalid bearer credential"}
}

func errAccessDenied() *Error {
	return &Error{Code: CodeAccessDenied, Message: "conversation belongs to another owner"}
}

func errInvalid(msg string) *Error {
	return &Error{Code: CodeInvalid, Message: msg}
}

func errInternal() *Error {
	return &Error{Code: CodeInternal, Message: "internal error"}
}
