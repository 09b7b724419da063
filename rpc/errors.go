// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "fmt"

// JSON-RPC 2.0 error codes. The −327xx/−326xx range is reserved for
// protocol and framework failures; CodeRuntimeError carries
// application-level failures raised by handlers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRuntimeError   = -32000
)

// Error is a JSON-RPC error object. Handlers return *Error to choose
// their own code; any other error they return is surfaced as
// CodeRuntimeError with its message preserved.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: %d %s", e.Code, e.Message)
}

// Errorf builds an application runtime error (CodeRuntimeError).
func Errorf(format string, args ...any) *Error {
	return &Error{Code: CodeRuntimeError, Message: fmt.Sprintf(format, args...)}
}

func errorWithCode(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
