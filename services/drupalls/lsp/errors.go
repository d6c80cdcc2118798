// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection and server lifecycle.
var (
	// ErrConnClosed is returned when writing to a closed connection.
	ErrConnClosed = errors.New("lsp connection closed")

	// ErrExitWithoutShutdown is returned by Serve when the client sent
	// exit before shutdown.
	ErrExitWithoutShutdown = errors.New("exit received before shutdown")

	// ErrInvalidHeader indicates a malformed message header.
	ErrInvalidHeader = errors.New("invalid message header")
)

// JSON-RPC and LSP error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
)

// ResponseError is a JSON-RPC error object.
//
// It is both the wire type of Message.Error and a Go error, so handlers can
// return it directly to choose the code sent to the client.
type ResponseError struct {
	// Code is the JSON-RPC error code.
	Code int `json:"code"`

	// Message is a short description of the error.
	Message string `json:"message"`

	// Data contains optional additional information.
	Data any `json:"data,omitempty"`

	// cause is the underlying error, if any. Never serialized.
	cause error
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("lsp error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("lsp error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ResponseError) Unwrap() error {
	return e.cause
}

// IsMethodNotFound returns true if the method is not supported.
func (e *ResponseError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

func newResponseError(code int, cause error, format string, args ...any) *ResponseError {
	return &ResponseError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// asResponseError converts any handler error to a ResponseError, keeping
// the code of one that already is.
func asResponseError(err error) *ResponseError {
	var re *ResponseError
	if errors.As(err, &re) {
		return re
	}
	return newResponseError(CodeInternalError, err, "%v", err)
}
