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
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(body string) string {
	return "Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestConn_ReadMessage(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantMethod string
		wantErr    error
		wantCode   int
	}{
		{
			name:       "request",
			input:      frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`),
			wantMethod: "initialize",
		},
		{
			name:       "extra headers and lowercase name",
			input:      "content-length: 40\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n" + `{"jsonrpc":"2.0","method":"initialized"}`,
			wantMethod: "initialized",
		},
		{
			name:    "missing length",
			input:   "Content-Type: x\r\n\r\n{}",
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "bad length",
			input:   "Content-Length: ten\r\n\r\n{}",
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "negative length",
			input:   "Content-Length: -4\r\n\r\n{}",
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "header without colon",
			input:   "garbage\r\n\r\n{}",
			wantErr: ErrInvalidHeader,
		},
		{
			name:     "body is not json",
			input:    frame(`{"jsonrpc":`),
			wantCode: CodeParseError,
		},
		{
			name:    "clean end of stream",
			input:   "",
			wantErr: io.EOF,
		},
		{
			name:    "truncated body",
			input:   "Content-Length: 100\r\n\r\n{}",
			wantErr: io.ErrUnexpectedEOF,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConn(strings.NewReader(tt.input), io.Discard)
			msg, err := c.ReadMessage()
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantCode != 0:
				var rerr *ResponseError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, tt.wantCode, rerr.Code)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantMethod, msg.Method)
			}
		})
	}
}

func TestConn_ReadsConsecutiveMessages(t *testing.T) {
	input := frame(`{"jsonrpc":"2.0","id":"a","method":"shutdown"}`) + frame(`{"jsonrpc":"2.0","method":"exit"}`)
	c := NewConn(strings.NewReader(input), io.Discard)

	first, err := c.ReadMessage()
	require.NoError(t, err)
	assert.True(t, first.IsRequest())
	assert.JSONEq(t, `"a"`, string(first.ID))

	second, err := c.ReadMessage()
	require.NoError(t, err)
	assert.True(t, second.IsNotification())
	assert.Equal(t, "exit", second.Method)

	_, err = c.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_Write(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(strings.NewReader(""), &buf)

	require.NoError(t, c.Reply(json.RawMessage(`7`), map[string]int{"n": 1}))
	require.NoError(t, c.ReplyError(nil, &ResponseError{Code: CodeMethodNotFound, Message: "nope"}))
	require.NoError(t, c.Notify("window/logMessage", map[string]string{"message": "hi"}))

	reader := NewConn(&buf, io.Discard)

	reply, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `7`, string(reply.ID))
	assert.JSONEq(t, `{"n":1}`, string(reply.Result))

	errReply, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(errReply.ID))
	require.NotNil(t, errReply.Error)
	assert.True(t, errReply.Error.IsMethodNotFound())

	note, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "window/logMessage", note.Method)
	assert.Empty(t, note.ID)
}

func TestConn_WriteHeaderFormat(t *testing.T) {
	var buf bytes.Buffer
	c := NewConn(strings.NewReader(""), &buf)
	require.NoError(t, c.Reply(json.RawMessage(`1`), nil))

	header, body, ok := strings.Cut(buf.String(), "\r\n\r\n")
	require.True(t, ok)
	assert.Equal(t, "Content-Length: "+itoa(len(body)), header)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":null}`, body)
}

func TestConn_Closed(t *testing.T) {
	c := NewConn(strings.NewReader(""), io.Discard)
	c.Close()
	assert.ErrorIs(t, c.Notify("x", nil), ErrConnClosed)
}

func TestResponseError(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := newResponseError(CodeInternalError, cause, "boom %d", 1)
	assert.Equal(t, "lsp error -32603: boom 1", err.Error())
	assert.ErrorIs(t, err, cause)

	withData := &ResponseError{Code: 1, Message: "m", Data: "d"}
	assert.Equal(t, "lsp error 1: m (data: d)", withData.Error())

	assert.Same(t, err, asResponseError(err))
	wrapped := asResponseError(io.EOF)
	assert.Equal(t, CodeInternalError, wrapped.Code)
}
