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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// maxMessageSize bounds a single message body.
const maxMessageSize = 64 * 1024 * 1024

// Conn reads and writes Content-Length framed JSON-RPC messages.
//
// Description:
//
//	Implements the LSP base protocol. Each message is a header block
//	terminated by an empty line, followed by exactly Content-Length bytes
//	of JSON.
//
// Thread Safety:
//
//	ReadMessage must be called from a single goroutine. The write methods
//	are safe for concurrent use.
type Conn struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewConn creates a connection reading from r and writing to w.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{reader: bufio.NewReader(r), writer: w}
}

// ReadMessage reads one message.
//
// Outputs:
//
//	*Message - The decoded message.
//	error - io.EOF at a clean end of stream, ErrInvalidHeader for bad
//	        framing, or a wrapped JSON error (code CodeParseError).
func (c *Conn) ReadMessage() (*Message, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("%w: Content-Length %q", ErrInvalidHeader, value)
			}
			if n < 0 || n > maxMessageSize {
				return nil, fmt.Errorf("%w: Content-Length %d out of range", ErrInvalidHeader, n)
			}
			contentLength = n
		}
		// Other headers (Content-Type) are ignored.
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("%w: missing or zero Content-Length", ErrInvalidHeader)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, newResponseError(CodeParseError, err, "parse message: %v", err)
	}
	return &msg, nil
}

// Reply sends a successful response for request id.
func (c *Conn) Reply(id json.RawMessage, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return c.ReplyError(id, newResponseError(CodeInternalError, err, "marshal result: %v", err))
	}
	return c.write(Message{JSONRPC: JSONRPCVersion, ID: responseID(id), Result: data})
}

// ReplyError sends an error response for request id.
func (c *Conn) ReplyError(id json.RawMessage, rerr *ResponseError) error {
	return c.write(Message{JSONRPC: JSONRPCVersion, ID: responseID(id), Error: rerr})
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.write(Message{JSONRPC: JSONRPCVersion, Method: method, Params: data})
}

// Close marks the connection closed. Later writes return ErrConnClosed.
// The underlying reader and writer are not closed.
func (c *Conn) Close() {
	c.closed.Store(true)
}

// responseID echoes id; a response to an unidentifiable request carries
// a null id.
func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// write marshals and writes a message with Content-Length header.
func (c *Conn) write(msg Message) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := fmt.Fprintf(c.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}
