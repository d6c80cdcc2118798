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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AleutianAI/DrupalLS/services/drupalls/capability"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

// Backend is the index behind a Server.
//
// The workspace session implements it. Document text passed in is the
// editor's current buffer. The backend keeps it in the index in place of
// the file on disk, ignoring watcher deliveries for that path, until the
// document is closed.
type Backend interface {
	// DocumentChanged indexes the current text of an open document.
	DocumentChanged(ctx context.Context, path string, text []byte) error

	// DocumentClosed re-syncs path with the file on disk.
	DocumentClosed(ctx context.Context, path string) error

	Complete(ctx context.Context, q capability.Query) capability.CompletionResult
	Hover(ctx context.Context, q capability.Query) (capability.Hover, bool)
	Definition(ctx context.Context, q capability.Query) (capability.Location, bool)

	// Close releases the backend. Called once, on shutdown or exit.
	Close() error
}

// Publisher receives diagnostics for a file. An empty list clears them.
type Publisher interface {
	Publish(path string, diagnostics []workspace.Diagnostic)
}

// Factory builds the Backend for the workspace root sent by the client.
// Diagnostics found while indexing go to publisher.
type Factory func(ctx context.Context, root string, publisher Publisher) (Backend, error)

type serverState int

const (
	stateUninitialized serverState = iota
	stateRunning
	stateShutdown
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultRoot sets the root used when initialize names none.
func WithDefaultRoot(root string) ServerOption {
	return func(s *Server) { s.defaultRoot = root }
}

// WithVersion sets the version reported in serverInfo.
func WithVersion(version string) ServerOption {
	return func(s *Server) { s.version = version }
}

// Server is a DrupalLS language server over one connection.
//
// Thread Safety:
//
//	Serve must be called once. Publish is safe for concurrent use.
type Server struct {
	conn        *Conn
	factory     Factory
	logger      *slog.Logger
	defaultRoot string
	version     string

	// Owned by the Serve goroutine.
	state   serverState
	backend Backend
	docs    map[string]string
}

// NewServer creates a server reading and writing conn.
func NewServer(conn *Conn, factory Factory, opts ...ServerOption) *Server {
	s := &Server{
		conn:    conn,
		factory: factory,
		logger:  slog.Default(),
		version: "dev",
		docs:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve handles messages until exit or end of input.
//
// Description:
//
//	Messages are handled one at a time in arrival order. Serve returns
//	after the exit notification, when the stream ends, or when the
//	framing is corrupt. The backend is closed before returning.
//
// Inputs:
//
//	ctx - Passed to the backend. Checked between messages; a blocked read
//	      is only interrupted by closing the input.
//
// Outputs:
//
//	error - nil after shutdown followed by exit or end of input,
//	        ErrExitWithoutShutdown, io.ErrUnexpectedEOF when the client
//	        went away without shutdown, or a read error.
func (s *Server) Serve(ctx context.Context) error {
	defer s.closeBackend()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.state == stateShutdown {
					return nil
				}
				return io.ErrUnexpectedEOF
			}
			var rerr *ResponseError
			if errors.As(err, &rerr) {
				s.logger.Warn("lsp: malformed message", slog.String("error", err.Error()))
				_ = s.conn.ReplyError(nil, rerr)
				continue
			}
			return fmt.Errorf("read message: %w", err)
		}

		if msg.Method == "exit" {
			if s.state == stateShutdown {
				return nil
			}
			return ErrExitWithoutShutdown
		}

		switch {
		case msg.IsRequest():
			s.handleRequest(ctx, msg)
		case msg.IsNotification():
			s.handleNotification(ctx, msg)
		default:
			// Responses to server-initiated requests; none are sent.
		}
	}
}

// Publish implements Publisher by sending textDocument/publishDiagnostics.
func (s *Server) Publish(path string, diagnostics []workspace.Diagnostic) {
	params := PublishDiagnosticsParams{
		URI:         capability.PathToURI(path),
		Diagnostics: make([]Diagnostic, 0, len(diagnostics)),
	}
	for _, d := range diagnostics {
		params.Diagnostics = append(params.Diagnostics, toLSPDiagnostic(d))
	}
	if err := s.conn.Notify("textDocument/publishDiagnostics", params); err != nil {
		s.logger.Debug("lsp: publish diagnostics failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	recordDiagnosticsPublished(context.Background(), len(diagnostics) == 0)
}

func (s *Server) handleRequest(ctx context.Context, msg *Message) {
	ctx, span := startMessageSpan(ctx, msg.Method)
	start := time.Now()

	result, rerr := s.dispatch(ctx, msg)
	if rerr != nil {
		if err := s.conn.ReplyError(msg.ID, rerr); err != nil {
			s.logger.Warn("lsp: reply failed", slog.String("method", msg.Method), slog.String("error", err.Error()))
		}
	} else if err := s.conn.Reply(msg.ID, result); err != nil {
		s.logger.Warn("lsp: reply failed", slog.String("method", msg.Method), slog.String("error", err.Error()))
	}

	endMessageSpan(span, rerr)
	recordMessage(ctx, msg.Method, outcomeOf(rerr), time.Since(start))
}

func (s *Server) dispatch(ctx context.Context, msg *Message) (any, *ResponseError) {
	if msg.Method == "initialize" {
		return s.initialize(ctx, msg.Params)
	}
	switch s.state {
	case stateUninitialized:
		return nil, newResponseError(CodeServerNotInitialized, nil, "server not initialized")
	case stateShutdown:
		return nil, newResponseError(CodeInvalidRequest, nil, "server is shutting down")
	}

	switch msg.Method {
	case "shutdown":
		s.state = stateShutdown
		s.closeBackend()
		return nil, nil
	case "textDocument/completion":
		q, rerr := s.query(msg.Params)
		if rerr != nil {
			return nil, rerr
		}
		return toLSPCompletion(s.backend.Complete(ctx, q)), nil
	case "textDocument/hover":
		q, rerr := s.query(msg.Params)
		if rerr != nil {
			return nil, rerr
		}
		h, ok := s.backend.Hover(ctx, q)
		if !ok {
			return nil, nil
		}
		return toLSPHover(h), nil
	case "textDocument/definition":
		q, rerr := s.query(msg.Params)
		if rerr != nil {
			return nil, rerr
		}
		loc, ok := s.backend.Definition(ctx, q)
		if !ok {
			return nil, nil
		}
		return toLSPLocation(loc), nil
	default:
		return nil, newResponseError(CodeMethodNotFound, nil, "method not found: %s", msg.Method)
	}
}

func (s *Server) initialize(ctx context.Context, raw json.RawMessage) (any, *ResponseError) {
	if s.state != stateUninitialized {
		return nil, newResponseError(CodeInvalidRequest, nil, "initialize sent twice")
	}
	var params InitializeParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, asResponseError(err)
	}
	root := s.rootOf(params)
	if root == "" {
		return nil, newResponseError(CodeInvalidParams, nil, "no workspace root")
	}

	backend, err := s.factory(ctx, root, s)
	if err != nil {
		s.logger.Error("lsp: workspace setup failed", slog.String("root", root), slog.String("error", err.Error()))
		return nil, newResponseError(CodeInternalError, err, "open workspace %s: %v", root, err)
	}
	s.backend = backend
	s.state = stateRunning
	s.logger.Info("lsp: initialized", slog.String("root", root))

	return InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync: TextDocumentSyncOptions{
				OpenClose: true,
				Change:    TextDocumentSyncKindFull,
				Save:      SaveOptions{IncludeText: true},
			},
			CompletionProvider: &CompletionOptions{TriggerCharacters: []string{"'", `"`, "@", "%", `\`, ":"}},
			HoverProvider:      true,
			DefinitionProvider: true,
		},
		ServerInfo: ServerInfo{Name: "drupalls", Version: s.version},
	}, nil
}

// rootOf picks rootUri, then the first workspace folder, then rootPath,
// then the configured default.
func (s *Server) rootOf(p InitializeParams) string {
	switch {
	case p.RootURI != "":
		return capability.URIToPath(p.RootURI)
	case len(p.WorkspaceFolders) > 0:
		return capability.URIToPath(p.WorkspaceFolders[0].URI)
	case p.RootPath != "":
		return filepath.Clean(p.RootPath)
	default:
		return s.defaultRoot
	}
}

func (s *Server) handleNotification(ctx context.Context, msg *Message) {
	if s.state != stateRunning {
		return
	}
	start := time.Now()
	var err error

	switch msg.Method {
	case "textDocument/didOpen":
		var p DidOpenTextDocumentParams
		if err = unmarshalParams(msg.Params, &p); err == nil {
			err = s.documentChanged(ctx, p.TextDocument.URI, p.TextDocument.Text)
		}
	case "textDocument/didChange":
		var p DidChangeTextDocumentParams
		if err = unmarshalParams(msg.Params, &p); err == nil {
			text, ok := fullText(p.ContentChanges)
			if !ok {
				err = fmt.Errorf("incremental change for %s; full sync was negotiated", p.TextDocument.URI)
				break
			}
			err = s.documentChanged(ctx, p.TextDocument.URI, text)
		}
	case "textDocument/didSave":
		var p DidSaveTextDocumentParams
		if err = unmarshalParams(msg.Params, &p); err == nil && p.Text != nil {
			err = s.documentChanged(ctx, p.TextDocument.URI, *p.Text)
		}
	case "textDocument/didClose":
		var p DidCloseTextDocumentParams
		if err = unmarshalParams(msg.Params, &p); err == nil {
			delete(s.docs, p.TextDocument.URI)
			err = s.backend.DocumentClosed(ctx, capability.URIToPath(p.TextDocument.URI))
		}
	default:
		// initialized, $/cancelRequest, $/setTrace and anything else we do
		// not act on.
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn("lsp: notification failed", slog.String("method", msg.Method), slog.String("error", err.Error()))
	}
	recordMessage(ctx, msg.Method, outcome, time.Since(start))
}

func (s *Server) documentChanged(ctx context.Context, uri, text string) error {
	s.docs[uri] = text
	return s.backend.DocumentChanged(ctx, capability.URIToPath(uri), []byte(text))
}

// query builds a capability query. Documents that are not open are read
// from disk.
func (s *Server) query(raw json.RawMessage) (capability.Query, *ResponseError) {
	var p TextDocumentPositionParams
	if err := unmarshalParams(raw, &p); err != nil {
		return capability.Query{}, asResponseError(err)
	}
	path := capability.URIToPath(p.TextDocument.URI)
	text, ok := s.docs[p.TextDocument.URI]
	if !ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return capability.Query{}, newResponseError(CodeInvalidParams, err, "document %s is not open and cannot be read", p.TextDocument.URI)
		}
		text = string(data)
	}
	return capability.Query{
		URI:      p.TextDocument.URI,
		Path:     path,
		Text:     text,
		Position: capability.Position{Line: p.Position.Line, Character: p.Position.Character},
	}, nil
}

func (s *Server) closeBackend() {
	if s.backend == nil {
		return
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("lsp: backend close failed", slog.String("error", err.Error()))
	}
	s.backend = nil
}

// fullText returns the document text after a full-sync change list.
func fullText(changes []TextDocumentContentChangeEvent) (string, bool) {
	if len(changes) == 0 {
		return "", false
	}
	last := changes[len(changes)-1]
	if last.Range != nil {
		return "", false
	}
	return last.Text, true
}

// unmarshalParams decodes raw into v. Failures are *ResponseError with
// CodeInvalidParams.
func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newResponseError(CodeInvalidParams, err, "invalid params: %v", err)
	}
	return nil
}

func outcomeOf(rerr *ResponseError) string {
	if rerr == nil {
		return "ok"
	}
	return strconv.Itoa(rerr.Code)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLSPCompletion(r capability.CompletionResult) CompletionList {
	list := CompletionList{Items: make([]CompletionItem, 0, len(r.Items))}
	for _, it := range r.Items {
		item := CompletionItem{
			Label:      it.Label,
			Kind:       lspItemKind(it.Kind),
			Detail:     it.Detail,
			InsertText: it.InsertText,
		}
		if it.Documentation != "" {
			item.Documentation = &MarkupContent{Kind: "markdown", Value: it.Documentation}
		}
		list.Items = append(list.Items, item)
	}
	// Filtering happens here, not in the client, so the client must ask
	// again as the prefix grows.
	list.IsIncomplete = len(list.Items) > 0
	return list
}

func lspItemKind(k capability.ItemKind) int {
	switch k {
	case capability.ItemService:
		return CompletionItemKindModule
	case capability.ItemParameter:
		return CompletionItemKindConstant
	case capability.ItemClass:
		return CompletionItemKindClass
	default:
		return 0
	}
}

func toLSPHover(h capability.Hover) Hover {
	value := h.Documentation
	if h.Detail != "" {
		value = "**" + h.Detail + "**\n\n" + value
	}
	return Hover{Contents: MarkupContent{Kind: "markdown", Value: value}}
}

func toLSPLocation(l capability.Location) Location {
	pos := Position{Line: l.Line, Character: l.Character}
	return Location{URI: l.URI, Range: Range{Start: pos, End: pos}}
}

// toLSPDiagnostic converts a 1-indexed index diagnostic into a whole-line
// LSP range.
func toLSPDiagnostic(d workspace.Diagnostic) Diagnostic {
	line := d.Line - 1
	if line < 0 {
		line = 0
	}
	source := "drupalls"
	if d.Extractor != "" {
		source += "/" + d.Extractor
	}
	return Diagnostic{
		Range: Range{
			Start: Position{Line: line},
			End:   Position{Line: line + 1},
		},
		Severity: int(d.Severity),
		Source:   source,
		Message:  d.Message,
	}
}
