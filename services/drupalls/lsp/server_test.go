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
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DrupalLS/services/drupalls/capability"
	"github.com/AleutianAI/DrupalLS/services/drupalls/workspace"
)

// fakeBackend records what the server asks of it.
type fakeBackend struct {
	mu        sync.Mutex
	publisher Publisher
	changed   map[string]string
	closed    []string
	queries   []capability.Query
	closes    int
	diags     map[string][]workspace.Diagnostic
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{changed: map[string]string{}, diags: map[string][]workspace.Diagnostic{}}
}

func (b *fakeBackend) DocumentChanged(_ context.Context, path string, text []byte) error {
	b.mu.Lock()
	b.changed[path] = string(text)
	diags, ok := b.diags[path]
	b.mu.Unlock()
	if ok {
		b.publisher.Publish(path, diags)
	}
	return nil
}

func (b *fakeBackend) DocumentClosed(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, path)
	return nil
}

func (b *fakeBackend) record(q capability.Query) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, q)
}

func (b *fakeBackend) Complete(_ context.Context, q capability.Query) capability.CompletionResult {
	b.record(q)
	return capability.CompletionResult{
		State: capability.StateResultsReady,
		Items: []capability.CompletionItem{
			{Label: "logger.factory", Detail: `Drupal\Core\Logger\LoggerChannelFactory`, InsertText: "logger.factory", Kind: capability.ItemService},
			{Label: "%app.root%", InsertText: "app.root%", Kind: capability.ItemParameter, Documentation: "`/var/www`"},
		},
	}
}

func (b *fakeBackend) Hover(_ context.Context, q capability.Query) (capability.Hover, bool) {
	b.record(q)
	if q.Position.Line != 0 {
		return capability.Hover{}, false
	}
	return capability.Hover{Detail: "service logger.factory", Documentation: "**Class:** `X`"}, true
}

func (b *fakeBackend) Definition(_ context.Context, q capability.Query) (capability.Location, bool) {
	b.record(q)
	return capability.Location{URI: "file:///ws/core/core.services.yml", Line: 5, Character: 2}, true
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

// harness runs a Server against an in-process client.
type harness struct {
	t        *testing.T
	client   *Conn
	input    *io.PipeWriter
	incoming chan *Message
	done     chan error
	backend  *fakeBackend
	roots    chan string
}

func newHarness(t *testing.T, factoryErr error) *harness {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	h := &harness{
		t:        t,
		client:   NewConn(clientReader, clientWriter),
		input:    clientWriter,
		incoming: make(chan *Message, 64),
		done:     make(chan error, 1),
		backend:  newFakeBackend(),
		roots:    make(chan string, 1),
	}
	factory := func(_ context.Context, root string, p Publisher) (Backend, error) {
		h.roots <- root
		if factoryErr != nil {
			return nil, factoryErr
		}
		h.backend.publisher = p
		return h.backend, nil
	}
	server := NewServer(NewConn(serverReader, serverWriter), factory, WithDefaultRoot("/default"), WithVersion("test"))

	go func() {
		h.done <- server.Serve(context.Background())
		_ = serverWriter.Close()
	}()
	go func() {
		for {
			msg, err := h.client.ReadMessage()
			if err != nil {
				close(h.incoming)
				return
			}
			h.incoming <- msg
		}
	}()
	t.Cleanup(func() { _ = clientWriter.Close() })
	return h
}

func (h *harness) send(msg Message) {
	h.t.Helper()
	msg.JSONRPC = JSONRPCVersion
	require.NoError(h.t, h.client.write(msg))
}

func (h *harness) notify(method string, params any) {
	h.t.Helper()
	data, err := json.Marshal(params)
	require.NoError(h.t, err)
	h.send(Message{Method: method, Params: data})
}

// call sends a request and waits for its response. Notifications that
// arrive first are returned as well.
func (h *harness) call(id int, method string, params any) (*Message, []*Message) {
	h.t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(h.t, err)
		raw = data
	}
	h.send(Message{ID: json.RawMessage(strconv.Itoa(id)), Method: method, Params: raw})

	var notes []*Message
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-h.incoming:
			require.True(h.t, ok, "connection closed while waiting for %s", method)
			if msg.Method != "" {
				notes = append(notes, msg)
				continue
			}
			require.JSONEq(h.t, strconv.Itoa(id), string(msg.ID))
			return msg, notes
		case <-timeout:
			h.t.Fatalf("no response to %s", method)
		}
	}
}

func (h *harness) initialize() {
	h.t.Helper()
	resp, _ := h.call(1, "initialize", InitializeParams{RootURI: "file:///srv/site"})
	require.Nil(h.t, resp.Error)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

func pos(uri string, line, char int) TextDocumentPositionParams {
	return TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     Position{Line: line, Character: char},
	}
}

func TestServer_Lifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.call(1, "textDocument/hover", pos("file:///srv/site/a.yml", 0, 0))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeServerNotInitialized, resp.Error.Code)

	resp, _ = h.call(2, "initialize", InitializeParams{RootURI: "file:///srv/my%20site"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "/srv/my site", <-h.roots)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.Capabilities.HoverProvider)
	assert.True(t, result.Capabilities.DefinitionProvider)
	assert.Equal(t, TextDocumentSyncKindFull, result.Capabilities.TextDocumentSync.Change)
	require.NotNil(t, result.Capabilities.CompletionProvider)
	assert.Contains(t, result.Capabilities.CompletionProvider.TriggerCharacters, "@")
	assert.Equal(t, ServerInfo{Name: "drupalls", Version: "test"}, result.ServerInfo)

	resp, _ = h.call(3, "initialize", InitializeParams{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	resp, _ = h.call(4, "workspace/symbol", map[string]string{"query": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)

	resp, _ = h.call(5, "shutdown", nil)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "null", string(resp.Result))
	assert.Equal(t, 1, h.backend.closes)

	resp, _ = h.call(6, "textDocument/hover", pos("file:///srv/site/a.yml", 0, 0))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)

	h.notify("exit", nil)
	assert.NoError(t, h.wait())
	assert.Equal(t, 1, h.backend.closes)
}

func TestServer_RootSelection(t *testing.T) {
	tests := []struct {
		name   string
		params InitializeParams
		want   string
	}{
		{"rootUri", InitializeParams{RootURI: "file:///a", RootPath: "/b"}, "/a"},
		{"folders", InitializeParams{WorkspaceFolders: []WorkspaceFolder{{URI: "file:///c"}}, RootPath: "/b"}, "/c"},
		{"rootPath", InitializeParams{RootPath: "/b/"}, "/b"},
		{"default", InitializeParams{}, "/default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			resp, _ := h.call(1, "initialize", tt.params)
			require.Nil(t, resp.Error)
			assert.Equal(t, tt.want, <-h.roots)
		})
	}
}

func TestServer_FactoryFailure(t *testing.T) {
	h := newHarness(t, errors.New("disk on fire"))

	resp, _ := h.call(1, "initialize", InitializeParams{RootURI: "file:///srv/site"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "disk on fire")

	resp, _ = h.call(2, "textDocument/completion", pos("file:///srv/site/a.php", 0, 0))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeServerNotInitialized, resp.Error.Code)
}

func TestServer_ExitWithoutShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	h.notify("exit", nil)
	assert.ErrorIs(t, h.wait(), ErrExitWithoutShutdown)
	assert.Equal(t, 1, h.backend.closes)
}

func TestServer_InputClosedWithoutShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()
	require.NoError(t, h.input.Close())
	assert.ErrorIs(t, h.wait(), io.ErrUnexpectedEOF)
}

func TestServer_MalformedMessageIsAnswered(t *testing.T) {
	h := newHarness(t, nil)

	_, err := io.WriteString(h.input, "Content-Length: 5\r\n\r\n{oops")
	require.NoError(t, err)

	select {
	case msg := <-h.incoming:
		require.NotNil(t, msg.Error)
		assert.Equal(t, CodeParseError, msg.Error.Code)
		assert.JSONEq(t, "null", string(msg.ID))
	case <-time.After(5 * time.Second):
		t.Fatal("no parse error response")
	}

	h.initialize()
}

func TestServer_DocumentSyncAndQueries(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	uri := "file:///srv/site/modules/foo/foo.services.yml"
	path := "/srv/site/modules/foo/foo.services.yml"

	h.notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: "yaml", Version: 1, Text: "v1"},
	})
	h.notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: "v2"}},
	})
	// Incremental edits are not negotiated and are ignored.
	h.notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{TextDocumentIdentifier: TextDocumentIdentifier{URI: uri}, Version: 3},
		ContentChanges: []TextDocumentContentChangeEvent{{Range: &Range{}, Text: "x"}},
	})

	resp, _ := h.call(2, "textDocument/completion", pos(uri, 3, 4))
	require.Nil(t, resp.Error)
	var list CompletionList
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.True(t, list.IsIncomplete)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "logger.factory", list.Items[0].Label)
	assert.Equal(t, CompletionItemKindModule, list.Items[0].Kind)
	assert.Nil(t, list.Items[0].Documentation)
	assert.Equal(t, CompletionItemKindConstant, list.Items[1].Kind)
	require.NotNil(t, list.Items[1].Documentation)
	assert.Equal(t, "markdown", list.Items[1].Documentation.Kind)

	h.backend.mu.Lock()
	assert.Equal(t, "v2", h.backend.changed[path])
	require.Len(t, h.backend.queries, 1)
	q := h.backend.queries[0]
	h.backend.mu.Unlock()
	assert.Equal(t, "v2", q.Text)
	assert.Equal(t, path, q.Path)
	assert.Equal(t, capability.Position{Line: 3, Character: 4}, q.Position)

	resp, _ = h.call(3, "textDocument/hover", pos(uri, 0, 1))
	require.Nil(t, resp.Error)
	var hover Hover
	require.NoError(t, json.Unmarshal(resp.Result, &hover))
	assert.Equal(t, "**service logger.factory**\n\n**Class:** `X`", hover.Contents.Value)

	resp, _ = h.call(4, "textDocument/hover", pos(uri, 9, 1))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "null", string(resp.Result))

	resp, _ = h.call(5, "textDocument/definition", pos(uri, 0, 1))
	require.Nil(t, resp.Error)
	var loc Location
	require.NoError(t, json.Unmarshal(resp.Result, &loc))
	assert.Equal(t, Location{
		URI:   "file:///ws/core/core.services.yml",
		Range: Range{Start: Position{Line: 5, Character: 2}, End: Position{Line: 5, Character: 2}},
	}, loc)

	text := "v4"
	h.notify("textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}, Text: &text})
	h.notify("textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})

	// A round trip guarantees the notifications were processed.
	_, _ = h.call(6, "textDocument/definition", pos(uri, 0, 1))
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	assert.Equal(t, "v4", h.backend.changed[path])
	assert.Equal(t, []string{path}, h.backend.closed)
}

func TestServer_QueryReadsClosedDocumentFromDisk(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	path := filepath.Join(t.TempDir(), "foo.services.yml")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0o644))

	resp, _ := h.call(2, "textDocument/completion", pos(capability.PathToURI(path), 0, 0))
	require.Nil(t, resp.Error)
	h.backend.mu.Lock()
	assert.Equal(t, "on disk", h.backend.queries[0].Text)
	h.backend.mu.Unlock()

	resp, _ = h.call(3, "textDocument/completion", pos(capability.PathToURI(filepath.Join(filepath.Dir(path), "missing.yml")), 0, 0))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestServer_PublishesDiagnostics(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize()

	uri := "file:///srv/site/broken.services.yml"
	path := "/srv/site/broken.services.yml"
	h.backend.mu.Lock()
	h.backend.diags[path] = []workspace.Diagnostic{{
		Path: path, Extractor: "services", Line: 3, Message: "mapping values are not allowed", Severity: workspace.SeverityError,
	}}
	h.backend.mu.Unlock()

	h.notify("textDocument/didOpen", DidOpenTextDocumentParams{TextDocument: TextDocumentItem{URI: uri, Text: "a: b: c"}})
	_, notes := h.call(2, "textDocument/hover", pos(uri, 0, 0))
	require.Len(t, notes, 1)
	assert.Equal(t, "textDocument/publishDiagnostics", notes[0].Method)

	var params PublishDiagnosticsParams
	require.NoError(t, json.Unmarshal(notes[0].Params, &params))
	assert.Equal(t, uri, params.URI)
	require.Len(t, params.Diagnostics, 1)
	d := params.Diagnostics[0]
	assert.Equal(t, Range{Start: Position{Line: 2}, End: Position{Line: 3}}, d.Range)
	assert.Equal(t, 1, d.Severity)
	assert.Equal(t, "drupalls/services", d.Source)
	assert.Equal(t, "mapping values are not allowed", d.Message)
}

func TestToLSPDiagnostic_WholeFile(t *testing.T) {
	d := toLSPDiagnostic(workspace.Diagnostic{Message: "unreadable", Severity: workspace.SeverityWarning})
	assert.Equal(t, Range{Start: Position{Line: 0}, End: Position{Line: 1}}, d.Range)
	assert.Equal(t, "drupalls", d.Source)
	assert.Equal(t, 2, d.Severity)
}
