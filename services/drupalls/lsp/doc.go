// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp serves the DrupalLS index over the Language Server Protocol.
//
// The package is a thin stdio adapter. It frames JSON-RPC messages, keeps the
// text of open documents, and translates requests into capability queries
// against a Backend created when the client sends initialize.
//
// # Architecture
//
//	┌──────────┐  Content-Length  ┌────────┐  Query   ┌─────────────────┐
//	│  editor  │ ───────────────► │ Server │ ───────► │ Backend         │
//	│          │ ◄─────────────── │ (Conn) │ ◄─────── │ (workspace      │
//	└──────────┘  publishDiag.    └────────┘ Reporter │  session)       │
//	                                                  └─────────────────┘
//
// # Components
//
//   - Conn: Content-Length framed JSON-RPC 2.0 reading and writing
//   - Server: request dispatch, document store, lifecycle state
//   - Backend: the index behind the server, built by a Factory
//
// # Thread Safety
//
// Server processes messages one at a time in the order received, so a
// didChange is always indexed before a completion that follows it.
// Diagnostics may be published from any goroutine.
package lsp
