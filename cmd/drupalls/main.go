// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command drupalls is a language server for Drupal workspaces.
//
// It indexes the services, parameters and PSR-4 classes a Drupal site
// declares and answers completion, hover and definition requests over
// the Language Server Protocol on stdin/stdout.
//
// Usage:
//
//	drupalls serve                       # LSP over stdio, root from the client
//	drupalls serve --debug-addr :7070    # plus the debug HTTP API
//	drupalls index /var/www/site         # build the index and print a summary
//	drupalls resolve 'Drupal\node\Entity\Node' --root /var/www/site
//
// Example debug requests:
//
//	curl http://localhost:7070/v1/drupalls/stats | jq
//	curl 'http://localhost:7070/v1/drupalls/facts?kind=service&q=logger'
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "drupalls: %v\n", err)
		os.Exit(1)
	}
}
