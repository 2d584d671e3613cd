// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command docnode runs a document node: it stores operations, folds them
// into document views and serves materialized documents and paginated
// collections over HTTP.
//
// Usage:
//
//	docnode serve --config docnode.yaml
//	docnode migrate
//	docnode operations get <operation_id>
//	docnode operations by-document <document_id>
//	docnode operations by-schema <schema_id>
//	docnode views rebuild <document_id>
//
// Example requests:
//
//	# Health check
//	curl http://127.0.0.1:2020/v1/node/health
//
//	# First page of a collection
//	curl -X POST http://127.0.0.1:2020/v1/node/collections/<schema_id> \
//	  -H "Content-Type: application/json" \
//	  -d '{"first": 20, "order_by": "title"}'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
