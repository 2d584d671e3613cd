// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package materializer

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/docnode/services/node/operation"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("document not found")

	// ErrDepthExceeded is returned when relations nest deeper than MaxDepth.
	ErrDepthExceeded = errors.New("relation depth exceeded")
)

// NotFoundError names a document that a relation points at but the
// provider does not hold.
//
// Exactly one of DocumentID and ViewID is set. Field is empty when the
// missing document was the one requested directly.
type NotFoundError struct {
	DocumentID operation.DocumentID
	ViewID     operation.DocumentViewID
	Field      string
}

func (e *NotFoundError) Error() string {
	target := "document " + string(e.DocumentID)
	if e.ViewID != "" {
		target = "document view " + string(e.ViewID)
	}
	if e.Field == "" {
		return fmt.Sprintf("%s not found", target)
	}
	return fmt.Sprintf("%s referenced by field %q not found", target, e.Field)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
