// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package operation

import "errors"

// Sentinel errors for operation values and identifiers.
var (
	// ErrInvalidHash indicates a malformed content hash.
	ErrInvalidHash = errors.New("invalid hash")

	// ErrInvalidPublicKey indicates a malformed author key.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidViewID indicates a malformed document view id.
	ErrInvalidViewID = errors.New("invalid document view id")

	// ErrInvalidSchemaID indicates a malformed schema id.
	ErrInvalidSchemaID = errors.New("invalid schema id")

	// ErrUnknownFieldType indicates a field type tag outside the known set.
	ErrUnknownFieldType = errors.New("unknown field type")

	// ErrUnknownAction indicates an action outside create, update and delete.
	ErrUnknownAction = errors.New("unknown operation action")

	// ErrInvalidValue indicates a stored value that cannot be parsed for its type.
	ErrInvalidValue = errors.New("invalid operation value")

	// ErrInvalidOperation indicates an operation whose action, previous and
	// fields do not fit together.
	ErrInvalidOperation = errors.New("invalid operation")
)
