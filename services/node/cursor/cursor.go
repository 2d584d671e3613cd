// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cursor derives position tokens for operation field rows and
// encodes the opaque pagination tokens handed to clients.
package cursor

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"

	"github.com/AleutianAI/docnode/services/node/operation"
)

// ErrMalformedCursor indicates a pagination token that cannot be decoded.
var ErrMalformedCursor = errors.New("malformed cursor")

const (
	// Length is the length of an OperationCursor in hex characters.
	Length = 64

	separator = "-"
)

// =============================================================================
// Operation Cursor
// =============================================================================

// OperationCursor is the position of one operation field row.
//
// It is the BLAKE3 digest of the list index, field name and operation id,
// without the hash algorithm prefix.
type OperationCursor string

// NewOperationCursor derives the cursor of the field row at index.
//
// Description:
//
//	Hashes the string concatenation of index, name and operation id.
//	The same triple always yields the same cursor, and rows of one list
//	field differ by index. The cursor cannot be turned back into its inputs.
//
// Inputs:
//
//	index - The 0-based list index; 0 for scalar fields.
//	name - The field name.
//	id - The operation the row belongs to.
//
// Outputs:
//
//	OperationCursor - 64 lowercase hex characters.
func NewOperationCursor(index int, name string, id operation.OperationID) OperationCursor {
	h := operation.NewHash([]byte(fmt.Sprint(index) + name + string(id)))
	return OperationCursor(h.Digest())
}

// ParseOperationCursor validates s as an operation cursor.
func ParseOperationCursor(s string) (OperationCursor, error) {
	if len(s) != Length {
		return "", fmt.Errorf("%w: operation cursor must be %d characters, got %d", ErrMalformedCursor, Length, len(s))
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: operation cursor is not hex", ErrMalformedCursor)
		}
	}
	return OperationCursor(s), nil
}

func (c OperationCursor) String() string { return string(c) }

// =============================================================================
// Pagination Cursor
// =============================================================================

// PaginationCursor is the resumption point handed to clients with each row.
//
// Collections only need the row's own cursor. Rows of a relation list also
// carry the cursor and view of the root document, because the same related
// document may appear more than once in one list.
type PaginationCursor struct {
	OperationCursor     OperationCursor
	RootOperationCursor OperationCursor
	RootViewID          operation.DocumentViewID
}

// New returns a cursor for a top level collection row.
func New(c OperationCursor) PaginationCursor {
	return PaginationCursor{OperationCursor: c}
}

// NewNested returns a cursor for a row of a relation list under a root document.
func NewNested(c, root OperationCursor, rootView operation.DocumentViewID) PaginationCursor {
	return PaginationCursor{OperationCursor: c, RootOperationCursor: root, RootViewID: rootView}
}

// IsNested reports whether the cursor carries a root document.
func (p PaginationCursor) IsNested() bool {
	return p.RootOperationCursor != ""
}

// Encode returns the opaque token for the cursor.
func (p PaginationCursor) Encode() string {
	raw := string(p.OperationCursor)
	if p.IsNested() {
		raw = strings.Join([]string{raw, string(p.RootOperationCursor), string(p.RootViewID)}, separator)
	}
	return base58.Encode([]byte(raw))
}

func (p PaginationCursor) String() string { return p.Encode() }

// Decode parses a token produced by Encode.
//
// Outputs:
//
//	PaginationCursor - The decoded cursor.
//	error - Wraps ErrMalformedCursor for any token Encode could not have produced.
func Decode(token string) (PaginationCursor, error) {
	if token == "" {
		return PaginationCursor{}, fmt.Errorf("%w: empty", ErrMalformedCursor)
	}
	raw, err := base58.Decode(token)
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("%w: %w", ErrMalformedCursor, err)
	}
	if !utf8.Valid(raw) {
		return PaginationCursor{}, fmt.Errorf("%w: not utf-8", ErrMalformedCursor)
	}

	parts := strings.Split(string(raw), separator)
	switch len(parts) {
	case 1:
		c, err := ParseOperationCursor(parts[0])
		if err != nil {
			return PaginationCursor{}, err
		}
		return New(c), nil
	case 3:
		c, err := ParseOperationCursor(parts[0])
		if err != nil {
			return PaginationCursor{}, err
		}
		root, err := ParseOperationCursor(parts[1])
		if err != nil {
			return PaginationCursor{}, err
		}
		view, err := operation.ParseDocumentViewID(parts[2])
		if err != nil {
			return PaginationCursor{}, fmt.Errorf("%w: %w", ErrMalformedCursor, err)
		}
		return NewNested(c, root, view), nil
	}
	return PaginationCursor{}, fmt.Errorf("%w: expected 1 or 3 parts, got %d", ErrMalformedCursor, len(parts))
}
