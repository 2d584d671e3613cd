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

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// =============================================================================
// Hashes
// =============================================================================

const (
	// hashPrefix identifies a BLAKE3-256 digest of 32 bytes.
	hashPrefix = "0020"

	// HashLength is the length of an encoded Hash in characters.
	HashLength = len(hashPrefix) + 64

	// PublicKeyLength is the length of a hex encoded ed25519 public key.
	PublicKeyLength = 64

	viewIDSeparator = "_"
)

// Hash is a hex encoded, algorithm-prefixed BLAKE3 digest.
//
// Every content address in the network (operation ids, document ids and the
// members of document view ids) is a Hash.
type Hash string

// NewHash hashes data with BLAKE3-256 and returns its prefixed encoding.
func NewHash(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(hashPrefix + hex.EncodeToString(sum[:]))
}

// ParseHash validates s as an encoded Hash.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashLength {
		return "", fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidHash, HashLength, len(s))
	}
	if !strings.HasPrefix(s, hashPrefix) {
		return "", fmt.Errorf("%w: unknown algorithm prefix %q", ErrInvalidHash, s[:len(hashPrefix)])
	}
	if !isLowerHex(s) {
		return "", fmt.Errorf("%w: not lowercase hex", ErrInvalidHash)
	}
	return Hash(s), nil
}

// Digest returns the hex digest without the algorithm prefix.
func (h Hash) Digest() string {
	if len(h) < len(hashPrefix) {
		return ""
	}
	return string(h[len(hashPrefix):])
}

func (h Hash) String() string { return string(h) }

// =============================================================================
// Identifiers
// =============================================================================

// OperationID is the hash of an encoded operation.
type OperationID Hash

// ParseOperationID validates s as an operation id.
func ParseOperationID(s string) (OperationID, error) {
	h, err := ParseHash(s)
	if err != nil {
		return "", fmt.Errorf("operation id: %w", err)
	}
	return OperationID(h), nil
}

func (id OperationID) String() string { return string(id) }

// DocumentID is the id of the create operation which started a document.
type DocumentID OperationID

// ParseDocumentID validates s as a document id.
func ParseDocumentID(s string) (DocumentID, error) {
	h, err := ParseHash(s)
	if err != nil {
		return "", fmt.Errorf("document id: %w", err)
	}
	return DocumentID(h), nil
}

func (id DocumentID) String() string { return string(id) }

// PublicKey is the hex encoded ed25519 key of an operation author.
type PublicKey string

// ParsePublicKey validates s as a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	if len(s) != PublicKeyLength || !isLowerHex(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPublicKey, s)
	}
	return PublicKey(s), nil
}

func (k PublicKey) String() string { return string(k) }

// =============================================================================
// Document View IDs
// =============================================================================

// DocumentViewID identifies one materialized state of a document by the set
// of operations it was built from ("graph tips").
//
// The canonical string form holds the operation ids sorted ascending,
// de-duplicated and joined by "_". Values built with NewDocumentViewID or
// ParseDocumentViewID are always canonical, so two views of the same state
// compare equal with ==.
type DocumentViewID string

// NewDocumentViewID builds the canonical view id of the given operations.
//
// Returns the empty view id when no operation ids are passed.
func NewDocumentViewID(ids ...OperationID) DocumentViewID {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ids))
	seen := make(map[OperationID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		parts = append(parts, string(id))
	}
	sort.Strings(parts)
	return DocumentViewID(strings.Join(parts, viewIDSeparator))
}

// ParseDocumentViewID validates s and returns its canonical form.
func ParseDocumentViewID(s string) (DocumentViewID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidViewID)
	}
	parts := strings.Split(s, viewIDSeparator)
	ids := make([]OperationID, 0, len(parts))
	for _, part := range parts {
		id, err := ParseOperationID(part)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidViewID, err)
		}
		ids = append(ids, id)
	}
	return NewDocumentViewID(ids...), nil
}

// OperationIDs returns the graph tips of the view in canonical order.
func (v DocumentViewID) OperationIDs() []OperationID {
	if v == "" {
		return nil
	}
	parts := strings.Split(string(v), viewIDSeparator)
	ids := make([]OperationID, len(parts))
	for i, part := range parts {
		ids[i] = OperationID(part)
	}
	return ids
}

// IsEmpty reports whether the view id holds no operations.
func (v DocumentViewID) IsEmpty() bool { return v == "" }

func (v DocumentViewID) String() string { return string(v) }

// =============================================================================
// Schema IDs
// =============================================================================

// SchemaID identifies the schema an operation conforms to.
//
// System schemas use fixed names; application schemas are written as
// "<name>_<document view id>".
type SchemaID string

const (
	// SchemaDefinitionV1 is the system schema for schema definitions.
	SchemaDefinitionV1 SchemaID = "schema_definition_v1"

	// SchemaFieldDefinitionV1 is the system schema for schema field definitions.
	SchemaFieldDefinitionV1 SchemaID = "schema_field_definition_v1"
)

// NewApplicationSchemaID builds the id of an application schema.
func NewApplicationSchemaID(name string, view DocumentViewID) SchemaID {
	return SchemaID(name + viewIDSeparator + string(view))
}

// ParseSchemaID validates s as a system or application schema id.
func ParseSchemaID(s string) (SchemaID, error) {
	switch SchemaID(s) {
	case SchemaDefinitionV1, SchemaFieldDefinitionV1:
		return SchemaID(s), nil
	}

	parts := strings.Split(s, viewIDSeparator)
	// Name segments may contain "_", the view id starts at the first hash.
	for i, part := range parts {
		if _, err := ParseHash(part); err != nil {
			continue
		}
		if i == 0 {
			return "", fmt.Errorf("%w: missing name in %q", ErrInvalidSchemaID, s)
		}
		name := strings.Join(parts[:i], viewIDSeparator)
		view, err := ParseDocumentViewID(strings.Join(parts[i:], viewIDSeparator))
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidSchemaID, err)
		}
		return NewApplicationSchemaID(name, view), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSchemaID, s)
}

// Name returns the human readable part of the schema id.
func (s SchemaID) Name() string {
	switch s {
	case SchemaDefinitionV1, SchemaFieldDefinitionV1:
		return string(s)
	}
	parts := strings.Split(string(s), viewIDSeparator)
	for i, part := range parts {
		if len(part) == HashLength && strings.HasPrefix(part, hashPrefix) {
			return strings.Join(parts[:i], viewIDSeparator)
		}
	}
	return string(s)
}

func (s SchemaID) String() string { return string(s) }

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
