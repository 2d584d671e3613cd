// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema resolves schema ids to their declared fields.
//
// Schema authoring and storage live outside the node; this package only
// defines the lookup contract and an in-memory provider.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/docnode/services/node/operation"
)

var (
	// ErrSchemaNotFound indicates an unknown schema id.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrFieldMismatch indicates operation fields that do not match the schema.
	ErrFieldMismatch = errors.New("fields do not match schema")
)

// FieldDef declares one schema field.
type FieldDef struct {
	Name string              `json:"name" yaml:"name"`
	Type operation.FieldType `json:"type" yaml:"type"`
}

// Schema is a named, ordered list of field declarations.
type Schema struct {
	ID          operation.SchemaID `json:"id"`
	Description string             `json:"description,omitempty"`
	Fields      []FieldDef         `json:"fields"`
}

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldNames returns the declared field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// ValidateFields checks operation fields against the declaration.
//
// Every field must be declared with the same type. A create must carry
// every declared field, updates may carry any subset.
func (s *Schema) ValidateFields(action operation.Action, fields operation.Fields) error {
	for _, name := range fields.Names() {
		def, ok := s.Field(name)
		if !ok {
			return fmt.Errorf("%w: %s does not declare %q", ErrFieldMismatch, s.ID, name)
		}
		if got := fields[name].Type(); got != def.Type {
			return fmt.Errorf("%w: field %q is %s, declared %s", ErrFieldMismatch, name, got, def.Type)
		}
	}
	if action == operation.ActionCreate {
		for _, def := range s.Fields {
			if _, ok := fields[def.Name]; !ok {
				return fmt.Errorf("%w: create is missing field %q", ErrFieldMismatch, def.Name)
			}
		}
	}
	return nil
}

// Provider resolves schema ids.
type Provider interface {
	Get(ctx context.Context, id operation.SchemaID) (*Schema, error)
}

// MemoryProvider is a Provider backed by a map.
//
// Thread Safety: safe for concurrent use.
type MemoryProvider struct {
	mu      sync.RWMutex
	schemas map[operation.SchemaID]*Schema
}

// NewMemoryProvider returns a provider holding the given schemas.
func NewMemoryProvider(schemas ...*Schema) *MemoryProvider {
	p := &MemoryProvider{schemas: make(map[operation.SchemaID]*Schema, len(schemas))}
	for _, s := range schemas {
		p.schemas[s.ID] = s
	}
	return p
}

// Register adds or replaces a schema.
func (p *MemoryProvider) Register(s *Schema) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas[s.ID] = s
}

// Get implements Provider.
func (p *MemoryProvider) Get(_ context.Context, id operation.SchemaID) (*Schema, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.schemas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, id)
	}
	return s, nil
}

// All returns every registered schema in no particular order.
func (p *MemoryProvider) All() []*Schema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Schema, 0, len(p.schemas))
	for _, s := range p.schemas {
		out = append(out, s)
	}
	return out
}
