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
	"encoding/json"
	"fmt"
	"sort"
)

// Action is the kind of change an operation applies to its document.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction validates a stored action tag.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

func (a Action) String() string { return string(a) }

// Fields maps field names to values.
type Fields map[string]Value

// Names returns the field names in ascending order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operation is an immutable change to one document.
//
// Description:
//
//	Operations are content addressed: their id is the hash of their
//	encoding. Once stored they are never changed or removed, a delete is
//	itself an operation.
//
// Thread Safety:
//
//	Operations are values. Do not mutate Fields after handing an operation
//	to a store.
type Operation struct {
	Action   Action         `json:"action"`
	SchemaID SchemaID       `json:"schema_id"`
	Previous DocumentViewID `json:"previous,omitempty"`
	Fields   Fields         `json:"fields,omitempty"`
}

// Validate checks that action, previous and fields fit together.
//
// A create has no previous operations, update and delete do. A delete
// carries no fields, create and update carry at least one.
func (o *Operation) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if _, err := ParseAction(string(o.Action)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}
	if o.SchemaID == "" {
		return fmt.Errorf("%w: missing schema id", ErrInvalidOperation)
	}

	switch o.Action {
	case ActionCreate:
		if !o.Previous.IsEmpty() {
			return fmt.Errorf("%w: create must not have previous operations", ErrInvalidOperation)
		}
	default:
		if o.Previous.IsEmpty() {
			return fmt.Errorf("%w: %s requires previous operations", ErrInvalidOperation, o.Action)
		}
	}

	if o.Action == ActionDelete {
		if len(o.Fields) > 0 {
			return fmt.Errorf("%w: delete must not have fields", ErrInvalidOperation)
		}
		return nil
	}
	if len(o.Fields) == 0 {
		return fmt.Errorf("%w: %s requires fields", ErrInvalidOperation, o.Action)
	}
	for _, name := range o.Fields.Names() {
		if name == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidOperation)
		}
		if _, err := ParseFieldType(string(o.Fields[name].Type())); err != nil {
			return fmt.Errorf("%w: field %q: %w", ErrInvalidOperation, name, err)
		}
	}
	return nil
}

// Encode returns the canonical byte encoding of the operation.
//
// Field keys are written in ascending order, so equal operations always
// encode to equal bytes.
func (o *Operation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// ID returns the content address of the operation.
func (o *Operation) ID() (OperationID, error) {
	data, err := o.Encode()
	if err != nil {
		return "", fmt.Errorf("encode operation: %w", err)
	}
	return OperationID(NewHash(data)), nil
}
