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
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// =============================================================================
// Field Types
// =============================================================================

// FieldType tags the kind of value an operation field holds.
type FieldType string

const (
	FieldTypeBool               FieldType = "bool"
	FieldTypeInt                FieldType = "int"
	FieldTypeFloat              FieldType = "float"
	FieldTypeString             FieldType = "str"
	FieldTypeBytes              FieldType = "bytes"
	FieldTypeRelation           FieldType = "relation"
	FieldTypeRelationList       FieldType = "relation_list"
	FieldTypePinnedRelation     FieldType = "pinned_relation"
	FieldTypePinnedRelationList FieldType = "pinned_relation_list"
)

// ParseFieldType validates a stored field type tag.
func ParseFieldType(s string) (FieldType, error) {
	switch t := FieldType(s); t {
	case FieldTypeBool, FieldTypeInt, FieldTypeFloat, FieldTypeString, FieldTypeBytes,
		FieldTypeRelation, FieldTypeRelationList, FieldTypePinnedRelation, FieldTypePinnedRelationList:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFieldType, s)
}

// IsList reports whether values of this type are stored one row per element.
func (t FieldType) IsList() bool {
	return t == FieldTypeRelationList || t == FieldTypePinnedRelationList
}

// IsRelation reports whether values of this type point at other documents.
func (t FieldType) IsRelation() bool {
	switch t {
	case FieldTypeRelation, FieldTypeRelationList, FieldTypePinnedRelation, FieldTypePinnedRelationList:
		return true
	}
	return false
}

func (t FieldType) String() string { return string(t) }

// =============================================================================
// Values
// =============================================================================

// Value is one field value of an operation.
//
// Exactly one payload is meaningful, selected by Type(). Values are
// immutable: constructors copy slices and accessors return copies.
type Value struct {
	fieldType  FieldType
	boolean    bool
	integer    int64
	float      float64
	str        string
	raw        []byte
	relation   DocumentID
	pinned     DocumentViewID
	relations  []DocumentID
	pinnedList []DocumentViewID
}

func NewBool(b bool) Value       { return Value{fieldType: FieldTypeBool, boolean: b} }
func NewInt(i int64) Value       { return Value{fieldType: FieldTypeInt, integer: i} }
func NewFloat(f float64) Value   { return Value{fieldType: FieldTypeFloat, float: f} }
func NewString(s string) Value   { return Value{fieldType: FieldTypeString, str: s} }
func NewBytes(b []byte) Value    { return Value{fieldType: FieldTypeBytes, raw: append(make([]byte, 0, len(b)), b...)} }
func NewRelation(id DocumentID) Value {
	return Value{fieldType: FieldTypeRelation, relation: id}
}

func NewPinnedRelation(view DocumentViewID) Value {
	return Value{fieldType: FieldTypePinnedRelation, pinned: view}
}

func NewRelationList(ids ...DocumentID) Value {
	return Value{fieldType: FieldTypeRelationList, relations: append(make([]DocumentID, 0, len(ids)), ids...)}
}

func NewPinnedRelationList(views ...DocumentViewID) Value {
	return Value{fieldType: FieldTypePinnedRelationList, pinnedList: append(make([]DocumentViewID, 0, len(views)), views...)}
}

// Type returns the field type of the value.
func (v Value) Type() FieldType { return v.fieldType }

func (v Value) Bool() bool                     { return v.boolean }
func (v Value) Int() int64                     { return v.integer }
func (v Value) Float() float64                 { return v.float }
func (v Value) Str() string                    { return v.str }
func (v Value) Bytes() []byte                  { return append([]byte(nil), v.raw...) }
func (v Value) Relation() DocumentID           { return v.relation }
func (v Value) PinnedRelation() DocumentViewID { return v.pinned }

func (v Value) RelationList() []DocumentID {
	return append([]DocumentID(nil), v.relations...)
}

func (v Value) PinnedRelationList() []DocumentViewID {
	return append([]DocumentViewID(nil), v.pinnedList...)
}

// Len returns the number of list elements, or 1 for scalar values.
func (v Value) Len() int {
	switch v.fieldType {
	case FieldTypeRelationList:
		return len(v.relations)
	case FieldTypePinnedRelationList:
		return len(v.pinnedList)
	}
	return 1
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(other Value) bool {
	if v.fieldType != other.fieldType {
		return false
	}
	switch v.fieldType {
	case FieldTypeBool:
		return v.boolean == other.boolean
	case FieldTypeInt:
		return v.integer == other.integer
	case FieldTypeFloat:
		return v.float == other.float
	case FieldTypeString:
		return v.str == other.str
	case FieldTypeBytes:
		return bytes.Equal(v.raw, other.raw)
	case FieldTypeRelation:
		return v.relation == other.relation
	case FieldTypePinnedRelation:
		return v.pinned == other.pinned
	case FieldTypeRelationList:
		if len(v.relations) != len(other.relations) {
			return false
		}
		for i := range v.relations {
			if v.relations[i] != other.relations[i] {
				return false
			}
		}
		return true
	case FieldTypePinnedRelationList:
		if len(v.pinnedList) != len(other.pinnedList) {
			return false
		}
		for i := range v.pinnedList {
			if v.pinnedList[i] != other.pinnedList[i] {
				return false
			}
		}
		return true
	}
	return false
}

// =============================================================================
// Row Encoding
// =============================================================================

// Strings encodes the value into its storage strings.
//
// Scalars produce exactly one string. List types produce one string per
// element in list order and an empty slice for an empty list.
func (v Value) Strings() []string {
	switch v.fieldType {
	case FieldTypeBool:
		return []string{strconv.FormatBool(v.boolean)}
	case FieldTypeInt:
		return []string{strconv.FormatInt(v.integer, 10)}
	case FieldTypeFloat:
		return []string{strconv.FormatFloat(v.float, 'g', -1, 64)}
	case FieldTypeString:
		return []string{v.str}
	case FieldTypeBytes:
		return []string{hex.EncodeToString(v.raw)}
	case FieldTypeRelation:
		return []string{string(v.relation)}
	case FieldTypePinnedRelation:
		return []string{string(v.pinned)}
	case FieldTypeRelationList:
		out := make([]string, len(v.relations))
		for i, id := range v.relations {
			out[i] = string(id)
		}
		return out
	case FieldTypePinnedRelationList:
		out := make([]string, len(v.pinnedList))
		for i, view := range v.pinnedList {
			out[i] = string(view)
		}
		return out
	}
	return nil
}

// ParseValue decodes storage strings back into a value of the given type.
//
// Description:
//
//	The inverse of Value.Strings. Scalar types require exactly one string;
//	list types accept any number, in list order.
//
// Inputs:
//
//	t - The field type tag stored alongside the value.
//	raw - The stored strings, ordered by list index.
//
// Outputs:
//
//	Value - The decoded value.
//	error - Wraps ErrInvalidValue if a string does not parse for t.
func ParseValue(t FieldType, raw []string) (Value, error) {
	if t.IsList() {
		return parseList(t, raw)
	}
	if len(raw) != 1 {
		return Value{}, fmt.Errorf("%w: %s expects 1 value, got %d", ErrInvalidValue, t, len(raw))
	}
	s := raw[0]

	switch t {
	case FieldTypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return NewBool(b), nil
	case FieldTypeInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return NewInt(i), nil
	case FieldTypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return NewFloat(f), nil
	case FieldTypeString:
		return NewString(s), nil
	case FieldTypeBytes:
		b, err := hex.DecodeString(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return NewBytes(b), nil
	case FieldTypeRelation:
		id, err := ParseDocumentID(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return NewRelation(id), nil
	case FieldTypePinnedRelation:
		view, err := ParseDocumentViewID(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return NewPinnedRelation(view), nil
	}
	return Value{}, fmt.Errorf("%w: %q", ErrUnknownFieldType, t)
}

func parseList(t FieldType, raw []string) (Value, error) {
	if t == FieldTypeRelationList {
		ids := make([]DocumentID, len(raw))
		for i, s := range raw {
			id, err := ParseDocumentID(s)
			if err != nil {
				return Value{}, fmt.Errorf("%w: element %d: %w", ErrInvalidValue, i, err)
			}
			ids[i] = id
		}
		return NewRelationList(ids...), nil
	}

	views := make([]DocumentViewID, len(raw))
	for i, s := range raw {
		view, err := ParseDocumentViewID(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: element %d: %w", ErrInvalidValue, i, err)
		}
		views[i] = view
	}
	return NewPinnedRelationList(views...), nil
}

// =============================================================================
// JSON
// =============================================================================

type valueJSON struct {
	Type  FieldType `json:"type"`
	Value []string  `json:"value"`
}

// MarshalJSON encodes the value with its storage strings, keeping integers
// and floats exact.
func (v Value) MarshalJSON() ([]byte, error) {
	values := v.Strings()
	if values == nil {
		values = []string{}
	}
	return json.Marshal(valueJSON{Type: v.fieldType, Value: values})
}

// UnmarshalJSON decodes a value written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := ParseFieldType(string(raw.Type))
	if err != nil {
		return err
	}
	parsed, err := ParseValue(t, raw.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
