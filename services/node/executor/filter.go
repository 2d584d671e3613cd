// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"cmp"
	"strings"

	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/query"
)

// matches reports whether view satisfies every condition.
func matches(view *operation.DocumentView, conds []query.Condition) bool {
	for _, c := range conds {
		if !holds(fieldValues(view, c.Field), c) {
			return false
		}
	}
	return true
}

// fieldValues returns the values a condition on f compares against.
// List fields contribute one value per element; a missing field none.
func fieldValues(view *operation.DocumentView, f query.Field) []operation.Value {
	if f.IsMeta() {
		switch f.Meta {
		case query.MetaOwner:
			return []operation.Value{operation.NewString(string(view.Owner))}
		case query.MetaDocumentID:
			return []operation.Value{operation.NewRelation(view.ID)}
		case query.MetaViewID:
			return []operation.Value{operation.NewPinnedRelation(view.ViewID)}
		case query.MetaEdited:
			return []operation.Value{operation.NewBool(view.Edited)}
		case query.MetaDeleted:
			return []operation.Value{operation.NewBool(view.Deleted)}
		}
		return nil
	}

	vf, ok := view.Field(f.Name)
	if !ok {
		return nil
	}
	switch vf.Value.Type() {
	case operation.FieldTypeRelationList:
		ids := vf.Value.RelationList()
		out := make([]operation.Value, len(ids))
		for i, id := range ids {
			out[i] = operation.NewRelation(id)
		}
		return out
	case operation.FieldTypePinnedRelationList:
		views := vf.Value.PinnedRelationList()
		out := make([]operation.Value, len(views))
		for i, id := range views {
			out[i] = operation.NewPinnedRelation(id)
		}
		return out
	}
	return []operation.Value{vf.Value}
}

// holds evaluates one condition. Positive operators need one matching
// element; negated operators need every element to pass, so an empty
// list satisfies not_eq and fails eq.
func holds(values []operation.Value, c query.Condition) bool {
	switch c.Operator {
	case query.OpNotEq:
		return none(values, func(v operation.Value) bool { return v.Equal(c.Value()) })
	case query.OpNotIn:
		return none(values, func(v operation.Value) bool { return in(v, c.Values) })
	case query.OpNotContains:
		return none(values, func(v operation.Value) bool { return strings.Contains(v.Str(), c.Value().Str()) })
	}

	for _, v := range values {
		if test(v, c) {
			return true
		}
	}
	return false
}

func test(v operation.Value, c query.Condition) bool {
	switch c.Operator {
	case query.OpEq:
		return v.Equal(c.Value())
	case query.OpIn:
		return in(v, c.Values)
	case query.OpContains:
		return v.Type() == operation.FieldTypeString && strings.Contains(v.Str(), c.Value().Str())
	}

	order, ok := compare(v, c.Value())
	if !ok {
		return false
	}
	switch c.Operator {
	case query.OpGt:
		return order > 0
	case query.OpGte:
		return order >= 0
	case query.OpLt:
		return order < 0
	case query.OpLte:
		return order <= 0
	}
	return false
}

func none(values []operation.Value, pred func(operation.Value) bool) bool {
	for _, v := range values {
		if pred(v) {
			return false
		}
	}
	return true
}

func in(v operation.Value, set []operation.Value) bool {
	for _, s := range set {
		if v.Equal(s) {
			return true
		}
	}
	return false
}

// compare orders two values of the same type. ok is false for mixed
// types and list values.
func compare(a, b operation.Value) (order int, ok bool) {
	if a.Type() != b.Type() {
		return 0, false
	}
	switch a.Type() {
	case operation.FieldTypeBool:
		return cmpBool(a.Bool(), b.Bool()), true
	case operation.FieldTypeInt:
		return cmp.Compare(a.Int(), b.Int()), true
	case operation.FieldTypeFloat:
		return cmp.Compare(a.Float(), b.Float()), true
	case operation.FieldTypeString:
		return strings.Compare(a.Str(), b.Str()), true
	case operation.FieldTypeBytes:
		return bytes.Compare(a.Bytes(), b.Bytes()), true
	case operation.FieldTypeRelation:
		return strings.Compare(string(a.Relation()), string(b.Relation())), true
	case operation.FieldTypePinnedRelation:
		return strings.Compare(string(a.PinnedRelation()), string(b.PinnedRelation())), true
	}
	return 0, false
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
