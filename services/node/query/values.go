// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/AleutianAI/docnode/services/node/operation"
)

// coerce converts a client supplied value to a typed value of t.
//
// JSON decoders produce float64 for every number, so integral floats are
// accepted for int fields. Bytes may be given raw or as a hex string.
func coerce(t operation.FieldType, raw any) (operation.Value, error) {
	if raw == nil {
		return operation.Value{}, fmt.Errorf("missing %s value", t)
	}

	switch t {
	case operation.FieldTypeBool:
		if b, ok := raw.(bool); ok {
			return operation.NewBool(b), nil
		}
	case operation.FieldTypeInt:
		if i, ok := toInt(raw); ok {
			return operation.NewInt(i), nil
		}
	case operation.FieldTypeFloat:
		if f, ok := toFloat(raw); ok {
			return operation.NewFloat(f), nil
		}
	case operation.FieldTypeString:
		if s, ok := raw.(string); ok {
			return operation.NewString(s), nil
		}
	case operation.FieldTypeBytes:
		switch v := raw.(type) {
		case []byte:
			return operation.NewBytes(v), nil
		case string:
			b, err := hex.DecodeString(v)
			if err != nil {
				return operation.Value{}, fmt.Errorf("bytes value is not hex: %w", err)
			}
			return operation.NewBytes(b), nil
		}
	case operation.FieldTypeRelation:
		switch v := raw.(type) {
		case operation.DocumentID:
			return operation.NewRelation(v), nil
		case string:
			id, err := operation.ParseDocumentID(v)
			if err != nil {
				return operation.Value{}, err
			}
			return operation.NewRelation(id), nil
		}
	case operation.FieldTypePinnedRelation:
		switch v := raw.(type) {
		case operation.DocumentViewID:
			return operation.NewPinnedRelation(v), nil
		case string:
			view, err := operation.ParseDocumentViewID(v)
			if err != nil {
				return operation.Value{}, err
			}
			return operation.NewPinnedRelation(view), nil
		}
	}
	return operation.Value{}, fmt.Errorf("%T is not a valid %s value", raw, t)
}

// toInt accepts every Go integer kind, integral floats and json.Number
// within the int64 range.
func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return fromUint(uint64(v))
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return fromUint(v)
	case float32:
		return fromFloat(float64(v))
	case float64:
		return fromFloat(v)
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	}
	return 0, false
}

func fromUint(v uint64) (int64, bool) {
	if v > math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}

// fromFloat rejects fractions and values outside int64. float64(MaxInt64)
// rounds up to 2^63, so the upper bound is exclusive.
func fromFloat(v float64) (int64, bool) {
	if v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
		return 0, false
	}
	return int64(v), true
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	if i, ok := toInt(raw); ok {
		return float64(i), true
	}
	return 0, false
}
