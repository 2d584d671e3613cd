// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/AleutianAI/docnode/services/node/operation"
)

type operationRow struct {
	PublicKey   string         `db:"public_key"`
	DocumentID  string         `db:"document_id"`
	OperationID string         `db:"operation_id"`
	Action      string         `db:"action"`
	SchemaID    string         `db:"schema_id"`
	Previous    sql.NullString `db:"previous"`
}

type fieldRow struct {
	OperationID string         `db:"operation_id"`
	Name        string         `db:"name"`
	FieldType   string         `db:"field_type"`
	Value       sql.NullString `db:"value"`
	ListIndex   int            `db:"list_index"`
	Cursor      string         `db:"cursor"`
}

// joinedRow is one row of the operation LEFT JOIN field query. Field
// columns are NULL for operations without fields.
type joinedRow struct {
	operationRow
	Name      sql.NullString `db:"name"`
	FieldType sql.NullString `db:"field_type"`
	Value     sql.NullString `db:"value"`
	ListIndex sql.NullInt64  `db:"list_index"`
}

// assemble groups joined rows by operation id and rebuilds each operation.
//
// The database only orders rows within one operation (by list_index), so
// rows are bucketed by operation id first. Output is ordered by id.
func assemble(rows []joinedRow) ([]*StorageOperation, error) {
	buckets := make(map[string][]joinedRow)
	for _, row := range rows {
		buckets[row.OperationID] = append(buckets[row.OperationID], row)
	}

	ids := make([]string, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ops := make([]*StorageOperation, 0, len(ids))
	for _, id := range ids {
		op, err := assembleOne(buckets[id])
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", id, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

type listEntry struct {
	index int64
	value sql.NullString
}

func assembleOne(rows []joinedRow) (*StorageOperation, error) {
	head := rows[0]

	action, err := operation.ParseAction(head.Action)
	if err != nil {
		return nil, err
	}
	op := &StorageOperation{
		ID:         operation.OperationID(head.OperationID),
		PublicKey:  operation.PublicKey(head.PublicKey),
		DocumentID: operation.DocumentID(head.DocumentID),
		Action:     action,
		SchemaID:   operation.SchemaID(head.SchemaID),
	}
	if head.Previous.Valid && head.Previous.String != "" {
		previous, err := operation.ParseDocumentViewID(head.Previous.String)
		if err != nil {
			return nil, err
		}
		op.Previous = previous
	}

	types := make(map[string]operation.FieldType)
	entries := make(map[string][]listEntry)
	var names []string
	for _, row := range rows {
		if !row.Name.Valid {
			continue
		}
		name := row.Name.String
		if _, seen := types[name]; !seen {
			fieldType, err := operation.ParseFieldType(row.FieldType.String)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			types[name] = fieldType
			names = append(names, name)
		}
		entries[name] = append(entries[name], listEntry{index: row.ListIndex.Int64, value: row.Value})
	}

	if len(names) == 0 {
		return op, nil
	}

	op.Fields = make(operation.Fields, len(names))
	for _, name := range names {
		list := entries[name]
		sort.SliceStable(list, func(i, j int) bool { return list[i].index < list[j].index })

		raw := make([]string, 0, len(list))
		for _, e := range list {
			if !e.value.Valid {
				// NULL marks an empty list.
				continue
			}
			raw = append(raw, e.value.String)
		}

		value, err := operation.ParseValue(types[name], raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		op.Fields[name] = value
	}
	return op, nil
}
