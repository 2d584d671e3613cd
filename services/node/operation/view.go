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

// ViewField is one field of a document view together with the operation
// which last set it.
type ViewField struct {
	Name        string      `json:"name"`
	OperationID OperationID `json:"operation_id"`
	Value       Value       `json:"value"`
}

// DocumentView is a document's field values at one set of graph tips.
//
// Views are produced by the reducer which orders a document's operations;
// this package only carries them. Fields keep the order they were declared
// in by the document's schema.
type DocumentView struct {
	ID       DocumentID     `json:"id"`
	ViewID   DocumentViewID `json:"view_id"`
	Owner    PublicKey      `json:"owner"`
	SchemaID SchemaID       `json:"schema_id"`
	Edited   bool           `json:"edited"`
	Deleted  bool           `json:"deleted"`
	Fields   []ViewField    `json:"fields"`
}

// Field looks up a field by name.
func (d *DocumentView) Field(name string) (ViewField, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ViewField{}, false
}
