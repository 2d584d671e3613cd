// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/docnode/services/node/executor"
	"github.com/AleutianAI/docnode/services/node/materializer"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/query"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
)

// =============================================================================
// Collections
// =============================================================================

// CollectionRequest is the body of a collection query.
type CollectionRequest struct {
	// First is the page size. 0 selects the default.
	First uint64 `json:"first"`

	// After is the end cursor of the previous page.
	After string `json:"after,omitempty"`

	// Meta holds equality shortcuts on meta fields.
	Meta MetaFilterRequest `json:"meta"`

	// Filter holds field conditions, all of which must hold.
	Filter []FilterRequest `json:"filter,omitempty"`

	// OrderBy is OWNER, DOCUMENT_ID, DOCUMENT_VIEW_ID or a field name.
	OrderBy string `json:"order_by,omitempty"`

	// OrderDirection is ASC or DESC.
	OrderDirection string `json:"order_direction,omitempty"`

	// Selections lists fields to return. Empty returns all fields.
	Selections []string `json:"selections,omitempty"`

	// SchemaID is the schema of the listed documents. Relation list
	// queries only.
	SchemaID string `json:"schema_id,omitempty"`
}

// MetaFilterRequest holds meta field equality conditions.
type MetaFilterRequest struct {
	Owner      *string `json:"owner,omitempty"`
	DocumentID *string `json:"documentId,omitempty"`
	ViewID     *string `json:"viewId,omitempty"`
	Edited     *bool   `json:"edited,omitempty"`
	Deleted    *bool   `json:"deleted,omitempty"`
}

// FilterRequest is one condition. Exactly one of Field and Meta is set.
// Value carries single value operators, Values in and not_in.
type FilterRequest struct {
	Field    string `json:"field,omitempty"`
	Meta     string `json:"meta,omitempty"`
	Operator string `json:"operator" binding:"required"`
	Value    any    `json:"value,omitempty"`
	Values   []any  `json:"values,omitempty"`
}

// toQueryRequest translates the wire request. Validation happens in
// query.Build.
func (r CollectionRequest) toQueryRequest() query.Request {
	req := query.Request{
		First:          r.First,
		After:          r.After,
		OrderBy:        r.OrderBy,
		OrderDirection: query.Direction(r.OrderDirection),
		Selections:     r.Selections,
		Meta: query.MetaFilter{
			Owner:      r.Meta.Owner,
			DocumentID: r.Meta.DocumentID,
			ViewID:     r.Meta.ViewID,
			Edited:     r.Meta.Edited,
			Deleted:    r.Meta.Deleted,
		},
	}
	for _, f := range r.Filter {
		req.Filter = append(req.Filter, query.FilterCondition{
			Field:    f.Field,
			Meta:     query.MetaField(f.Meta),
			Operator: query.Operator(f.Operator),
			Value:    f.Value,
			Values:   f.Values,
		})
	}
	return req
}

// CollectionResponse is one page of documents.
type CollectionResponse struct {
	Documents  []CollectionItem   `json:"documents"`
	Pagination PaginationResponse `json:"pagination"`
}

// CollectionItem pairs a document with its pagination cursor.
type CollectionItem struct {
	Cursor   string                 `json:"cursor"`
	Document *materializer.Document `json:"document"`
}

// PaginationResponse describes the page.
type PaginationResponse struct {
	TotalCount      uint64 `json:"total_count"`
	HasNextPage     bool   `json:"has_next_page"`
	HasPreviousPage bool   `json:"has_previous_page"`
	StartCursor     string `json:"start_cursor,omitempty"`
	EndCursor       string `json:"end_cursor,omitempty"`
}

func newCollectionResponse(res *executor.Result) CollectionResponse {
	out := CollectionResponse{
		Documents: make([]CollectionItem, len(res.Items)),
		Pagination: PaginationResponse{
			TotalCount:      res.Pagination.TotalCount,
			HasNextPage:     res.Pagination.HasNextPage,
			HasPreviousPage: res.Pagination.HasPreviousPage,
		},
	}
	for i, it := range res.Items {
		out.Documents[i] = CollectionItem{Cursor: it.Cursor.Encode(), Document: it.Document}
	}
	if c := res.Pagination.StartCursor; c != nil {
		out.Pagination.StartCursor = c.Encode()
	}
	if c := res.Pagination.EndCursor; c != nil {
		out.Pagination.EndCursor = c.Encode()
	}
	return out
}

// =============================================================================
// Operations
// =============================================================================

// PublishRequest is the body of POST /operations.
type PublishRequest struct {
	// ID is the content id. Empty lets the node compute it.
	ID string `json:"id,omitempty"`

	// PublicKey is the author.
	PublicKey string `json:"public_key" binding:"required"`

	// DocumentID is the target document. Empty lets the node derive it.
	DocumentID string `json:"document_id,omitempty"`

	// Operation is the operation body.
	Operation *operation.Operation `json:"operation" binding:"required"`
}

// OperationResponse is a stored operation.
type OperationResponse struct {
	ID         operation.OperationID `json:"id"`
	PublicKey  operation.PublicKey   `json:"public_key"`
	DocumentID operation.DocumentID  `json:"document_id"`
	Operation  *operation.Operation  `json:"operation"`
}

func newOperationResponse(op *sqlstore.StorageOperation) OperationResponse {
	return OperationResponse{
		ID:         op.ID,
		PublicKey:  op.PublicKey,
		DocumentID: op.DocumentID,
		Operation:  op.Operation(),
	}
}

// =============================================================================
// Common
// =============================================================================

// HealthResponse reports node health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}
