// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs built collection queries over the document view
// store.
//
// # Description
//
// A collection is every latest document view of one schema. The executor
// sorts the whole collection, resumes after the request cursor, applies
// the filter and cuts a page of at most First rows. Each row carries a
// pagination cursor that a later request passes back as After.
//
// Relation list fields form sub-collections. Their rows keep list order
// by default, duplicates included, and carry nested cursors that name the
// parent document.
package executor

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/materializer"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/query"
	"github.com/AleutianAI/docnode/services/node/telemetry"
)

const tracerName = "docnode.executor"

// ViewStore is the view storage a query runs against.
type ViewStore interface {
	materializer.DocumentProvider
	ListBySchema(ctx context.Context, id operation.SchemaID) ([]*operation.DocumentView, error)
}

// Materializer resolves the views on a page.
type Materializer interface {
	Materialize(ctx context.Context, view *operation.DocumentView, selection []string) (*materializer.Document, error)
}

// Config tunes an Executor.
type Config struct {
	// Materializer resolves page rows. Nil returns bare views.
	Materializer Materializer

	// Concurrency bounds parallel lookups. Zero selects 8, negative is
	// unbounded.
	Concurrency int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Item is one row of a page.
type Item struct {
	Cursor   cursor.PaginationCursor
	View     *operation.DocumentView
	Document *materializer.Document
}

// PaginationData describes where a page sits in its collection.
//
// TotalCount counts every row matching the filter, on any page. The
// cursors are nil on an empty page.
type PaginationData struct {
	TotalCount      uint64
	HasNextPage     bool
	HasPreviousPage bool
	StartCursor     *cursor.PaginationCursor
	EndCursor       *cursor.PaginationCursor
}

// Result is one page.
type Result struct {
	Items      []Item
	Pagination PaginationData
}

// Executor runs queries.
//
// Thread Safety: Safe for concurrent use.
type Executor struct {
	views        ViewStore
	materializer Materializer
	concurrency  int
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// New creates an Executor over views.
func New(views ViewStore, cfg Config) *Executor {
	switch {
	case cfg.Concurrency == 0:
		cfg.Concurrency = 8
	case cfg.Concurrency < 0:
		cfg.Concurrency = -1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		views:        views,
		materializer: cfg.Materializer,
		concurrency:  cfg.Concurrency,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// RootCursor returns the row cursor of a document in its collection.
func RootCursor(id operation.DocumentID) cursor.OperationCursor {
	return cursor.NewOperationCursor(0, "", operation.OperationID(id))
}

// row is a candidate before paging. index is the list position in
// sub-collections and zero otherwise.
type row struct {
	view   *operation.DocumentView
	cursor cursor.OperationCursor
	index  int
}

// Query returns one page of the collection q names.
//
// Description:
//
//	Rows are ordered by q.Order, then document id, then cursor. After,
//	when set, must be a flat cursor of a row in the collection; rows up
//	to and including it are skipped whether or not they match the filter.
//
// Inputs:
//
//	ctx - Cancels storage access and materialization.
//	q - A query from query.Build.
//
// Outputs:
//
//	*Result - The page.
//	error - Wraps query.ErrInvalidArgument for an unusable cursor, or a
//	storage or materializer error.
func (e *Executor) Query(ctx context.Context, q *query.Query) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Executor.Query",
		trace.WithAttributes(attribute.String("schema.id", string(q.SchemaID))),
	)
	defer func() {
		e.metrics.RecordQuery(ctx, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	if after := q.Pagination.After; after != nil && after.IsNested() {
		return nil, fmt.Errorf("%w: nested cursor used on a collection", query.ErrInvalidArgument)
	}

	views, err := e.views.ListBySchema(ctx, q.SchemaID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.SchemaID, err)
	}

	rows := make([]row, len(views))
	for i, v := range views {
		rows[i] = row{view: v, cursor: RootCursor(v.ID)}
	}
	sortRows(rows, q.Order, false)

	return e.page(ctx, rows, q, cursor.New)
}

// QueryRelationList returns one page of the documents a relation list
// field of parent points at.
//
// Description:
//
//	Without an explicit order rows keep list order. Each row cursor is
//	derived from the list index, the field name and the operation that
//	last wrote the field, so duplicate elements get distinct cursors.
//	After must be a nested cursor issued for the same parent view.
//
// Inputs:
//
//	ctx - Cancels lookups.
//	parent - The document holding the list.
//	field - A relation list or pinned relation list field of parent.
//	q - A query built against the schema of the listed documents.
//
// Outputs:
//
//	*Result - The page.
//	error - Wraps query.ErrInvalidArgument, a *materializer.NotFoundError
//	for a dangling element, or a storage error.
func (e *Executor) QueryRelationList(ctx context.Context, parent *operation.DocumentView, field string, q *query.Query) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Executor.QueryRelationList",
		trace.WithAttributes(
			attribute.String("document.view_id", string(parent.ViewID)),
			attribute.String("field", field),
		),
	)
	defer func() {
		e.metrics.RecordQuery(ctx, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	vf, ok := parent.Field(field)
	if !ok {
		return nil, fmt.Errorf("%w: document has no field %q", query.ErrInvalidArgument, field)
	}

	root := RootCursor(parent.ID)
	if after := q.Pagination.After; after != nil {
		if !after.IsNested() || after.RootOperationCursor != root || after.RootViewID != parent.ViewID {
			return nil, fmt.Errorf("%w: cursor was not issued for field %q of this view", query.ErrInvalidArgument, field)
		}
	}

	rows, err := e.resolveList(ctx, vf)
	if err != nil {
		return nil, err
	}
	sortRows(rows, q.Order, true)

	return e.page(ctx, rows, q, func(c cursor.OperationCursor) cursor.PaginationCursor {
		return cursor.NewNested(c, root, parent.ViewID)
	})
}

func (e *Executor) resolveList(ctx context.Context, vf operation.ViewField) ([]row, error) {
	type ref struct {
		id   operation.DocumentID
		view operation.DocumentViewID
	}
	var refs []ref
	switch vf.Value.Type() {
	case operation.FieldTypeRelationList:
		for _, id := range vf.Value.RelationList() {
			refs = append(refs, ref{id: id})
		}
	case operation.FieldTypePinnedRelationList:
		for _, id := range vf.Value.PinnedRelationList() {
			refs = append(refs, ref{view: id})
		}
	default:
		return nil, fmt.Errorf("%w: field %q is a %s, not a relation list", query.ErrInvalidArgument, vf.Name, vf.Value.Type())
	}

	rows := make([]row, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, r := range refs {
		g.Go(func() error {
			var (
				view *operation.DocumentView
				err  error
			)
			if r.view != "" {
				view, err = e.views.GetDocumentByViewID(gctx, r.view)
			} else {
				view, err = e.views.GetDocument(gctx, r.id)
			}
			if err != nil {
				return fmt.Errorf("resolve %s[%d]: %w", vf.Name, i, err)
			}
			if view == nil {
				return &materializer.NotFoundError{DocumentID: r.id, ViewID: r.view, Field: vf.Name}
			}
			rows[i] = row{view: view, cursor: cursor.NewOperationCursor(i, vf.Name, vf.OperationID), index: i}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// page skips past the after cursor, filters and cuts the page. rows must
// already be sorted.
func (e *Executor) page(ctx context.Context, rows []row, q *query.Query, wrap func(cursor.OperationCursor) cursor.PaginationCursor) (*Result, error) {
	start := 0
	if after := q.Pagination.After; after != nil {
		idx := slices.IndexFunc(rows, func(r row) bool { return r.cursor == after.OperationCursor })
		if idx < 0 {
			return nil, fmt.Errorf("%w: after cursor matches no row", query.ErrInvalidArgument)
		}
		start = idx + 1
	}

	conds := q.Filter.Conditions()
	var (
		before  int
		matched []row
	)
	for i, r := range rows {
		if !matches(r.view, conds) {
			continue
		}
		if i < start {
			before++
			continue
		}
		matched = append(matched, r)
	}

	first := q.Pagination.First
	if first == 0 {
		first = query.DefaultPageSize
	}
	pageRows := matched
	if uint64(len(pageRows)) > first {
		pageRows = pageRows[:first]
	}

	res := &Result{
		Items: make([]Item, len(pageRows)),
		Pagination: PaginationData{
			TotalCount:      uint64(before + len(matched)),
			HasNextPage:     len(matched) > len(pageRows),
			HasPreviousPage: before > 0,
		},
	}
	for i, r := range pageRows {
		res.Items[i] = Item{Cursor: wrap(r.cursor), View: r.view}
	}
	if n := len(res.Items); n > 0 {
		startCursor, endCursor := res.Items[0].Cursor, res.Items[n-1].Cursor
		res.Pagination.StartCursor = &startCursor
		res.Pagination.EndCursor = &endCursor
	}

	if err := e.materialize(ctx, res.Items, q.Select); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) materialize(ctx context.Context, items []Item, selection []string) error {
	if e.materializer == nil || len(items) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range items {
		g.Go(func() error {
			doc, err := e.materializer.Materialize(gctx, items[i].View, selection)
			if err != nil {
				return err
			}
			items[i].Document = doc
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// Ordering
// =============================================================================

// sortRows orders rows by order, then document id, then cursor. Without
// an order field list rows keep list order and collection rows sort by
// document id.
func sortRows(rows []row, order query.Order, list bool) {
	desc := order.Direction == query.Descending
	slices.SortStableFunc(rows, func(a, b row) int {
		var primary int
		switch {
		case order.Field != nil:
			primary = compareKeys(sortKey(a.view, *order.Field), sortKey(b.view, *order.Field))
		case list:
			primary = cmp.Compare(a.index, b.index)
		default:
			primary = strings.Compare(string(a.view.ID), string(b.view.ID))
		}
		if desc {
			primary = -primary
		}
		if primary != 0 {
			return primary
		}
		if c := strings.Compare(string(a.view.ID), string(b.view.ID)); c != 0 {
			return c
		}
		return strings.Compare(string(a.cursor), string(b.cursor))
	})
}

func sortKey(view *operation.DocumentView, f query.Field) *operation.Value {
	values := fieldValues(view, f)
	if len(values) == 0 {
		return nil
	}
	return &values[0]
}

// compareKeys sorts missing values first.
func compareKeys(a, b *operation.Value) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	order, _ := compare(*a, *b)
	return order
}
