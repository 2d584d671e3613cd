// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package materializer turns a document view into a response tree with
// every relation resolved.
//
// # Description
//
// Scalar fields are copied. Relation fields resolve to the latest view of
// the referenced document, pinned relations to the exact view named, and
// both list forms expand every element in list order. Resolution recurses
// into the related documents.
//
// # Concurrency
//
// Sibling fields and list elements resolve on an errgroup; results are
// written into pre-sized slots so output order never depends on
// scheduling. Concurrent lookups of the same document are coalesced.
//
// # Termination
//
// Each branch carries the set of documents on its path. A relation back
// into that set yields a meta-only stub marked Cyclic. A path longer than
// MaxDepth fails with ErrDepthExceeded.
package materializer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/telemetry"
)

const tracerName = "docnode.materializer"

// DefaultMaxDepth bounds relation nesting when Config.MaxDepth is zero.
const DefaultMaxDepth = 16

// DefaultConcurrency bounds parallel lookups per fan-out when
// Config.Concurrency is zero.
const DefaultConcurrency = 8

// DefaultLookupTimeout bounds one shared lookup when Config.LookupTimeout
// is zero.
const DefaultLookupTimeout = 30 * time.Second

// DocumentProvider loads document views.
//
// Both methods return (nil, nil) when the document is absent.
type DocumentProvider interface {
	GetDocument(ctx context.Context, id operation.DocumentID) (*operation.DocumentView, error)
	GetDocumentByViewID(ctx context.Context, id operation.DocumentViewID) (*operation.DocumentView, error)
}

// Config tunes a Materializer.
type Config struct {
	// MaxDepth is the longest allowed relation path, root included.
	MaxDepth int

	// Concurrency bounds goroutines per fan-out. Negative means unbounded.
	Concurrency int

	// LookupTimeout bounds a coalesced lookup. It runs detached from the
	// caller that started it, so other waiters survive that caller's
	// cancellation.
	LookupTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// =============================================================================
// Output
// =============================================================================

// Document is a materialized document.
type Document struct {
	ID       operation.DocumentID     `json:"id"`
	ViewID   operation.DocumentViewID `json:"viewId"`
	Owner    operation.PublicKey      `json:"owner"`
	SchemaID operation.SchemaID       `json:"schemaId"`
	Edited   bool                     `json:"edited"`
	Deleted  bool                     `json:"deleted"`

	// Cyclic marks a stub for a document already on the path. Stubs carry
	// no fields.
	Cyclic bool `json:"cyclic,omitempty"`

	Fields []Field `json:"fields,omitempty"`
}

// Field returns the named field.
func (d *Document) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Field is one materialized field.
//
// Value always holds the stored value. Document is set for relation and
// pinned relation fields, Documents for both list forms.
type Field struct {
	Name      string              `json:"name"`
	Type      operation.FieldType `json:"type"`
	Value     operation.Value     `json:"value"`
	Document  *Document           `json:"document,omitempty"`
	Documents []*Document         `json:"documents,omitempty"`
}

// =============================================================================
// Materializer
// =============================================================================

// Materializer resolves document views into Documents.
//
// Thread Safety: Safe for concurrent use.
type Materializer struct {
	provider    DocumentProvider
	maxDepth    int
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	flight      singleflight.Group
}

// New creates a Materializer over provider.
func New(provider DocumentProvider, cfg Config) *Materializer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	switch {
	case cfg.Concurrency == 0:
		cfg.Concurrency = DefaultConcurrency
	case cfg.Concurrency < 0:
		cfg.Concurrency = -1
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Materializer{
		provider:    provider,
		maxDepth:    cfg.MaxDepth,
		concurrency: cfg.Concurrency,
		timeout:     cfg.LookupTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Materialize resolves view.
//
// Description:
//
//	selection limits and orders the root fields; nil keeps every field of
//	the view in stored order. Related documents are always resolved with
//	all their fields.
//
// Inputs:
//
//	ctx - Cancels outstanding lookups.
//	view - The root view. Must not be nil.
//	selection - Root field names, or nil.
//
// Outputs:
//
//	*Document - The resolved tree.
//	error - A *NotFoundError for a dangling relation, ErrDepthExceeded,
//	a provider error or the context error.
func (m *Materializer) Materialize(ctx context.Context, view *operation.DocumentView, selection []string) (doc *Document, err error) {
	if view == nil {
		return nil, fmt.Errorf("%w: nil view", ErrNotFound)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Materializer.Materialize",
		trace.WithAttributes(
			attribute.String("document.id", string(view.ID)),
			attribute.String("document.view_id", string(view.ViewID)),
		),
	)
	start := time.Now()
	defer func() {
		m.metrics.RecordMaterialization(ctx, start, err)
		if err != nil {
			telemetry.RecordError(span, err)
			telemetry.LoggerWithTrace(ctx, m.logger).Debug("materialize failed",
				slog.String("document_id", string(view.ID)),
				slog.String("error", err.Error()),
			)
		}
		span.End()
	}()

	return m.build(ctx, view, selection, newPath(view.ID))
}

// MaterializeDocument resolves the latest view of id.
func (m *Materializer) MaterializeDocument(ctx context.Context, id operation.DocumentID, selection []string) (*Document, error) {
	view, err := m.provider.GetDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if view == nil {
		return nil, &NotFoundError{DocumentID: id}
	}
	return m.Materialize(ctx, view, selection)
}

// MaterializeView resolves the view with the given id.
func (m *Materializer) MaterializeView(ctx context.Context, id operation.DocumentViewID, selection []string) (*Document, error) {
	view, err := m.provider.GetDocumentByViewID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document view %s: %w", id, err)
	}
	if view == nil {
		return nil, &NotFoundError{ViewID: id}
	}
	return m.Materialize(ctx, view, selection)
}

func (m *Materializer) build(ctx context.Context, view *operation.DocumentView, selection []string, p path) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := metaOnly(view)
	fields := selectFields(view, selection)
	if len(fields) == 0 {
		return doc, nil
	}

	doc.Fields = make([]Field, len(fields))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, vf := range fields {
		g.Go(func() error {
			f, err := m.resolveField(gctx, vf, p)
			if err != nil {
				return err
			}
			doc.Fields[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *Materializer) resolveField(ctx context.Context, vf operation.ViewField, p path) (Field, error) {
	v := vf.Value
	f := Field{Name: vf.Name, Type: v.Type(), Value: v}

	var err error
	switch v.Type() {
	case operation.FieldTypeRelation:
		f.Document, err = m.related(ctx, vf.Name, reference{documentID: v.Relation()}, p)

	case operation.FieldTypePinnedRelation:
		f.Document, err = m.related(ctx, vf.Name, reference{viewID: v.PinnedRelation()}, p)

	case operation.FieldTypeRelationList:
		ids := v.RelationList()
		refs := make([]reference, len(ids))
		for i, id := range ids {
			refs[i] = reference{documentID: id}
		}
		f.Documents, err = m.relatedList(ctx, vf.Name, refs, p)

	case operation.FieldTypePinnedRelationList:
		views := v.PinnedRelationList()
		refs := make([]reference, len(views))
		for i, id := range views {
			refs[i] = reference{viewID: id}
		}
		f.Documents, err = m.relatedList(ctx, vf.Name, refs, p)
	}
	if err != nil {
		return Field{}, err
	}
	return f, nil
}

func (m *Materializer) relatedList(ctx context.Context, field string, refs []reference, p path) ([]*Document, error) {
	docs := make([]*Document, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			doc, err := m.related(gctx, field, ref, p)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (m *Materializer) related(ctx context.Context, field string, ref reference, p path) (*Document, error) {
	view, err := m.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, &NotFoundError{DocumentID: ref.documentID, ViewID: ref.viewID, Field: field}
	}

	if p.contains(view.ID) {
		stub := metaOnly(view)
		stub.Cyclic = true
		return stub, nil
	}

	next := p.extend(view.ID)
	if len(next) > m.maxDepth {
		return nil, fmt.Errorf("%w: more than %d levels at field %q", ErrDepthExceeded, m.maxDepth, field)
	}
	return m.build(ctx, view, nil, next)
}

// =============================================================================
// Lookups
// =============================================================================

// reference points at a document by id or at a view by view id.
type reference struct {
	documentID operation.DocumentID
	viewID     operation.DocumentViewID
}

func (r reference) key() string {
	if r.viewID != "" {
		return "v:" + string(r.viewID)
	}
	return "d:" + string(r.documentID)
}

// lookup loads the referenced view, sharing one provider call among
// concurrent callers asking for the same key.
func (m *Materializer) lookup(ctx context.Context, ref reference) (*operation.DocumentView, error) {
	// The shared call outlives any single waiter; each waiter still
	// returns on its own cancellation below.
	ch := m.flight.DoChan(ref.key(), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		if ref.viewID != "" {
			return m.provider.GetDocumentByViewID(shared, ref.viewID)
		}
		return m.provider.GetDocument(shared, ref.documentID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("lookup %s: %w", ref.key(), res.Err)
		}
		view, _ := res.Val.(*operation.DocumentView)
		return view, nil
	}
}

// =============================================================================
// Helpers
// =============================================================================

// path is the set of documents from the root to the current node.
type path map[operation.DocumentID]struct{}

func newPath(root operation.DocumentID) path {
	return path{root: {}}
}

func (p path) contains(id operation.DocumentID) bool {
	_, ok := p[id]
	return ok
}

// extend returns a copy of p with id added. Siblings share the parent
// path, so it is never mutated.
func (p path) extend(id operation.DocumentID) path {
	next := make(path, len(p)+1)
	for k := range p {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	return next
}

func metaOnly(view *operation.DocumentView) *Document {
	return &Document{
		ID:       view.ID,
		ViewID:   view.ViewID,
		Owner:    view.Owner,
		SchemaID: view.SchemaID,
		Edited:   view.Edited,
		Deleted:  view.Deleted,
	}
}

func selectFields(view *operation.DocumentView, selection []string) []operation.ViewField {
	if selection == nil {
		return view.Fields
	}
	out := make([]operation.ViewField, 0, len(selection))
	for _, name := range selection {
		if vf, ok := view.Field(name); ok {
			out = append(out, vf)
		}
	}
	return out
}
