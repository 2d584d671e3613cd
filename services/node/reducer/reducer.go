// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reducer folds stored operations into document views.
//
// # Description
//
// The reducer applies operations in arrival order on top of a document's
// latest view. Histories are treated as linear: when an operation's
// previous ids are not the current view, it still wins, and the fork is
// logged. Rebuild replays a whole document from the operation store in
// causal order.
//
// Every applied operation leaves a view under its own view id. An
// operation whose document has no view, or whose previous operations have
// none, arrived after a lost message; Apply then rebuilds the document
// instead of folding onto a stale view.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/docnode/services/node/bus"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
)

var (
	// ErrMissingDocument indicates an update or delete for a document whose
	// create operation is not stored.
	ErrMissingDocument = errors.New("document has no view to apply to")

	// ErrBrokenHistory indicates stored operations that cannot be ordered
	// from the create operation.
	ErrBrokenHistory = errors.New("operation history cannot be replayed")
)

// OperationSource reads stored operations.
type OperationSource interface {
	GetOperation(ctx context.Context, id operation.OperationID) (*sqlstore.StorageOperation, error)
	GetOperationsByDocumentID(ctx context.Context, id operation.DocumentID) ([]*sqlstore.StorageOperation, error)
}

// ViewStore reads and writes views.
type ViewStore interface {
	GetDocument(ctx context.Context, id operation.DocumentID) (*operation.DocumentView, error)
	GetDocumentByViewID(ctx context.Context, id operation.DocumentViewID) (*operation.DocumentView, error)
	PutView(ctx context.Context, view *operation.DocumentView) error
}

// Reducer maintains document views.
//
// Thread Safety: Apply for one document must not run concurrently with
// another Apply for the same document. Run serializes all applies.
type Reducer struct {
	ops     OperationSource
	views   ViewStore
	schemas schema.Provider
	logger  *slog.Logger
}

// New creates a Reducer. schemas orders the fields of new views by
// declaration; nil orders them by name.
func New(ops OperationSource, views ViewStore, schemas schema.Provider, logger *slog.Logger) *Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{ops: ops, views: views, schemas: schemas, logger: logger}
}

// Run applies every NewOperation message on sub until ctx ends or the
// subscription closes. Failures are logged and do not stop the loop.
func (r *Reducer) Run(ctx context.Context, sub *bus.Subscription) error {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			if msg.Kind != bus.KindNewOperation {
				continue
			}
			if err := r.ApplyID(ctx, msg.OperationID); err != nil {
				r.logger.Error("apply operation failed",
					slog.String("operation_id", string(msg.OperationID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ApplyID loads a stored operation and applies it.
func (r *Reducer) ApplyID(ctx context.Context, id operation.OperationID) error {
	op, err := r.ops.GetOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if op == nil {
		return fmt.Errorf("load %s: operation not stored", id)
	}
	_, err = r.Apply(ctx, op)
	return err
}

// Apply folds op into the latest view of its document and stores the
// result.
//
// Description:
//
//	An update or delete whose document or previous operations have no
//	view yet triggers Rebuild, which also covers op since it is stored.
//	An operation already folded in by such a rebuild is not applied
//	twice.
//
// Outputs:
//
//	*operation.DocumentView - The stored view.
//	error - ErrMissingDocument when the document's create is not stored,
//	ErrBrokenHistory for an unreplayable history, or a storage error.
func (r *Reducer) Apply(ctx context.Context, op *sqlstore.StorageOperation) (*operation.DocumentView, error) {
	var current *operation.DocumentView
	if op.Action != operation.ActionCreate {
		var err error
		current, err = r.views.GetDocument(ctx, op.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("load view %s: %w", op.DocumentID, err)
		}
		if current == nil {
			return r.rebuildAfterGap(ctx, op, "document has no view")
		}

		done, err := r.hasView(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		if done {
			return current, nil
		}

		if current.ViewID != op.Previous {
			for _, prev := range op.Previous.OperationIDs() {
				ok, err := r.hasView(ctx, prev)
				if err != nil {
					return nil, err
				}
				if !ok {
					return r.rebuildAfterGap(ctx, op, "previous operation was never applied")
				}
			}
			r.logger.Warn("operation does not extend the current view",
				slog.String("document_id", string(op.DocumentID)),
				slog.String("current_view", string(current.ViewID)),
				slog.String("previous", string(op.Previous)),
			)
		}
	}

	next, err := r.fold(ctx, current, op)
	if err != nil {
		return nil, err
	}
	if err := r.views.PutView(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// hasView reports whether the operation id was applied.
func (r *Reducer) hasView(ctx context.Context, id operation.OperationID) (bool, error) {
	view, err := r.views.GetDocumentByViewID(ctx, operation.NewDocumentViewID(id))
	if err != nil {
		return false, fmt.Errorf("load view %s: %w", id, err)
	}
	return view != nil, nil
}

// rebuildAfterGap rebuilds the document of op after a missed operation.
func (r *Reducer) rebuildAfterGap(ctx context.Context, op *sqlstore.StorageOperation, reason string) (*operation.DocumentView, error) {
	r.logger.Warn("rebuilding document after a missed operation",
		slog.String("document_id", string(op.DocumentID)),
		slog.String("operation_id", string(op.ID)),
		slog.String("reason", reason),
	)
	view, err := r.Rebuild(ctx, op.DocumentID)
	if errors.Is(err, ErrBrokenHistory) {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingDocument, op.DocumentID, err)
	}
	return view, err
}

// Rebuild replays every stored operation of a document, each after all
// of its previous operations, and returns the final view. Every
// intermediate view is stored too.
func (r *Reducer) Rebuild(ctx context.Context, id operation.DocumentID) (*operation.DocumentView, error) {
	ops, err := r.ops.GetOperationsByDocumentID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load operations of %s: %w", id, err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDocument, id)
	}

	applied := make(map[operation.OperationID]bool, len(ops))
	pending := slices.Clone(ops)
	var view *operation.DocumentView
	for len(pending) > 0 {
		progressed := false
		rest := pending[:0]
		for _, op := range pending {
			if !ready(op, applied) {
				rest = append(rest, op)
				continue
			}
			if view, err = r.fold(ctx, view, op); err != nil {
				return nil, err
			}
			if err := r.views.PutView(ctx, view); err != nil {
				return nil, err
			}
			applied[op.ID] = true
			progressed = true
		}
		pending = rest
		if !progressed {
			return nil, fmt.Errorf("%w: %d operations of %s never become applicable", ErrBrokenHistory, len(pending), id)
		}
	}

	return view, nil
}

func ready(op *sqlstore.StorageOperation, applied map[operation.OperationID]bool) bool {
	if op.Action == operation.ActionCreate {
		return len(applied) == 0
	}
	if len(applied) == 0 {
		return false
	}
	for _, prev := range op.Previous.OperationIDs() {
		if !applied[prev] {
			return false
		}
	}
	return true
}

// fold returns the view after op. current is nil only for a create.
func (r *Reducer) fold(ctx context.Context, current *operation.DocumentView, op *sqlstore.StorageOperation) (*operation.DocumentView, error) {
	next := &operation.DocumentView{
		ID:       op.DocumentID,
		ViewID:   operation.NewDocumentViewID(op.ID),
		SchemaID: op.SchemaID,
		Owner:    op.PublicKey,
	}

	switch op.Action {
	case operation.ActionCreate:
		order, err := r.fieldOrder(ctx, op)
		if err != nil {
			return nil, err
		}
		for _, name := range order {
			if v, ok := op.Fields[name]; ok {
				next.Fields = append(next.Fields, operation.ViewField{Name: name, OperationID: op.ID, Value: v})
			}
		}
		return next, nil

	case operation.ActionUpdate:
		if current == nil {
			return nil, fmt.Errorf("%w: update %s before create", ErrBrokenHistory, op.ID)
		}
		next.Owner = current.Owner
		next.Edited = true
		if current.Deleted {
			// Deletion is final; a racing update only advances the view id.
			next.Deleted = true
			return next, nil
		}
		next.Fields = make([]operation.ViewField, len(current.Fields))
		for i, f := range current.Fields {
			if v, ok := op.Fields[f.Name]; ok {
				f = operation.ViewField{Name: f.Name, OperationID: op.ID, Value: v}
			}
			next.Fields[i] = f
		}
		return next, nil

	case operation.ActionDelete:
		if current == nil {
			return nil, fmt.Errorf("%w: delete %s before create", ErrBrokenHistory, op.ID)
		}
		next.Owner = current.Owner
		next.Edited = true
		next.Deleted = true
		return next, nil
	}
	return nil, fmt.Errorf("%w: %s", operation.ErrUnknownAction, op.Action)
}

func (r *Reducer) fieldOrder(ctx context.Context, op *sqlstore.StorageOperation) ([]string, error) {
	if r.schemas == nil {
		return op.Fields.Names(), nil
	}
	def, err := r.schemas.Get(ctx, op.SchemaID)
	if errors.Is(err, schema.ErrSchemaNotFound) {
		return op.Fields.Names(), nil
	}
	if err != nil {
		return nil, err
	}
	return def.FieldNames(), nil
}
