// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/docnode/services/node/operation"
)

const (
	viewPrefix     = "v/"
	documentPrefix = "d/"
	schemaPrefix   = "s/"
)

func viewKey(id operation.DocumentViewID) []byte {
	return []byte(viewPrefix + string(id))
}

func documentKey(id operation.DocumentID) []byte {
	return []byte(documentPrefix + string(id))
}

func schemaIndexPrefix(id operation.SchemaID) []byte {
	return []byte(schemaPrefix + string(id) + "/")
}

func schemaKey(schemaID operation.SchemaID, id operation.DocumentID) []byte {
	return append(schemaIndexPrefix(schemaID), string(id)...)
}

// PutView stores a view and makes it the latest view of its document.
//
// Description:
//
//	Historic views stay addressable by view id so pinned relations keep
//	resolving. The document and schema indexes always point at the view
//	stored last.
//
// Inputs:
//
//	ctx - Checked before the write starts.
//	view - The view. ID, ViewID and SchemaID are required.
//
// Outputs:
//
//	error - ErrInvalidView for incomplete views, or the BadgerDB error.
func (s *ViewStore) PutView(ctx context.Context, view *operation.DocumentView) error {
	if view == nil || view.ID == "" || view.ViewID.IsEmpty() || view.SchemaID == "" {
		return fmt.Errorf("%w: id, view id and schema id are required", ErrInvalidView)
	}

	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrInvalidView, err)
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		// A document never changes schema, but drop a stale index entry if
		// an earlier view disagrees.
		if previous, err := latestViewID(txn, view.ID); err == nil {
			old, err := loadView(txn, previous)
			if err != nil {
				return err
			}
			if old.SchemaID != view.SchemaID {
				if err := txn.Delete(schemaKey(old.SchemaID, view.ID)); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(viewKey(view.ViewID), data); err != nil {
			return err
		}
		if err := txn.Set(documentKey(view.ID), []byte(view.ViewID)); err != nil {
			return err
		}
		return txn.Set(schemaKey(view.SchemaID, view.ID), []byte(view.ViewID))
	})
	if err != nil {
		return fmt.Errorf("put view %s: %w", view.ViewID, err)
	}

	s.logger.Debug("view stored",
		slog.String("document_id", string(view.ID)),
		slog.String("view_id", string(view.ViewID)),
	)
	return nil
}

// GetDocument returns the latest view of a document, or nil if unknown.
func (s *ViewStore) GetDocument(ctx context.Context, id operation.DocumentID) (*operation.DocumentView, error) {
	var view *operation.DocumentView
	err := s.view(ctx, func(txn *badger.Txn) error {
		viewID, err := latestViewID(txn, id)
		if err != nil {
			return err
		}
		view, err = loadView(txn, viewID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return view, nil
}

// GetDocumentByViewID returns one exact view, or nil if unknown.
func (s *ViewStore) GetDocumentByViewID(ctx context.Context, id operation.DocumentViewID) (*operation.DocumentView, error) {
	var view *operation.DocumentView
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		view, err = loadView(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get view %s: %w", id, err)
	}
	return view, nil
}

// ListBySchema returns the latest view of every document of a schema,
// ordered by document id.
func (s *ViewStore) ListBySchema(ctx context.Context, schemaID operation.SchemaID) ([]*operation.DocumentView, error) {
	var views []*operation.DocumentView
	err := s.view(ctx, func(txn *badger.Txn) error {
		prefix := schemaIndexPrefix(schemaID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			view, err := loadView(txn, operation.DocumentViewID(raw))
			if err != nil {
				return fmt.Errorf("index entry %s: %w", it.Item().Key(), err)
			}
			views = append(views, view)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list schema %s: %w", schemaID, err)
	}
	return views, nil
}

func latestViewID(txn *badger.Txn, id operation.DocumentID) (operation.DocumentViewID, error) {
	item, err := txn.Get(documentKey(id))
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return operation.DocumentViewID(raw), nil
}

func loadView(txn *badger.Txn, id operation.DocumentViewID) (*operation.DocumentView, error) {
	item, err := txn.Get(viewKey(id))
	if err != nil {
		return nil, err
	}
	view := &operation.DocumentView{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, view)
	})
	if err != nil {
		return nil, fmt.Errorf("decode view %s: %w", id, err)
	}
	return view, nil
}
