// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publish accepts new operations into the node.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/docnode/services/node/bus"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/telemetry"
)

const tracerName = "docnode.publish"

var (
	// ErrIDMismatch indicates a supplied id that is not the hash of the
	// operation.
	ErrIDMismatch = errors.New("operation id does not match its content")

	// ErrDocumentMismatch indicates a document id that disagrees with the
	// operation's history.
	ErrDocumentMismatch = errors.New("document id does not match operation history")

	// ErrUnknownPrevious indicates a previous operation this node has not
	// stored.
	ErrUnknownPrevious = errors.New("previous operation not found")

	// ErrDocumentDeleted indicates an update or delete of a document that
	// already has a delete operation.
	ErrDocumentDeleted = errors.New("document is deleted")
)

// OperationStore persists operations.
type OperationStore interface {
	InsertOperation(ctx context.Context, id operation.OperationID, author operation.PublicKey, op *operation.Operation, documentID operation.DocumentID) error
	GetDocumentIDByOperationID(ctx context.Context, id operation.OperationID) (operation.DocumentID, bool, error)
	IsDocumentDeleted(ctx context.Context, id operation.DocumentID) (bool, error)
}

// Config wires a Service.
type Config struct {
	// Schemas, when set, checks operation fields against their schema.
	Schemas schema.Provider

	// Bus receives a NewOperation message per stored operation. Optional.
	Bus *bus.Bus

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Service validates, stores and announces operations.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	store   OperationStore
	schemas schema.Provider
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Service over store.
func New(store OperationStore, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:   store,
		schemas: cfg.Schemas,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Receipt reports a stored operation.
type Receipt struct {
	OperationID operation.OperationID `json:"operation_id"`
	DocumentID  operation.DocumentID  `json:"document_id"`

	// Delivered counts bus subscribers that took the announcement.
	Delivered int `json:"delivered"`
}

// Publish stores op and announces it on the bus.
//
// Description:
//
//	The operation is validated first: action, previous and fields must
//	fit together, and with a schema provider the fields must match the
//	schema. An empty id is computed from the content; a given id must
//	match it. An empty document id is derived: a create starts its own
//	document, other actions inherit the document their previous
//	operations belong to. Deleted documents accept no further operations.
//
// Inputs:
//
//	ctx - Request context.
//	id - Content id, or empty.
//	author - Public key of the author.
//	op - The operation.
//	documentID - Document id, or empty.
//
// Outputs:
//
//	*Receipt - Ids as stored.
//	error - Wraps operation.ErrInvalidOperation, schema errors,
//	ErrIDMismatch, ErrDocumentMismatch, ErrUnknownPrevious,
//	ErrDocumentDeleted or a store
//	error such as a conflict for a duplicate id.
func (s *Service) Publish(
	ctx context.Context,
	id operation.OperationID,
	author operation.PublicKey,
	op *operation.Operation,
	documentID operation.DocumentID,
) (receipt *Receipt, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.Publish")
	defer func() {
		action := ""
		if op != nil {
			action = string(op.Action)
		}
		s.metrics.RecordPublish(ctx, action, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	if err := op.Validate(); err != nil {
		return nil, err
	}
	if _, err := operation.ParsePublicKey(string(author)); err != nil {
		return nil, fmt.Errorf("%w: %w", operation.ErrInvalidOperation, err)
	}

	computed, err := op.ID()
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = computed
	} else if id != computed {
		return nil, fmt.Errorf("%w: got %s, content hashes to %s", ErrIDMismatch, id, computed)
	}

	if s.schemas != nil {
		def, err := s.schemas.Get(ctx, op.SchemaID)
		if err != nil {
			return nil, err
		}
		if err := def.ValidateFields(op.Action, op.Fields); err != nil {
			return nil, err
		}
	}

	documentID, err = s.resolveDocument(ctx, id, op, documentID)
	if err != nil {
		return nil, err
	}
	telemetry.SetSpanAttributes(span,
		attribute.String("operation.id", string(id)),
		attribute.String("document.id", string(documentID)),
	)

	if err := s.store.InsertOperation(ctx, id, author, op, documentID); err != nil {
		return nil, err
	}

	receipt = &Receipt{OperationID: id, DocumentID: documentID}
	if s.bus != nil {
		receipt.Delivered = s.bus.Send(bus.Message{
			Kind:        bus.KindNewOperation,
			OperationID: id,
			DocumentID:  documentID,
			SchemaID:    op.SchemaID,
		})
	}

	telemetry.LoggerWithTrace(ctx, s.logger).Info("operation published",
		slog.String("operation_id", string(id)),
		slog.String("document_id", string(documentID)),
		slog.String("action", string(op.Action)),
		slog.Int("delivered", receipt.Delivered),
	)
	return receipt, nil
}

func (s *Service) resolveDocument(ctx context.Context, id operation.OperationID, op *operation.Operation, given operation.DocumentID) (operation.DocumentID, error) {
	if op.Action == operation.ActionCreate {
		own := operation.DocumentID(id)
		if given != "" && given != own {
			return "", fmt.Errorf("%w: create %s starts document %s, got %s", ErrDocumentMismatch, id, own, given)
		}
		return own, nil
	}

	var found operation.DocumentID
	for _, prev := range op.Previous.OperationIDs() {
		doc, ok, err := s.store.GetDocumentIDByOperationID(ctx, prev)
		if err != nil {
			return "", fmt.Errorf("look up previous %s: %w", prev, err)
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownPrevious, prev)
		}
		if found != "" && doc != found {
			return "", fmt.Errorf("%w: previous operations span documents %s and %s", ErrDocumentMismatch, found, doc)
		}
		found = doc
	}
	if given != "" && given != found {
		return "", fmt.Errorf("%w: previous operations belong to %s, got %s", ErrDocumentMismatch, found, given)
	}

	deleted, err := s.store.IsDocumentDeleted(ctx, found)
	if err != nil {
		return "", fmt.Errorf("check document %s: %w", found, err)
	}
	if deleted {
		return "", fmt.Errorf("%w: %s", ErrDocumentDeleted, found)
	}
	return found, nil
}
