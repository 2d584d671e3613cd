// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
)

// storedOperation is the CLI rendering of a stored operation.
type storedOperation struct {
	ID         operation.OperationID `json:"id"`
	PublicKey  operation.PublicKey   `json:"public_key"`
	DocumentID operation.DocumentID  `json:"document_id"`
	Operation  *operation.Operation  `json:"operation"`
}

func newStoredOperation(op *sqlstore.StorageOperation) storedOperation {
	return storedOperation{ID: op.ID, PublicKey: op.PublicKey, DocumentID: op.DocumentID, Operation: op.Operation()}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withOperations opens the operation store for the length of fn.
func withOperations(ctx context.Context, fn func(*sqlstore.Store) error) error {
	store, err := sqlstore.Open(ctx, cfg.SQLStore(logger.Slog()))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// =============================================================================
// Migrations
// =============================================================================

func runMigrate(cmd *cobra.Command, args []string) error {
	return withOperations(cmd.Context(), func(store *sqlstore.Store) error {
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "operation store is up to date")
		return err
	})
}

// =============================================================================
// Operations
// =============================================================================

func runOperationsGet(cmd *cobra.Command, args []string) error {
	id, err := operation.ParseOperationID(args[0])
	if err != nil {
		return err
	}
	return withOperations(cmd.Context(), func(store *sqlstore.Store) error {
		op, err := store.GetOperation(cmd.Context(), id)
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("operation %s not found", id)
		}
		return writeJSON(cmd.OutOrStdout(), newStoredOperation(op))
	})
}

func runOperationsByDocument(cmd *cobra.Command, args []string) error {
	id, err := operation.ParseDocumentID(args[0])
	if err != nil {
		return err
	}
	return withOperations(cmd.Context(), func(store *sqlstore.Store) error {
		ops, err := store.GetOperationsByDocumentID(cmd.Context(), id)
		if err != nil {
			return err
		}
		return writeOperations(cmd.OutOrStdout(), ops)
	})
}

func runOperationsBySchema(cmd *cobra.Command, args []string) error {
	id, err := operation.ParseSchemaID(args[0])
	if err != nil {
		return err
	}
	return withOperations(cmd.Context(), func(store *sqlstore.Store) error {
		ops, err := store.GetOperationsBySchemaID(cmd.Context(), id)
		if err != nil {
			return err
		}
		return writeOperations(cmd.OutOrStdout(), ops)
	})
}

func writeOperations(w io.Writer, ops []*sqlstore.StorageOperation) error {
	out := make([]storedOperation, len(ops))
	for i, op := range ops {
		out[i] = newStoredOperation(op)
	}
	return writeJSON(w, out)
}

// =============================================================================
// Views
// =============================================================================

func runViewsGet(cmd *cobra.Command, args []string) error {
	id, err := operation.ParseDocumentID(args[0])
	if err != nil {
		return err
	}
	n, err := openNode(cmd.Context(), cfg, nil, logger.Slog(), false)
	if err != nil {
		return err
	}
	defer n.Close()

	doc, err := n.materializer.MaterializeDocument(cmd.Context(), id, nil)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), doc)
}

func runViewsRebuild(cmd *cobra.Command, args []string) error {
	ids := make([]operation.DocumentID, len(args))
	for i, arg := range args {
		id, err := operation.ParseDocumentID(arg)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	n, err := openNode(cmd.Context(), cfg, nil, logger.Slog(), false)
	if err != nil {
		return err
	}
	defer n.Close()

	for _, id := range ids {
		view, err := n.reducer.Rebuild(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("rebuild %s: %w", id, err)
		}
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, view.ViewID); err != nil {
			return err
		}
	}
	return nil
}
