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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/docnode/services/node/bus"
	"github.com/AleutianAI/docnode/services/node/config"
	"github.com/AleutianAI/docnode/services/node/executor"
	"github.com/AleutianAI/docnode/services/node/materializer"
	"github.com/AleutianAI/docnode/services/node/publish"
	"github.com/AleutianAI/docnode/services/node/reducer"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/storage/badger"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
	"github.com/AleutianAI/docnode/services/node/telemetry"
)

// node owns every long lived component of a running docnode.
type node struct {
	ops          *sqlstore.Store
	views        *badger.ViewStore
	schemas      *schema.MemoryProvider
	bus          *bus.Bus
	reducer      *reducer.Reducer
	publish      *publish.Service
	materializer *materializer.Materializer
	executor     *executor.Executor
}

// openNode opens both stores and wires the services on top.
//
// Description:
//
//	The operation store is migrated first when migrate is set. Without
//	declared schemas, publish accepts operations of any schema; collection
//	queries still need a declared schema.
//
// Inputs:
//
//	ctx - Bounds store connection and migration.
//	cfg - Validated configuration.
//	metrics - Optional instruments.
//	log - Component logger.
//	migrate - Apply pending migrations.
//
// Outputs:
//
//	*node - Must be closed.
//	error - Store or schema configuration failure.
func openNode(ctx context.Context, cfg config.Config, metrics *telemetry.Metrics, log *slog.Logger, migrate bool) (n *node, err error) {
	schemas, err := cfg.SchemaProvider()
	if err != nil {
		return nil, err
	}

	n = &node{schemas: schemas}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	if n.ops, err = sqlstore.Open(ctx, cfg.SQLStore(log)); err != nil {
		return nil, fmt.Errorf("open operation store: %w", err)
	}
	if migrate {
		if err = n.ops.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate operation store: %w", err)
		}
	}
	if n.views, err = badger.Open(cfg.ViewStore(log)); err != nil {
		return nil, fmt.Errorf("open view store: %w", err)
	}

	var publishSchemas schema.Provider
	if len(cfg.Schemas) > 0 {
		publishSchemas = schemas
	}

	n.bus = bus.New(log)
	n.reducer = reducer.New(n.ops, n.views, schemas, log)
	n.publish = publish.New(n.ops, publish.Config{
		Schemas: publishSchemas,
		Bus:     n.bus,
		Logger:  log,
		Metrics: metrics,
	})
	n.materializer = materializer.New(n.views, materializer.Config{
		MaxDepth:    cfg.Query.MaxDepth,
		Concurrency: cfg.Query.Concurrency,
		Logger:      log,
		Metrics:     metrics,
	})
	n.executor = executor.New(n.views, executor.Config{
		Materializer: n.materializer,
		Concurrency:  cfg.Query.Concurrency,
		Logger:       log,
		Metrics:      metrics,
	})
	return n, nil
}

// Close stops the bus and closes both stores.
func (n *node) Close() error {
	var errs []error
	if n.bus != nil {
		n.bus.Close()
	}
	if n.views != nil {
		if err := n.views.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close view store: %w", err))
		}
	}
	if n.ops != nil {
		if err := n.ops.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close operation store: %w", err))
		}
	}
	return errors.Join(errs...)
}
