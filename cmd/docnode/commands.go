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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/docnode/pkg/logging"
	"github.com/AleutianAI/docnode/services/node/config"
)

// --- Global Command Variables ---
var (
	configPath string
	debugMode  bool

	// Set by the root PersistentPreRunE.
	cfg    config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "docnode",
		Short: "Store operations and serve materialized documents",
		Long: `docnode keeps an append-only log of document operations, folds them
into document views and answers document and collection queries.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logger == nil {
				return nil
			}
			return logger.Close()
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the view reducer",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending operation store migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate, // Defined in cmd_store.go
	}

	// --- Operations ---
	operationsCmd = &cobra.Command{
		Use:     "operations",
		Short:   "Inspect stored operations",
		Aliases: []string{"ops"},
	}
	operationsGetCmd = &cobra.Command{
		Use:   "get [operation_id]",
		Short: "Print one stored operation",
		Args:  cobra.ExactArgs(1),
		RunE:  runOperationsGet, // Defined in cmd_store.go
	}
	operationsByDocumentCmd = &cobra.Command{
		Use:   "by-document [document_id]",
		Short: "Print every operation of a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runOperationsByDocument, // Defined in cmd_store.go
	}
	operationsBySchemaCmd = &cobra.Command{
		Use:   "by-schema [schema_id]",
		Short: "Print every operation of a schema",
		Args:  cobra.ExactArgs(1),
		RunE:  runOperationsBySchema, // Defined in cmd_store.go
	}

	// --- Views ---
	viewsCmd = &cobra.Command{
		Use:   "views",
		Short: "Inspect and repair document views",
	}
	viewsGetCmd = &cobra.Command{
		Use:   "get [document_id]",
		Short: "Print the latest view of a document",
		Args:  cobra.ExactArgs(1),
		RunE:  runViewsGet, // Defined in cmd_store.go
	}
	viewsRebuildCmd = &cobra.Command{
		Use:   "rebuild [document_id...]",
		Short: "Replay stored operations into fresh views",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runViewsRebuild, // Defined in cmd_store.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "log at debug level")

	rootCmd.AddCommand(serveCmd, migrateCmd, operationsCmd, viewsCmd)
	operationsCmd.AddCommand(operationsGetCmd, operationsByDocumentCmd, operationsBySchemaCmd)
	viewsCmd.AddCommand(viewsGetCmd, viewsRebuildCmd)
}

// loadConfig reads the config file and installs the process logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCfg, err := loaded.Logger()
	if err != nil {
		return err
	}
	if debugMode {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.Output = cmd.ErrOrStderr()

	cfg = loaded
	logger = logging.New(logCfg)
	slog.SetDefault(logger.Slog())
	return nil
}
