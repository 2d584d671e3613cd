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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/docnode/services/node/config"
	"github.com/AleutianAI/docnode/services/node/operation"
)

var author = operation.PublicKey(strings.Repeat("5a", 32))

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "docnode.sqlite") + "?_pragma=busy_timeout(5000)"
	body := fmt.Sprintf(`
database:
  driver: sqlite
  dsn: '%s'
views:
  in_memory: true
logging:
  level: warn
`, dsn)
	path := filepath.Join(dir, "docnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// execute runs the root command and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// seed publishes one create operation through a freshly opened node.
func seed(t *testing.T, path string) *operation.Operation {
	t.Helper()
	loaded, err := config.Load(path)
	require.NoError(t, err)

	n, err := openNode(context.Background(), loaded, nil, slog.Default(), false)
	require.NoError(t, err)
	defer n.Close()

	schemaID := operation.NewApplicationSchemaID("note", operation.NewDocumentViewID(
		operation.OperationID(operation.NewHash([]byte("note-schema"))),
	))
	op := &operation.Operation{
		Action:   operation.ActionCreate,
		SchemaID: schemaID,
		Fields:   operation.Fields{"title": operation.NewString("hello")},
	}
	_, err = n.publish.Publish(context.Background(), "", author, op, "")
	require.NoError(t, err)
	return op
}

func TestCLI_MigrateAndInspect(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	op := seed(t, path)
	id, err := op.ID()
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		out, err := execute(t, "operations", "get", id.String(), "--config", path)
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, id.String(), got["id"])
		assert.Equal(t, id.String(), got["document_id"])
		assert.Equal(t, author.String(), got["public_key"])
	})

	t.Run("by document", func(t *testing.T) {
		out, err := execute(t, "ops", "by-document", id.String(), "--config", path)
		require.NoError(t, err)

		var got []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got, 1)
		assert.Equal(t, id.String(), got[0]["id"])
	})

	t.Run("by schema", func(t *testing.T) {
		out, err := execute(t, "operations", "by-schema", op.SchemaID.String(), "--config", path)
		require.NoError(t, err)

		var got []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Len(t, got, 1)
	})

	t.Run("rebuild", func(t *testing.T) {
		out, err := execute(t, "views", "rebuild", id.String(), "--config", path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%s %s\n", id, id), out)
	})

	t.Run("missing operation", func(t *testing.T) {
		missing := operation.OperationID(operation.NewHash([]byte("missing")))
		_, err := execute(t, "operations", "get", missing.String(), "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := execute(t, "operations", "get", "nope", "--config", path)
		assert.ErrorIs(t, err, operation.ErrInvalidHash)
	})
}

func TestCLI_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o600))

	_, err := execute(t, "migrate", "--config", path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
