// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the node configuration.
//
// A YAML file is layered over Default, then environment overrides are
// applied, then the result is validated. Every field can be omitted from
// the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/docnode/pkg/logging"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/storage/badger"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
	"github.com/AleutianAI/docnode/services/node/telemetry"
)

// Environment variables read by Load.
const (
	EnvDatabaseDSN = "DOCNODE_DATABASE_DSN"
	EnvHTTPAddress = "DOCNODE_HTTP_ADDRESS"
	EnvLogLevel    = "DOCNODE_LOG_LEVEL"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// =============================================================================
// Types
// =============================================================================

// Config is the complete node configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Views     ViewsConfig      `yaml:"views"`
	HTTP      HTTPConfig       `yaml:"http"`
	Query     QueryConfig      `yaml:"query"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Schemas   []SchemaConfig   `yaml:"schemas" validate:"dive"`
}

// SchemaConfig declares one schema the node accepts operations for.
type SchemaConfig struct {
	ID          string            `yaml:"id" validate:"required"`
	Description string            `yaml:"description"`
	Fields      []schema.FieldDef `yaml:"fields" validate:"min=1"`
}

// DatabaseConfig configures the operation store.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" validate:"required,oneof=sqlite pgx"`
	DSN          string `yaml:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
	// MigrateOnStart applies pending migrations when the node starts.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// ViewsConfig configures the view store.
type ViewsConfig struct {
	Path       string        `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Address         string        `yaml:"address" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// PublishPerMinute limits publish requests per client IP; 0 disables it.
	PublishPerMinute int `yaml:"publish_per_minute" validate:"gte=0"`
	PublishBurst     int `yaml:"publish_burst" validate:"gte=0"`
}

// QueryConfig bounds query and materialization work.
type QueryConfig struct {
	MaxDepth int `yaml:"max_depth" validate:"gte=1,lte=256"`
	// Concurrency bounds parallel lookups. Negative means unbounded.
	Concurrency int `yaml:"concurrency"`
	// BusBuffer is the reducer's subscription buffer.
	BusBuffer int `yaml:"bus_buffer" validate:"gte=1"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns a single process node on embedded SQLite and an
// on-disk view store under ./data.
func Default() Config {
	db := sqlstore.DefaultConfig()
	views := badger.DefaultConfig(filepath.Join("data", "views"))
	return Config{
		Database: DatabaseConfig{
			Driver:         db.Driver,
			DSN:            db.DSN,
			MigrateOnStart: true,
		},
		Views: ViewsConfig{
			Path:       views.Path,
			SyncWrites: views.SyncWrites,
			GCInterval: views.GCInterval,
		},
		HTTP: HTTPConfig{
			Address:          "127.0.0.1:2020",
			ShutdownTimeout:  10 * time.Second,
			PublishPerMinute: 600,
			PublishBurst:     60,
		},
		Query: QueryConfig{
			MaxDepth:    16,
			Concurrency: 8,
			BusBuffer:   1024,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads the configuration.
//
// Description:
//
//	An empty path skips the file. Values in the file override Default.
//	DOCNODE_DATABASE_DSN, DOCNODE_HTTP_ADDRESS and DOCNODE_LOG_LEVEL
//	override the file.
//
// Inputs:
//
//	path - YAML file path, or empty.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - A read or parse failure, or wraps ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvHTTPAddress); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks struct constraints and returns a readable summary.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = formatFieldError(fe)
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_unless":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// =============================================================================
// Component Configs
// =============================================================================

// SQLStore returns the operation store configuration.
func (c Config) SQLStore(logger *slog.Logger) sqlstore.Config {
	db := sqlstore.DefaultConfig()
	db.Driver = c.Database.Driver
	db.DSN = c.Database.DSN
	db.MaxOpenConns = c.Database.MaxOpenConns
	db.Logger = logger
	return db
}

// ViewStore returns the view store configuration.
func (c Config) ViewStore(logger *slog.Logger) badger.Config {
	if c.Views.InMemory {
		cfg := badger.InMemoryConfig()
		cfg.Logger = logger
		return cfg
	}
	cfg := badger.DefaultConfig(c.Views.Path)
	cfg.SyncWrites = c.Views.SyncWrites
	cfg.GCInterval = c.Views.GCInterval
	cfg.Logger = logger
	return cfg
}

// Logger returns the pkg/logging configuration.
func (c Config) Logger() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		JSON:    c.Logging.JSON,
		LogDir:  c.Logging.Dir,
		Service: c.Telemetry.ServiceName,
	}, nil
}

// SchemaProvider parses the declared schemas into a provider.
//
// Outputs:
//
//	*schema.MemoryProvider - One entry per declared schema.
//	error - Wraps ErrInvalidConfig for a malformed id, an unknown field
//	type or a duplicate schema or field name.
func (c Config) SchemaProvider() (*schema.MemoryProvider, error) {
	provider := schema.NewMemoryProvider()
	seen := make(map[operation.SchemaID]bool, len(c.Schemas))
	for i, sc := range c.Schemas {
		id, err := operation.ParseSchemaID(sc.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: schemas[%d]: %w", ErrInvalidConfig, i, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: schema %s declared twice", ErrInvalidConfig, id)
		}
		seen[id] = true

		fields := make([]schema.FieldDef, len(sc.Fields))
		names := make(map[string]bool, len(sc.Fields))
		for j, f := range sc.Fields {
			if f.Name == "" || names[f.Name] {
				return nil, fmt.Errorf("%w: schema %s: field %d has an empty or duplicate name", ErrInvalidConfig, id, j)
			}
			names[f.Name] = true
			t, err := operation.ParseFieldType(string(f.Type))
			if err != nil {
				return nil, fmt.Errorf("%w: schema %s field %q: %w", ErrInvalidConfig, id, f.Name, err)
			}
			fields[j] = schema.FieldDef{Name: f.Name, Type: t}
		}
		provider.Register(&schema.Schema{ID: id, Description: sc.Description, Fields: fields})
	}
	return provider, nil
}
