// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the node over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/docnode/services/node/executor"
	"github.com/AleutianAI/docnode/services/node/materializer"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/publish"
	"github.com/AleutianAI/docnode/services/node/query"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
)

// =============================================================================
// Dependencies
// =============================================================================

// Materializer resolves a view with its relations.
type Materializer interface {
	Materialize(ctx context.Context, view *operation.DocumentView, selection []string) (*materializer.Document, error)
}

// Executor runs collection queries.
type Executor interface {
	Query(ctx context.Context, q *query.Query) (*executor.Result, error)
	QueryRelationList(ctx context.Context, parent *operation.DocumentView, field string, q *query.Query) (*executor.Result, error)
}

// Publisher accepts new operations.
type Publisher interface {
	Publish(ctx context.Context, id operation.OperationID, author operation.PublicKey, op *operation.Operation, documentID operation.DocumentID) (*publish.Receipt, error)
}

// OperationReader reads stored operations.
type OperationReader interface {
	GetOperation(ctx context.Context, id operation.OperationID) (*sqlstore.StorageOperation, error)
	GetOperationsByDocumentID(ctx context.Context, id operation.DocumentID) ([]*sqlstore.StorageOperation, error)
}

// ViewReader reads document views.
type ViewReader interface {
	GetDocument(ctx context.Context, id operation.DocumentID) (*operation.DocumentView, error)
	GetDocumentByViewID(ctx context.Context, id operation.DocumentViewID) (*operation.DocumentView, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds the handler dependencies. Checks is optional.
type Deps struct {
	Materializer Materializer
	Executor     Executor
	Publisher    Publisher
	Operations   OperationReader
	Views        ViewReader
	Schemas      schema.Provider
	Checks       map[string]Pinger
	Version      string
}

// Handlers contains HTTP handlers for the node API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /v1/node/health.
//
// Response:
//
//	200 OK: HealthResponse
//	503 Service Unavailable: A backing store failed its check
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Version: h.deps.Version}
	status := http.StatusOK
	for name, p := range h.deps.Checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(h.deps.Checks))
		}
		if err := p.Ping(c.Request.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	c.JSON(status, resp)
}

// =============================================================================
// Documents
// =============================================================================

// HandleGetDocument handles GET /v1/node/documents/:document_id.
//
// Description:
//
//	Returns the latest view of a document with its relations resolved.
//
// Query Parameters:
//
//	select: Comma separated field names (optional, default all fields)
//
// Response:
//
//	200 OK: materializer.Document
//	400 Bad Request: Malformed document id or undeclared selected field
//	404 Not Found: Unknown document
func (h *Handlers) HandleGetDocument(c *gin.Context) {
	logger := requestLogger(c, "HandleGetDocument")
	ctx := c.Request.Context()

	id, err := operation.ParseDocumentID(c.Param("document_id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	view, err := h.deps.Views.GetDocument(ctx, id)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if view == nil {
		h.fail(c, logger, &materializer.NotFoundError{DocumentID: id})
		return
	}
	h.materialize(c, logger, view)
}

// HandleGetView handles GET /v1/node/views/:view_id.
//
// Description:
//
//	Returns one specific view of a document. Multi-operation view ids
//	are joined with underscores.
//
// Response:
//
//	200 OK: materializer.Document
//	400 Bad Request: Malformed view id or undeclared selected field
//	404 Not Found: Unknown view
func (h *Handlers) HandleGetView(c *gin.Context) {
	logger := requestLogger(c, "HandleGetView")
	ctx := c.Request.Context()

	id, err := operation.ParseDocumentViewID(c.Param("view_id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	view, err := h.deps.Views.GetDocumentByViewID(ctx, id)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if view == nil {
		h.fail(c, logger, &materializer.NotFoundError{ViewID: id})
		return
	}
	h.materialize(c, logger, view)
}

// materialize validates ?select against the view's schema and writes the
// resolved document.
func (h *Handlers) materialize(c *gin.Context, logger *slog.Logger, view *operation.DocumentView) {
	ctx := c.Request.Context()

	var fields []string
	if names := selection(c); len(names) > 0 {
		def, err := h.viewSchema(ctx, view)
		if err != nil {
			h.fail(c, logger, err)
			return
		}
		if fields, err = query.BuildSelection(names, def); err != nil {
			h.fail(c, logger, err)
			return
		}
	}

	doc, err := h.deps.Materializer.Materialize(ctx, view, fields)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// viewSchema returns the declared schema of view. Views of undeclared
// schemas are described by the fields they carry.
func (h *Handlers) viewSchema(ctx context.Context, view *operation.DocumentView) (*schema.Schema, error) {
	if h.deps.Schemas != nil {
		def, err := h.deps.Schemas.Get(ctx, view.SchemaID)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, schema.ErrSchemaNotFound) {
			return nil, err
		}
	}
	def := &schema.Schema{ID: view.SchemaID, Fields: make([]schema.FieldDef, len(view.Fields))}
	for i, f := range view.Fields {
		def.Fields[i] = schema.FieldDef{Name: f.Name, Type: f.Value.Type()}
	}
	return def, nil
}

// =============================================================================
// Collections
// =============================================================================

// HandleQueryCollection handles POST /v1/node/collections/:schema_id.
//
// Description:
//
//	Runs a filtered, ordered and paginated query over all documents of
//	a schema. Deleted documents are excluded unless meta.deleted is set.
//
// Request Body:
//
//	CollectionRequest (optional, empty body returns the first page)
//
// Response:
//
//	200 OK: CollectionResponse
//	400 Bad Request: Invalid filter, order, selection or cursor
//	404 Not Found: Unknown schema
func (h *Handlers) HandleQueryCollection(c *gin.Context) {
	logger := requestLogger(c, "HandleQueryCollection")
	ctx := c.Request.Context()

	var req CollectionRequest
	if !h.bindOptional(c, logger, &req) {
		return
	}

	q, err := h.buildQuery(ctx, c.Param("schema_id"), req)
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	res, err := h.deps.Executor.Query(ctx, q)
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	logger.Debug("collection queried",
		"schema_id", q.SchemaID,
		"returned", len(res.Items),
		"total", res.Pagination.TotalCount)
	c.JSON(http.StatusOK, newCollectionResponse(res))
}

// HandleQueryRelationList handles POST
// /v1/node/documents/:document_id/lists/:field.
//
// Description:
//
//	Pages through the documents a relation list field of the latest
//	view points at. The body must name the schema of the listed
//	documents. Without order_by, elements keep their list order and
//	duplicates appear once per occurrence.
//
// Response:
//
//	200 OK: CollectionResponse
//	400 Bad Request: Invalid query, field or cursor
//	404 Not Found: Unknown parent document, schema or listed document
func (h *Handlers) HandleQueryRelationList(c *gin.Context) {
	logger := requestLogger(c, "HandleQueryRelationList")
	ctx := c.Request.Context()

	id, err := operation.ParseDocumentID(c.Param("document_id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	var req CollectionRequest
	if !h.bindOptional(c, logger, &req) {
		return
	}
	if req.SchemaID == "" {
		h.fail(c, logger, fmt.Errorf("%w: schema_id is required", query.ErrInvalidArgument))
		return
	}

	parent, err := h.deps.Views.GetDocument(ctx, id)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if parent == nil {
		h.fail(c, logger, &materializer.NotFoundError{DocumentID: id})
		return
	}

	q, err := h.buildQuery(ctx, req.SchemaID, req)
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	res, err := h.deps.Executor.QueryRelationList(ctx, parent, c.Param("field"), q)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, newCollectionResponse(res))
}

func (h *Handlers) buildQuery(ctx context.Context, rawSchemaID string, req CollectionRequest) (*query.Query, error) {
	schemaID, err := operation.ParseSchemaID(rawSchemaID)
	if err != nil {
		return nil, err
	}
	def, err := h.deps.Schemas.Get(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	return query.Build(req.toQueryRequest(), def)
}

// =============================================================================
// Operations
// =============================================================================

// HandlePublish handles POST /v1/node/operations.
//
// Description:
//
//	Stores a signed off operation and announces it to subscribers.
//	Views are updated asynchronously.
//
// Request Body:
//
//	PublishRequest
//
// Response:
//
//	201 Created: publish.Receipt
//	400 Bad Request: Invalid operation or ids
//	404 Not Found: Unknown schema
//	409 Conflict: Operation already stored
func (h *Handlers) HandlePublish(c *gin.Context) {
	logger := requestLogger(c, "HandlePublish")

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidArgument,
			Details: err.Error(),
		})
		return
	}

	var id operation.OperationID
	if req.ID != "" {
		parsed, err := operation.ParseOperationID(req.ID)
		if err != nil {
			h.fail(c, logger, err)
			return
		}
		id = parsed
	}
	var documentID operation.DocumentID
	if req.DocumentID != "" {
		parsed, err := operation.ParseDocumentID(req.DocumentID)
		if err != nil {
			h.fail(c, logger, err)
			return
		}
		documentID = parsed
	}

	receipt, err := h.deps.Publisher.Publish(c.Request.Context(), id, operation.PublicKey(req.PublicKey), req.Operation, documentID)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// HandleGetOperation handles GET /v1/node/operations/:operation_id.
//
// Response:
//
//	200 OK: OperationResponse
//	400 Bad Request: Malformed operation id
//	404 Not Found: Unknown operation
func (h *Handlers) HandleGetOperation(c *gin.Context) {
	logger := requestLogger(c, "HandleGetOperation")

	id, err := operation.ParseOperationID(c.Param("operation_id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	op, err := h.deps.Operations.GetOperation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if op == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("operation %s not found", id),
			Code:  CodeNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, newOperationResponse(op))
}

// HandleListDocumentOperations handles GET
// /v1/node/documents/:document_id/operations.
//
// Response:
//
//	200 OK: []OperationResponse
//	400 Bad Request: Malformed document id
func (h *Handlers) HandleListDocumentOperations(c *gin.Context) {
	logger := requestLogger(c, "HandleListDocumentOperations")

	id, err := operation.ParseDocumentID(c.Param("document_id"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	ops, err := h.deps.Operations.GetOperationsByDocumentID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	out := make([]OperationResponse, len(ops))
	for i, op := range ops {
		out[i] = newOperationResponse(op)
	}
	c.JSON(http.StatusOK, out)
}

// =============================================================================
// Helpers
// =============================================================================

// fail writes the error response for err and logs server side failures.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
		c.JSON(status, ErrorResponse{Error: "internal error", Code: code, Details: err.Error()})
		return
	}
	logger.Info("Request rejected", "status", status, "error", err)
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// bindOptional binds a JSON body when one is present.
func (h *Handlers) bindOptional(c *gin.Context, logger *slog.Logger, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    CodeInvalidArgument,
			Details: err.Error(),
		})
		return false
	}
	return true
}

func selection(c *gin.Context) []string {
	raw := c.Query("select")
	if raw == "" {
		return nil
	}
	var out []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func requestLogger(c *gin.Context, handler string) *slog.Logger {
	return slog.With("request_id", requestID(c), "handler", handler)
}

// =============================================================================
// Request IDs
// =============================================================================

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID returns middleware that echoes the X-Request-ID header, or a
// fresh UUID when the client sent none, on every response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestID returns the id set by RequestID, creating one when the
// middleware did not run.
func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(requestIDHeader, id)
	return id
}
