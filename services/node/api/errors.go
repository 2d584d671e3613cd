// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/materializer"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/publish"
	"github.com/AleutianAI/docnode/services/node/query"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeTimeout         = "TIMEOUT"
	CodeInternal        = "INTERNAL"
	CodeUnavailable     = "UNAVAILABLE"
	CodeRateLimited     = "RATE_LIMITED"
)

var invalidArgument = []error{
	query.ErrInvalidArgument,
	cursor.ErrMalformedCursor,
	operation.ErrInvalidOperation,
	operation.ErrInvalidHash,
	operation.ErrInvalidPublicKey,
	operation.ErrInvalidViewID,
	operation.ErrInvalidSchemaID,
	operation.ErrInvalidValue,
	operation.ErrUnknownFieldType,
	operation.ErrUnknownAction,
	schema.ErrFieldMismatch,
	publish.ErrIDMismatch,
	publish.ErrDocumentMismatch,
	publish.ErrUnknownPrevious,
}

var notFound = []error{
	materializer.ErrNotFound,
	schema.ErrSchemaNotFound,
}

// statusFor maps an error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, target := range invalidArgument {
		if errors.Is(err, target) {
			return http.StatusBadRequest, CodeInvalidArgument
		}
	}
	for _, target := range notFound {
		if errors.Is(err, target) {
			return http.StatusNotFound, CodeNotFound
		}
	}
	switch {
	case errors.Is(err, sqlstore.ErrConflict), errors.Is(err, publish.ErrDocumentDeleted):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	}
	return http.StatusInternalServerError, CodeInternal
}
