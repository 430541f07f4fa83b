// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, validation, and common HTTP middleware patterns.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteNoContent(w)
//
// Error responses:
//
//	httputil.WriteBadRequest(w, "invalid input")
//	httputil.WriteNotFoundError(w, "experiment not found")
//	httputil.WriteConflict(w, "duplicate key")
//	httputil.WriteInternalError(w, err)
//
// # Request Parsing
//
// JSON parsing:
//
//	var req CreateExperimentRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Path parameters:
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	key, ok := httputil.ParsePathStringOrError(w, r, "key")
//
// Query parameters:
//
//	includeArchived, err := httputil.ParseQueryBool(r, "include_archived", false)
//
// # Validation
//
//	if !httputil.RequireNonEmpty(w, req.Key, "key") {
//		return
//	}
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.RequestIDMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
