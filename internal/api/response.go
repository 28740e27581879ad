// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api is the thin HTTP/WebSocket facade spec.md §1 treats as an
// external collaborator: CLI argument parsing, banner printing, and
// signal handling are out of scope here, but the REST surface and the two
// WebSocket endpoints (spec.md §6) are the only door into the session
// broker, so they live in their own package consuming internal/session,
// internal/registry, and internal/events. Response shape and routing are
// adapted from trellis's internal/api (router.go, handlers/response.go).
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// response is the standard API envelope, unchanged from trellis's own
// Response/ErrorInfo/MetaInfo shape.
type response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *errorInfo  `json:"error,omitempty"`
	Meta  *metaInfo   `json:"meta,omitempty"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type metaInfo struct {
	Timestamp time.Time `json:"timestamp"`
}

const (
	errBadRequest    = "BAD_REQUEST"
	errNotFound      = "NOT_FOUND"
	errConflict      = "CONFLICT"
	errTooLarge      = "PAYLOAD_TOO_LARGE"
	errInternalError = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Data: data, Meta: &metaInfo{Timestamp: time.Now()}})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Error: &errorInfo{Code: code, Message: message}, Meta: &metaInfo{Timestamp: time.Now()}})
}
