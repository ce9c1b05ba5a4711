// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mobiletoly/go-budgetsync/budget"
)

const defaultMaxBodyBytes = 1 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// EntityBackend is the storage behind the HTTP API. *Service implements it.
type EntityBackend interface {
	Create(ctx context.Context, userID string, e budget.Entity) (budget.Entity, error)
	Update(ctx context.Context, userID string, e budget.Entity) (budget.Entity, error)
	Delete(ctx context.Context, userID string, kind budget.EntityType, id string) error
	Get(ctx context.Context, userID string, kind budget.EntityType, id string) (budget.Entity, error)
	List(ctx context.Context, userID string, kind budget.EntityType) ([]budget.Entity, error)
}

// HTTPHandlers provides the REST handlers for the entity API
type HTTPHandlers struct {
	backend       EntityBackend
	authenticator ClientAuthenticator
	logger        *slog.Logger
	maxBodyBytes  int64
}

// NewHTTPHandlers creates the entity handlers. Request bodies are capped at
// maxBodyBytes (0 uses 1 MiB).
func NewHTTPHandlers(backend EntityBackend, authenticator ClientAuthenticator, maxBodyBytes int64, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTPHandlers{
		backend:       backend,
		authenticator: authenticator,
		logger:        logger,
		maxBodyBytes:  maxBodyBytes,
	}
}

// Register mounts the entity routes on mux, each wrapped by wrap (may be nil).
func (h *HTTPHandlers) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET "+RoutePrefix+"/{kind}", wrap(http.HandlerFunc(h.HandleList)))
	mux.Handle("POST "+RoutePrefix+"/{kind}", wrap(http.HandlerFunc(h.HandleCreate)))
	mux.Handle("GET "+RoutePrefix+"/{kind}/{id}", wrap(http.HandlerFunc(h.HandleGet)))
	mux.Handle("PUT "+RoutePrefix+"/{kind}/{id}", wrap(http.HandlerFunc(h.HandleUpdate)))
	mux.Handle("DELETE "+RoutePrefix+"/{kind}/{id}", wrap(http.HandlerFunc(h.HandleDelete)))
}

// HandleList returns every entity of the requested kind
func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, kind, ok := h.begin(w, r)
	if !ok {
		return
	}
	items, err := h.backend.List(r.Context(), userID, kind)
	if err != nil {
		h.writeBackendError(w, err, "list", kind, "")
		return
	}

	resp := ListResponse{
		Kind:       string(kind),
		Items:      make([]json.RawMessage, 0, len(items)),
		ServerTime: time.Now().UTC(),
	}
	for _, e := range items {
		raw, err := budget.EncodePayload(e)
		if err != nil {
			h.writeBackendError(w, err, "list", kind, e.EntityID())
			return
		}
		resp.Items = append(resp.Items, raw)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGet returns one entity
func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, kind, ok := h.begin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	e, err := h.backend.Get(r.Context(), userID, kind, id)
	if err != nil {
		h.writeBackendError(w, err, "get", kind, id)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

// HandleCreate stores a new entity; the body is the entity payload
func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, kind, ok := h.begin(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	e, err := budget.DecodePayload(kind, body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidEntity, err.Error())
		return
	}
	stored, err := h.backend.Create(r.Context(), userID, e)
	if err != nil {
		h.writeBackendError(w, err, "create", kind, e.EntityID())
		return
	}
	h.writeJSON(w, http.StatusCreated, stored)
}

// HandleUpdate replaces an existing entity
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, kind, ok := h.begin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	e, err := budget.DecodePayloadFor(kind, id, body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidEntity, err.Error())
		return
	}
	stored, err := h.backend.Update(r.Context(), userID, e)
	if err != nil {
		h.writeBackendError(w, err, "update", kind, id)
		return
	}
	h.writeJSON(w, http.StatusOK, stored)
}

// HandleDelete removes an entity; deleting a missing entity succeeds
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, kind, ok := h.begin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.backend.Delete(r.Context(), userID, kind, id); err != nil {
		h.writeBackendError(w, err, "delete", kind, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// begin authenticates the caller and resolves the {kind} path segment.
func (h *HTTPHandlers) begin(w http.ResponseWriter, r *http.Request) (string, budget.EntityType, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return "", "", false
	}
	kind, err := budget.ParseEntityType(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
		return "", "", false
	}
	return userID, kind, true
}

func (h *HTTPHandlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, err.Error())
			return nil, false
		}
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to read request body")
		return nil, false
	}
	return body, true
}

func (h *HTTPHandlers) writeBackendError(w http.ResponseWriter, err error, op string, kind budget.EntityType, id string) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, budget.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidEntity, err.Error())
	default:
		h.logger.Error("Entity operation failed", "op", op, "entity_type", kind, "entity_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to "+op+" entity")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
