// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-budgetsync/budget"
	"github.com/mobiletoly/go-budgetsync/budgetsync"
)

// HTTPRemote is a Remote talking to a budgetsync server.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPRemote creates a client for the server at baseURL.
func NewHTTPRemote(baseURL string, tok func(ctx context.Context) (string, error), logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

var _ Remote = (*HTTPRemote)(nil)

// Create sends POST /budget/{kind}.
func (c *HTTPRemote) Create(ctx context.Context, e budget.Entity) (budget.Entity, error) {
	return c.write(ctx, "create", http.MethodPost, c.collectionURL(e.EntityType()), e)
}

// Update sends PUT /budget/{kind}/{id}.
func (c *HTTPRemote) Update(ctx context.Context, e budget.Entity) (budget.Entity, error) {
	return c.write(ctx, "update", http.MethodPut, c.entityURL(e.EntityType(), e.EntityID()), e)
}

// Delete sends DELETE /budget/{kind}/{id}. A 404 means the entity is already gone.
func (c *HTTPRemote) Delete(ctx context.Context, kind budget.EntityType, id string) error {
	resp, err := c.do(ctx, "delete", http.MethodDelete, c.entityURL(kind, id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return responseError("delete", resp)
	}
}

// List sends GET /budget/{kind}.
func (c *HTTPRemote) List(ctx context.Context, kind budget.EntityType) ([]budget.Entity, error) {
	resp, err := c.do(ctx, "list", http.MethodGet, c.collectionURL(kind), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("list", resp)
	}
	var listResp budgetsync.ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}

	out := make([]budget.Entity, 0, len(listResp.Items))
	for _, raw := range listResp.Items {
		e, err := budget.DecodePayload(kind, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *HTTPRemote) write(ctx context.Context, op, method, target string, e budget.Entity) (budget.Entity, error) {
	body, err := budget.EncodePayload(e)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, op, method, target, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, responseError(op, resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	stored, err := budget.DecodePayload(e.EntityType(), raw)
	if err != nil {
		// The remote accepted the write; an unreadable echo must not turn it into a conflict.
		c.logger.Warn("ignoring unreadable remote response", "op", op, "entity_type", e.EntityType(), "entity_id", e.EntityID(), "error", err)
		return nil, nil
	}
	return stored, nil
}

func (c *HTTPRemote) do(ctx context.Context, op, method, target string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, &RemoteError{Op: op, Err: fmt.Errorf("failed to get JWT token: %w", err)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, &RemoteError{Op: op, Err: err}
	}
	return resp, nil
}

func (c *HTTPRemote) collectionURL(kind budget.EntityType) string {
	return c.BaseURL + budgetsync.RoutePrefix + "/" + kind.Slug()
}

func (c *HTTPRemote) entityURL(kind budget.EntityType, id string) string {
	return c.collectionURL(kind) + "/" + url.PathEscape(id)
}

func responseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	re := &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: string(body)}
	var errResp budgetsync.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		re.Code = errResp.Error
		re.Message = errResp.Message
	}
	return re
}
