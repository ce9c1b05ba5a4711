// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsync

import (
	"encoding/json"
	"time"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ListResponse is returned by GET /budget/{kind}. Items are entity payloads of that kind.
type ListResponse struct {
	Kind       string            `json:"kind"`
	Items      []json.RawMessage `json:"items"`
	ServerTime time.Time         `json:"serverTime"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
