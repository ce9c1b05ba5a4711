// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/mobiletoly/go-budgetsync/budget"
)

var (
	// ErrPayloadRequired is returned when a Create or Update job has no payload.
	ErrPayloadRequired = errors.New("payload is required for create and update")
	// ErrPayloadNotAllowed is returned when a Delete job carries a payload.
	ErrPayloadNotAllowed = errors.New("payload must be empty for delete")
	// ErrUnknownEntityType is returned for kinds outside the fixed set.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// RemoteError describes a failed call to the remote service.
// StatusCode is zero when no HTTP response was received.
type RemoteError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s: server returned status %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: server returned status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": remote error"
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Terminal reports whether retrying the same request can never succeed.
// Validation, missing-row and conflict responses are terminal; transport
// failures, throttling, auth and 5xx responses are not.
func (e *RemoteError) Terminal() bool {
	switch e.StatusCode {
	case 0:
		return false
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict,
		http.StatusGone, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// isTerminal classifies a dispatch error. Anything not known to be permanent
// is treated as recoverable so the job stays queued.
func isTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, budget.ErrInvalidPayload) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Terminal()
	}
	return false
}
