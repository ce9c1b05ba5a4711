// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsync

// RoutePrefix is the path prefix of the entity API, e.g. GET /budget/account.
const RoutePrefix = "/budget"

// Error codes returned in ErrorResponse.Error
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidEntity        = "invalid_entity"
	CodeNotFound             = "not_found"
	CodeConflict             = "conflict"
	CodePayloadTooLarge      = "payload_too_large"
	CodeAuthenticationFailed = "authentication_failed"
	CodeInternal             = "internal_error"
)
