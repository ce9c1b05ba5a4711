// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package budget holds the domain model shared by the device store (budgetsqlite)
// and the remote service (budgetsync): the eight entity kinds, the mutation
// operations and the tagged-union payload codec.
package budget

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies one of the fixed domain kinds.
type EntityType string

const (
	EntityTransaction  EntityType = "Transaction"
	EntityAccount      EntityType = "Account"
	EntityCategory     EntityType = "Category"
	EntityEnvelope     EntityType = "Envelope"
	EntityTiers        EntityType = "Tiers"
	EntityAllocation   EntityType = "Allocation"
	EntityCreditCard   EntityType = "CreditCard"
	EntityPersonalLoan EntityType = "PersonalLoan"
)

// EntityTypes lists every kind in hydration order (parents before children).
var EntityTypes = []EntityType{
	EntityAccount,
	EntityCategory,
	EntityEnvelope,
	EntityTiers,
	EntityAllocation,
	EntityTransaction,
	EntityCreditCard,
	EntityPersonalLoan,
}

// Valid reports whether t is a known kind.
func (t EntityType) Valid() bool {
	for _, k := range EntityTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Slug returns the lower-case URL segment used by the REST API (e.g. "creditcard").
func (t EntityType) Slug() string {
	return strings.ToLower(string(t))
}

// ParseEntityType accepts either the canonical name or its slug.
func ParseEntityType(s string) (EntityType, error) {
	for _, k := range EntityTypes {
		if string(k) == s || k.Slug() == strings.ToLower(s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Operation is the kind of mutation recorded for replay.
type Operation string

const (
	OpCreate Operation = "Create"
	OpUpdate Operation = "Update"
	OpDelete Operation = "Delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// RequiresPayload is true for Create and Update.
func (op Operation) RequiresPayload() bool {
	return op == OpCreate || op == OpUpdate
}

// ParseOperation parses a stored operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// SyncMeta carries the fields only the remote system assigns.
type SyncMeta struct {
	ServerVersion int64      `json:"serverVersion,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// Entity is implemented by every snapshot row type.
type Entity interface {
	EntityID() string
	EntityType() EntityType
	Meta() *SyncMeta
}
