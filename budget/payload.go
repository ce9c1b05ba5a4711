// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPayload is wrapped by every decode or validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// New returns a zero value of the concrete type registered for kind.
func New(kind EntityType) (Entity, error) {
	switch kind {
	case EntityAccount:
		return &Account{}, nil
	case EntityCategory:
		return &Category{}, nil
	case EntityEnvelope:
		return &Envelope{}, nil
	case EntityTransaction:
		return &Transaction{}, nil
	case EntityTiers:
		return &Tiers{}, nil
	case EntityAllocation:
		return &Allocation{}, nil
	case EntityCreditCard:
		return &CreditCard{}, nil
	case EntityPersonalLoan:
		return &PersonalLoan{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, kind)
	}
}

// DecodePayload decodes raw into the concrete shape for kind.
func DecodePayload(kind EntityType, raw json.RawMessage) (Entity, error) {
	e, err := New(kind)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty payload for %s", ErrInvalidPayload, kind)
	}
	if err := json.Unmarshal(trimmed, e); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, kind, err)
	}
	return e, nil
}

// DecodePayloadFor decodes raw for the entity identified by (kind, id).
// A payload without an id inherits id; a payload carrying a different id is rejected.
func DecodePayloadFor(kind EntityType, id string, raw json.RawMessage) (Entity, error) {
	e, err := DecodePayload(kind, raw)
	if err != nil {
		return nil, err
	}
	switch got := e.EntityID(); {
	case got == "":
		setID(e, id)
	case got != id:
		return nil, fmt.Errorf("%w: payload id %q does not match entity id %q", ErrInvalidPayload, got, id)
	}
	return e, nil
}

// EncodePayload serializes e for storage in a sync job or snapshot row.
func EncodePayload(e Entity) (json.RawMessage, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", e.EntityType(), e.EntityID(), err)
	}
	return b, nil
}

func setID(e Entity, id string) {
	switch v := e.(type) {
	case *Account:
		v.ID = id
	case *Category:
		v.ID = id
	case *Envelope:
		v.ID = id
	case *Transaction:
		v.ID = id
	case *Tiers:
		v.ID = id
	case *Allocation:
		v.ID = id
	case *CreditCard:
		v.ID = id
	case *PersonalLoan:
		v.ID = id
	}
}

// Validate checks the fields the remote system requires for each kind.
func Validate(e Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrInvalidPayload)
	}
	if e.EntityID() == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidPayload, e.EntityType())
	}

	var missing string
	switch v := e.(type) {
	case *Account:
		if v.Name == "" {
			missing = "nom"
		}
	case *Category:
		if v.Name == "" {
			missing = "nom"
		}
	case *Envelope:
		switch {
		case v.Name == "":
			missing = "nom"
		case v.CategoryID == "":
			missing = "categorieId"
		}
	case *Transaction:
		switch {
		case v.AccountID == "":
			missing = "compteId"
		case v.Date.IsZero():
			missing = "date"
		}
		if missing == "" {
			switch v.Type {
			case TransactionExpense, TransactionIncome, TransactionLend, TransactionBorrow:
			default:
				return fmt.Errorf("%w: transaction type %q", ErrInvalidPayload, v.Type)
			}
		}
	case *Tiers:
		if v.Name == "" {
			missing = "nom"
		}
	case *Allocation:
		switch {
		case v.EnvelopeID == "":
			missing = "enveloppeId"
		case !monthPattern.MatchString(v.Month):
			return fmt.Errorf("%w: allocation month %q is not YYYY-MM", ErrInvalidPayload, v.Month)
		}
	case *CreditCard:
		if v.Name == "" {
			missing = "nom"
		}
	case *PersonalLoan:
		if v.Counterparty == "" {
			missing = "nomTiers"
		} else if v.Type != LoanLent && v.Type != LoanBorrowed {
			return fmt.Errorf("%w: personal loan type %q", ErrInvalidPayload, v.Type)
		}
	default:
		return fmt.Errorf("%w: unsupported entity %T", ErrInvalidPayload, e)
	}
	if missing != "" {
		return fmt.Errorf("%w: %s.%s is required", ErrInvalidPayload, e.EntityType(), missing)
	}
	return nil
}
