// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budgetsqlite

import "github.com/mobiletoly/go-budgetsync/budget"

var accountTable = tableSpec[*budget.Account]{
	kind:    budget.EntityAccount,
	table:   "accounts",
	columns: []string{"name", "position"},
	values:  func(a *budget.Account) []any { return []any{a.Name, a.Order} },
	orderBy: "position, name COLLATE NOCASE, id",
}

var categoryTable = tableSpec[*budget.Category]{
	kind:    budget.EntityCategory,
	table:   "categories",
	columns: []string{"name", "position"},
	values:  func(c *budget.Category) []any { return []any{c.Name, c.Order} },
	orderBy: "position, name COLLATE NOCASE, id",
}

var envelopeTable = tableSpec[*budget.Envelope]{
	kind:    budget.EntityEnvelope,
	table:   "envelopes",
	columns: []string{"name", "category_id", "position"},
	values:  func(e *budget.Envelope) []any { return []any{e.Name, e.CategoryID, e.Order} },
	orderBy: "position, name COLLATE NOCASE, id",
}

// Dates are stored as unix milliseconds so ORDER BY compares numerically.
var transactionTable = tableSpec[*budget.Transaction]{
	kind:    budget.EntityTransaction,
	table:   "transactions",
	columns: []string{"account_id", "occurred_at", "created_at"},
	values: func(t *budget.Transaction) []any {
		return []any{t.AccountID, t.Date.UnixMilli(), t.CreatedAt.UnixMilli()}
	},
	orderBy: "created_at DESC, occurred_at DESC, id",
}

var tiersTable = tableSpec[*budget.Tiers]{
	kind:    budget.EntityTiers,
	table:   "tiers",
	columns: []string{"name"},
	values:  func(t *budget.Tiers) []any { return []any{t.Name} },
	orderBy: "name COLLATE NOCASE, id",
}

var allocationTable = tableSpec[*budget.Allocation]{
	kind:    budget.EntityAllocation,
	table:   "allocations",
	columns: []string{"envelope_id", "month"},
	values:  func(a *budget.Allocation) []any { return []any{a.EnvelopeID, a.Month} },
	orderBy: "month DESC, envelope_id, id",
}

var creditCardTable = tableSpec[*budget.CreditCard]{
	kind:    budget.EntityCreditCard,
	table:   "credit_cards",
	columns: []string{"name"},
	values:  func(c *budget.CreditCard) []any { return []any{c.Name} },
	orderBy: "name COLLATE NOCASE, id",
}

var personalLoanTable = tableSpec[*budget.PersonalLoan]{
	kind:    budget.EntityPersonalLoan,
	table:   "personal_loans",
	columns: []string{"created_at"},
	values:  func(p *budget.PersonalLoan) []any { return []any{p.CreatedAt.UnixMilli()} },
	orderBy: "created_at DESC, id",
}
