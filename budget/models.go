// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// JSON names follow the backend's wire format.

// Account is a bank or cash account.
type Account struct {
	ID         string          `json:"id"`
	Name       string          `json:"nom"`
	Type       string          `json:"type,omitempty"`
	Balance    decimal.Decimal `json:"solde"`
	Color      string          `json:"couleur,omitempty"`
	IsArchived bool            `json:"estArchive,omitempty"`
	Order      int             `json:"ordre"`
	SyncMeta
}

func (a *Account) EntityID() string       { return a.ID }
func (a *Account) EntityType() EntityType { return EntityAccount }
func (a *Account) Meta() *SyncMeta        { return &a.SyncMeta }

// Category groups envelopes.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"nom"`
	Order int    `json:"ordre"`
	SyncMeta
}

func (c *Category) EntityID() string       { return c.ID }
func (c *Category) EntityType() EntityType { return EntityCategory }
func (c *Category) Meta() *SyncMeta        { return &c.SyncMeta }

// Envelope is a budget line inside a category.
type Envelope struct {
	ID           string           `json:"id"`
	Name         string           `json:"nom"`
	CategoryID   string           `json:"categorieId"`
	Color        string           `json:"couleur,omitempty"`
	TargetAmount *decimal.Decimal `json:"objectifMontant,omitempty"`
	TargetType   string           `json:"objectifType,omitempty"`
	IsArchived   bool             `json:"estArchive,omitempty"`
	Order        int              `json:"ordre"`
	SyncMeta
}

func (e *Envelope) EntityID() string       { return e.ID }
func (e *Envelope) EntityType() EntityType { return EntityEnvelope }
func (e *Envelope) Meta() *SyncMeta        { return &e.SyncMeta }

// Transaction types.
const (
	TransactionExpense  = "Depense"
	TransactionIncome   = "Revenu"
	TransactionLend     = "Pret"
	TransactionBorrow   = "Emprunt"
)

// Transaction is a single money movement on an account.
type Transaction struct {
	ID                   string          `json:"id"`
	Type                 string          `json:"type"`
	Amount               decimal.Decimal `json:"montant"`
	Date                 time.Time       `json:"date"`
	Note                 string          `json:"note,omitempty"`
	AccountID            string          `json:"compteId"`
	EnvelopeID           string          `json:"enveloppeId,omitempty"`
	DestinationAccountID string          `json:"compteDestinationId,omitempty"`
	TiersID              string          `json:"tiersId,omitempty"`
	CreatedAt            time.Time       `json:"creeLe"`
	SyncMeta
}

func (t *Transaction) EntityID() string       { return t.ID }
func (t *Transaction) EntityType() EntityType { return EntityTransaction }
func (t *Transaction) Meta() *SyncMeta        { return &t.SyncMeta }

// Tiers is a payee.
type Tiers struct {
	ID   string `json:"id"`
	Name string `json:"nom"`
	SyncMeta
}

func (t *Tiers) EntityID() string       { return t.ID }
func (t *Tiers) EntityType() EntityType { return EntityTiers }
func (t *Tiers) Meta() *SyncMeta        { return &t.SyncMeta }

// Allocation is the amount assigned to an envelope for one month.
type Allocation struct {
	ID              string          `json:"id"`
	EnvelopeID      string          `json:"enveloppeId"`
	Month           string          `json:"mois"` // YYYY-MM
	Allocated       decimal.Decimal `json:"alloue"`
	Spent           decimal.Decimal `json:"depense"`
	Balance         decimal.Decimal `json:"solde"`
	SourceAccountID string          `json:"compteSourceId,omitempty"`
	SyncMeta
}

func (a *Allocation) EntityID() string       { return a.ID }
func (a *Allocation) EntityType() EntityType { return EntityAllocation }
func (a *Allocation) Meta() *SyncMeta        { return &a.SyncMeta }

// CreditCard tracks a card's limit and outstanding balance.
type CreditCard struct {
	ID             string          `json:"id"`
	Name           string          `json:"nom"`
	Limit          decimal.Decimal `json:"limite"`
	Balance        decimal.Decimal `json:"solde"`
	InterestRate   decimal.Decimal `json:"tauxInteret"`
	MinimumPayment decimal.Decimal `json:"paiementMinimum"`
	DueDay         int             `json:"jourEcheance,omitempty"`
	SyncMeta
}

func (c *CreditCard) EntityID() string       { return c.ID }
func (c *CreditCard) EntityType() EntityType { return EntityCreditCard }
func (c *CreditCard) Meta() *SyncMeta        { return &c.SyncMeta }

// Personal loan directions.
const (
	LoanLent     = "pret"
	LoanBorrowed = "dette"
)

// PersonalLoan is money lent to or borrowed from a person.
type PersonalLoan struct {
	ID               string          `json:"id"`
	Counterparty     string          `json:"nomTiers"`
	InitialAmount    decimal.Decimal `json:"montantInitial"`
	RemainingBalance decimal.Decimal `json:"soldeRestant"`
	Type             string          `json:"type"`
	IsSettled        bool            `json:"estSolde,omitempty"`
	CreatedAt        time.Time       `json:"creeLe"`
	SyncMeta
}

func (p *PersonalLoan) EntityID() string       { return p.ID }
func (p *PersonalLoan) EntityType() EntityType { return EntityPersonalLoan }
func (p *PersonalLoan) Meta() *SyncMeta        { return &p.SyncMeta }
