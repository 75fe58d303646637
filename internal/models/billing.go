package models

import (
	"time"
)

// LedgerEntryType represents the kind of credit movement
type LedgerEntryType string

const (
	LedgerEntryAdd      LedgerEntryType = "ADD"
	LedgerEntryDeduct   LedgerEntryType = "DEDUCT"
	LedgerEntryRefund   LedgerEntryType = "REFUND"
	LedgerEntryTransfer LedgerEntryType = "TRANSFER"
)

func (t LedgerEntryType) Valid() bool {
	switch t {
	case LedgerEntryAdd, LedgerEntryDeduct, LedgerEntryRefund, LedgerEntryTransfer:
		return true
	}
	return false
}

// CreditLedgerEntry is an immutable record of a credit balance change.
// Amount is always positive; Delta carries the sign applied to the balance
// (negative for DEDUCT and outgoing TRANSFER).
type CreditLedgerEntry struct {
	ID           uint            `gorm:"column:id;primaryKey" json:"id"`
	ResellerID   uint            `gorm:"column:reseller_id;not null;index:idx_ledger_reseller_id,priority:1" json:"resellerId"`
	Type         LedgerEntryType `gorm:"column:type;size:20;not null;index" json:"type"`
	Amount       int64           `gorm:"column:amount;not null" json:"amount"`
	Delta        int64           `gorm:"column:delta;not null" json:"delta"`
	BalanceAfter int64           `gorm:"column:balance_after;not null" json:"balanceAfter"`
	Description  string          `gorm:"column:description;size:500" json:"description"`
	Reference    string          `gorm:"column:reference;size:64;index" json:"reference,omitempty"`
	CreatedBy    *uint           `gorm:"column:created_by" json:"createdBy,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at;index" json:"createdAt"`
}

// InvoiceStatus represents the lifecycle state of an invoice
type InvoiceStatus string

const (
	InvoiceStatusPending   InvoiceStatus = "PENDING"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusCancelled
}

// Invoice represents a reseller invoice; paying it credits the reseller.
type Invoice struct {
	ID          uint          `gorm:"column:id;primaryKey" json:"id"`
	ResellerID  uint          `gorm:"column:reseller_id;not null;index" json:"resellerId"`
	AmountCents int64         `gorm:"column:amount_cents;not null" json:"amountCents"`
	Status      InvoiceStatus `gorm:"column:status;size:20;default:PENDING;index" json:"status"`
	PaidAt      *time.Time    `gorm:"column:paid_at" json:"paidAt"`
	CancelledAt *time.Time    `gorm:"column:cancelled_at" json:"cancelledAt"`
	CreatedAt   time.Time     `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time     `gorm:"column:updated_at" json:"updatedAt"`
}

func (CreditLedgerEntry) TableName() string {
	return "credit_ledger_entries"
}

func (Invoice) TableName() string {
	return "invoices"
}
