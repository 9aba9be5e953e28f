package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntry is one link of a tenant's fiscal chain. Rows are append-only:
// no code path updates or deletes them and the storage guards reject it.
type LedgerEntry struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null;uniqueIndex:ux_ledger_entries_org_seq,priority:1;uniqueIndex:ux_ledger_entries_org_hash,priority:1" json:"org_id"`
	SaleID         snowflake.ID `gorm:"not null;uniqueIndex:ux_ledger_entries_sale" json:"sale_id"`
	SequenceNumber int64        `gorm:"not null;uniqueIndex:ux_ledger_entries_org_seq,priority:2" json:"sequence_number"`
	CurrentHash    string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_ledger_entries_org_hash,priority:2" json:"current_hash"`
	PreviousHash   string       `gorm:"type:varchar(64);not null" json:"previous_hash"`
	HashVersion    string       `gorm:"type:varchar(8);not null" json:"hash_version"`
	CertifiedAt    time.Time    `gorm:"column:certified_timestamp;not null" json:"certified_timestamp"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerChainHead is the per-tenant lock row appends serialize on. It
// mirrors the last entry so a lost or reordered write is detectable.
type LedgerChainHead struct {
	OrgID        snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	LastSequence int64        `gorm:"not null;default:0"`
	LastHash     string       `gorm:"type:varchar(64);not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerChainHead) TableName() string { return "ledger_chain_heads" }

// EntryView is the list representation of an entry with shortened hashes.
type EntryView struct {
	ID             string    `json:"id"`
	SaleID         string    `json:"sale_id"`
	SequenceNumber int64     `json:"sequence_number"`
	CurrentHash    string    `json:"current_hash"`
	PreviousHash   string    `json:"previous_hash"`
	CertifiedAt    time.Time `json:"certified_timestamp"`
}

// NewEntryView builds the truncated list representation of entry.
func NewEntryView(entry LedgerEntry) EntryView {
	return EntryView{
		ID:             entry.ID.String(),
		SaleID:         entry.SaleID.String(),
		SequenceNumber: entry.SequenceNumber,
		CurrentHash:    TruncateHash(entry.CurrentHash),
		PreviousHash:   TruncateHash(entry.PreviousHash),
		CertifiedAt:    entry.CertifiedAt,
	}
}

// ExportRecord carries full hashes for offline re-verification.
type ExportRecord struct {
	ID             string    `json:"id"`
	SaleID         string    `json:"sale_id"`
	SequenceNumber int64     `json:"sequence_number"`
	CurrentHash    string    `json:"current_hash"`
	PreviousHash   string    `json:"previous_hash"`
	HashVersion    string    `json:"hash_version"`
	CertifiedAt    time.Time `json:"certified_timestamp"`
}

func NewExportRecord(entry LedgerEntry) ExportRecord {
	return ExportRecord{
		ID:             entry.ID.String(),
		SaleID:         entry.SaleID.String(),
		SequenceNumber: entry.SequenceNumber,
		CurrentHash:    entry.CurrentHash,
		PreviousHash:   entry.PreviousHash,
		HashVersion:    entry.HashVersion,
		CertifiedAt:    entry.CertifiedAt,
	}
}
