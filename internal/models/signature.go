package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrLedgerImmutable is returned by the gorm hooks guarding ledger rows.
var ErrLedgerImmutable = errors.New("signature ledger entries cannot be modified or deleted")

type Signature struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ContractID  uint       `gorm:"not null;uniqueIndex:idx_signature_party,priority:1" json:"contract_id"`
	SignerType  SignerType `gorm:"type:varchar(16);not null;uniqueIndex:idx_signature_party,priority:2" json:"signer_type"`
	SignerName  string     `gorm:"not null" json:"signer_name"`
	SignerEmail string     `gorm:"not null" json:"signer_email"`
	SignerTitle string     `json:"signer_title,omitempty"`
	IPAddress   string     `gorm:"type:varchar(64);not null" json:"ip_address"`
	UserAgent   string     `gorm:"type:text" json:"user_agent"`
	// Hash of the terms body at the moment of signing
	DocumentHash string    `gorm:"type:varchar(64)" json:"document_hash"`
	SignedAt     time.Time `gorm:"not null" json:"signed_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Signature) BeforeCreate(tx *gorm.DB) error {
	if s.SignedAt.IsZero() {
		s.SignedAt = time.Now().UTC()
	}
	return nil
}

func (s *Signature) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

func (s *Signature) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerImmutable
}
