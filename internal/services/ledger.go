package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/models"
)

const pgUniqueViolation = "23505"

// SignatureLedger is the append-only signature store. It has no update or
// delete methods; the unique index on (contract_id, signer_type) is what
// turns a same-party race into one success and one AlreadySigned.
type SignatureLedger struct{}

func NewSignatureLedger() *SignatureLedger {
	return &SignatureLedger{}
}

// Append inserts sig inside tx.
func (l *SignatureLedger) Append(tx *gorm.DB, sig *models.Signature) error {
	if err := tx.Create(sig).Error; err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewAlreadySigned("You have already signed this contract")
		}
		return fmt.Errorf("append signature: %w", err)
	}
	return nil
}

// ForContract returns all ledger rows for a contract, oldest first.
func (l *SignatureLedger) ForContract(db *gorm.DB, contractID uint) ([]models.Signature, error) {
	var sigs []models.Signature
	if err := db.Where("contract_id = ?", contractID).
		Order("signed_at ASC, id ASC").
		Find(&sigs).Error; err != nil {
		return nil, fmt.Errorf("load signatures: %w", err)
	}
	return sigs, nil
}

// Find returns the signature of one party, or NotFound.
func (l *SignatureLedger) Find(db *gorm.DB, contractID uint, signerType models.SignerType) (*models.Signature, error) {
	var sig models.Signature
	err := db.Where("contract_id = ? AND signer_type = ?", contractID, signerType).First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFound("signature not found")
	}
	if err != nil {
		return nil, fmt.Errorf("find signature: %w", err)
	}
	return &sig, nil
}

// isUniqueViolation recognizes a duplicate key from either driver, with or
// without gorm's error translation.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
