package services

import (
	"context"

	"github.com/speakerdesk/contract-engine/internal/models"
)

// ContentRenderer supplies the terms body shown to a signer. The engine never
// parses or mutates what it returns.
type ContentRenderer interface {
	Terms(ctx context.Context, c *models.Contract) (string, error)
}

// StoredTermsRenderer returns the body stored on the contract.
type StoredTermsRenderer struct{}

func (StoredTermsRenderer) Terms(_ context.Context, c *models.Contract) (string, error) {
	return c.Terms, nil
}
