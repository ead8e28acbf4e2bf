package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/models"
)

// CertificateService renders the execution certificate: the audit trail of a
// fully executed contract.
type CertificateService struct {
	config    *config.Config
	contracts *ContractService
}

func NewCertificateService(cfg *config.Config, contracts *ContractService) *CertificateService {
	return &CertificateService{config: cfg, contracts: contracts}
}

// Generate returns the certificate PDF for contract id.
func (s *CertificateService) Generate(ctx context.Context, id uint) ([]byte, *models.Contract, error) {
	view, err := s.contracts.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	c := view.Contract
	if c.Status != models.ContractStatusFullyExecuted {
		return nil, nil, apperrors.NewConflict(apperrors.CodeNotExecuted,
			"a certificate is only available once every required party has signed")
	}

	pdf, err := s.render(c, c.Signatures)
	if err != nil {
		return nil, nil, err
	}
	return pdf, c, nil
}

func (s *CertificateService) render(c *models.Contract, sigs []models.Signature) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(190, 10, "CERTIFICATE OF EXECUTION", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.CellFormat(190, 7, "Contract "+c.ContractNumber, "", 1, "C", false, 0, "")
	pdf.Ln(8)

	// Contract
	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(190, 8, "CONTRACT")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 10)
	row := func(label, value string) {
		pdf.Cell(55, 6, label)
		pdf.Cell(135, 6, tr(value))
		pdf.Ln(6)
	}
	if c.EventName != "" {
		row("Event:", c.EventName)
	}
	if c.EventDate != nil {
		row("Event date:", c.EventDate.Format("January 2, 2006"))
	}
	if c.SentAt != nil {
		row("Sent:", formatAuditTime(*c.SentAt))
	}
	if c.FullyExecutedAt != nil {
		row("Fully executed:", formatAuditTime(*c.FullyExecutedAt))
	}
	row("Document SHA-256:", c.DocumentHash())
	pdf.Ln(6)

	// Signatures
	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(190, 8, "SIGNATURES")
	pdf.Ln(8)

	for _, sig := range sigs {
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(190, 6, fmt.Sprintf("%s signature", capitalize(string(sig.SignerType))))
		pdf.Ln(6)
		pdf.SetFont("Arial", "", 10)
		row("Name:", sig.SignerName)
		if sig.SignerTitle != "" {
			row("Title:", sig.SignerTitle)
		}
		row("Email:", sig.SignerEmail)
		row("Signed:", formatAuditTime(sig.SignedAt))
		row("IP address:", sig.IPAddress)
		pdf.Cell(55, 6, "User agent:")
		pdf.MultiCell(135, 5, tr(sig.UserAgent), "", "", false)
		if sig.DocumentHash != "" && sig.DocumentHash != c.DocumentHash() {
			row("Hash at signing:", sig.DocumentHash)
		}
		pdf.Ln(4)
	}

	// Notice
	pdf.Ln(6)
	pdf.SetFont("Arial", "I", 8)
	pdf.MultiCell(190, 4, tr(fmt.Sprintf(
		"This certificate was generated by %s. Each signature was collected through a personal signing link and recorded with the signer's IP address, user agent and time of signing.",
		s.config.AppName)), "", "", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render certificate for contract %d: %w", c.ID, err)
	}
	return buf.Bytes(), nil
}

func formatAuditTime(t time.Time) string {
	return t.UTC().Format("January 2, 2006 15:04:05 MST")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
