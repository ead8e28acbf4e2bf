package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/models"
)

const maxSignerFieldLen = 200

// Messages the signing page shows verbatim.
const (
	msgInvalidLink   = "This signing link is invalid"
	msgExpiredLink   = "This signing link has expired"
	msgAlreadySigned = "You have already signed this contract"
	msgCancelled     = "This contract has been cancelled"
)

// SigningService is the token-authenticated gateway parties sign through.
// It never looks at admin identity.
type SigningService struct {
	db         *gorm.DB
	ledger     *SignatureLedger
	renderer   ContentRenderer
	dispatcher *Dispatcher
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewSigningService(db *gorm.DB, ledger *SignatureLedger, renderer ContentRenderer, dispatcher *Dispatcher, log *zap.Logger, m *metrics.Metrics) *SigningService {
	if renderer == nil {
		renderer = StoredTermsRenderer{}
	}
	return &SigningService{
		db:         db,
		ledger:     ledger,
		renderer:   renderer,
		dispatcher: dispatcher,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *SigningService) SetClock(now func() time.Time) {
	s.now = now
}

// SigningContext is the minimum a signing page needs to render.
type SigningContext struct {
	ContractID     uint                  `json:"contractId"`
	ContractNumber string                `json:"contractNumber"`
	Status         models.ContractStatus `json:"status"`
	EventName      string                `json:"eventName"`
	EventDate      *time.Time            `json:"eventDate,omitempty"`
	Terms          string                `json:"terms"`
	DocumentHash   string                `json:"documentHash"`
	ExpiresAt      *time.Time            `json:"expiresAt"`

	Party     models.SignerType `json:"party"`
	PartyName string            `json:"partyName"`

	RequiresClientSignature  bool `json:"requiresClientSignature"`
	RequiresSpeakerSignature bool `json:"requiresSpeakerSignature"`
	ClientSigned             bool `json:"clientSigned"`
	SpeakerSigned            bool `json:"speakerSigned"`
	AlreadySigned            bool `json:"alreadySigned"`
}

type SignInput struct {
	ContractID  uint
	Token       string
	SignerType  models.SignerType
	SignerName  string
	SignerTitle string
	IP          string
	UserAgent   string
}

type SignResult struct {
	Signature           *models.Signature
	Contract            *models.Contract
	BecameFullyExecuted bool
}

// SigningContext resolves a token to its party. A fully executed contract
// still renders, read-only.
func (s *SigningService) SigningContext(ctx context.Context, contractID uint, token string) (*SigningContext, error) {
	if token == "" {
		return nil, apperrors.NewNotFound(msgInvalidLink)
	}

	c, err := findContract(s.db.WithContext(ctx), contractID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, apperrors.NewNotFound(msgInvalidLink)
		}
		return nil, err
	}

	party, ok := matchToken(c, token)
	if !ok {
		return nil, apperrors.NewNotFound(msgInvalidLink)
	}

	status := c.EffectiveStatus(s.now().UTC())
	switch status {
	case models.ContractStatusCancelled:
		return nil, apperrors.NewConflict(apperrors.CodeCancelled, msgCancelled)
	case models.ContractStatusExpired:
		return nil, apperrors.NewExpired(msgExpiredLink)
	}

	terms, err := s.renderer.Terms(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("render terms for contract %d: %w", c.ID, err)
	}

	return &SigningContext{
		ContractID:               c.ID,
		ContractNumber:           c.ContractNumber,
		Status:                   status,
		EventName:                c.EventName,
		EventDate:                c.EventDate,
		Terms:                    terms,
		DocumentHash:             c.DocumentHash(),
		ExpiresAt:                c.TokensExpireAt,
		Party:                    party,
		PartyName:                c.Party(party).Name,
		RequiresClientSignature:  c.RequiresClientSignature,
		RequiresSpeakerSignature: c.RequiresSpeakerSignature,
		ClientSigned:             c.HasSigned(models.SignerClient),
		SpeakerSigned:            c.HasSigned(models.SignerSpeaker),
		AlreadySigned:            c.HasSigned(party),
	}, nil
}

// matchToken compares against every party's stored token so the time taken
// does not reveal which one matched.
func matchToken(c *models.Contract, token string) (models.SignerType, bool) {
	var (
		matched models.SignerType
		found   bool
	)
	for _, p := range models.AllSignerTypes {
		stored := c.SigningToken(p)
		if stored == "" || !c.IsRequired(p) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			matched, found = p, true
		}
	}
	return matched, found
}

func (in *SignInput) normalize() error {
	in.SignerName = strings.TrimSpace(in.SignerName)
	in.SignerTitle = strings.TrimSpace(in.SignerTitle)

	if !in.SignerType.Valid() {
		return apperrors.NewValidation("signerType must be client or speaker")
	}
	if in.Token == "" {
		return apperrors.NewValidation("token is required")
	}
	if in.SignerName == "" {
		return apperrors.NewValidation("signerName is required")
	}
	if utf8.RuneCountInString(in.SignerName) > maxSignerFieldLen {
		return apperrors.NewValidation(fmt.Sprintf("signerName must be at most %d characters", maxSignerFieldLen))
	}
	if utf8.RuneCountInString(in.SignerTitle) > maxSignerFieldLen {
		return apperrors.NewValidation(fmt.Sprintf("signerTitle must be at most %d characters", maxSignerFieldLen))
	}
	return nil
}

// authorize checks the token against the stored token for the claimed party.
func authorize(c *models.Contract, party models.SignerType, token string) error {
	stored := c.SigningToken(party)
	if !c.IsRequired(party) || stored == "" ||
		subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return apperrors.NewAuthorization(apperrors.CodeInvalidToken, msgInvalidLink)
	}
	return nil
}

// checkSignable rejects every state in which party may not sign now.
func checkSignable(c *models.Contract, party models.SignerType, now time.Time) (models.ContractStatus, error) {
	status := c.EffectiveStatus(now)
	switch {
	case status == models.ContractStatusCancelled:
		return status, apperrors.NewConflict(apperrors.CodeCancelled, msgCancelled)
	case status == models.ContractStatusExpired:
		return status, apperrors.NewExpired(msgExpiredLink)
	case c.HasSigned(party), status == models.ContractStatusFullyExecuted:
		return status, apperrors.NewAlreadySigned(msgAlreadySigned)
	case !status.Signable():
		return status, apperrors.NewConflict(apperrors.CodeInvalidTransition,
			fmt.Sprintf("a %s contract cannot be signed", status))
	}
	return status, nil
}

// Sign records one party's signature. Every rejection happens before the
// first write; the ledger insert and the status update share a transaction.
func (s *SigningService) Sign(ctx context.Context, in SignInput) (*SignResult, error) {
	res, err := s.sign(ctx, in)

	label := "unknown"
	if in.SignerType.Valid() {
		label = string(in.SignerType)
	}
	s.metrics.ObserveSignature(label, resultLabel(err))

	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindInternal {
			s.log.Error("sign failed", zap.Uint("contract_id", in.ContractID), zap.Error(err))
		} else {
			s.log.Warn("sign rejected",
				zap.Uint("contract_id", in.ContractID),
				zap.String("party", label),
				zap.String("code", apperrors.CodeOf(err)),
				zap.String("ip", in.IP),
			)
		}
		return nil, err
	}

	s.log.Info("contract signed",
		zap.Uint("contract_id", res.Contract.ID),
		zap.String("contract_number", res.Contract.ContractNumber),
		zap.String("party", string(in.SignerType)),
		zap.String("status", string(res.Contract.Status)),
	)
	if res.BecameFullyExecuted {
		s.metrics.ObserveFullyExecuted()
		s.log.Info("contract fully executed",
			zap.Uint("contract_id", res.Contract.ID),
			zap.String("contract_number", res.Contract.ContractNumber),
		)
		s.dispatcher.ConfirmExecuted(ctx, res.Contract)
	}
	return res, nil
}

func (s *SigningService) sign(ctx context.Context, in SignInput) (*SignResult, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	c, err := findContract(db, in.ContractID)
	if err != nil {
		return nil, err
	}
	// The horizon is checked before the token: past it nothing is signable,
	// whatever the caller presents.
	now := s.now().UTC()
	if c.EffectiveStatus(now) == models.ContractStatusExpired {
		return nil, apperrors.NewExpired(msgExpiredLink)
	}
	if err := authorize(c, in.SignerType, in.Token); err != nil {
		return nil, err
	}
	if _, err := checkSignable(c, in.SignerType, now); err != nil {
		return nil, err
	}

	result := &SignResult{}
	err = db.Transaction(func(tx *gorm.DB) error {
		// Re-read under lock: a concurrent sign, resend or cancel may have
		// committed since the checks above.
		c, err := lockContract(tx, in.ContractID)
		if err != nil {
			return err
		}
		if err := authorize(c, in.SignerType, in.Token); err != nil {
			return err
		}
		now := s.now().UTC()
		before, err := checkSignable(c, in.SignerType, now)
		if err != nil {
			return err
		}

		party := c.Party(in.SignerType)
		sig := &models.Signature{
			ContractID:   c.ID,
			SignerType:   in.SignerType,
			SignerName:   in.SignerName,
			SignerEmail:  party.Email,
			SignerTitle:  in.SignerTitle,
			IPAddress:    in.IP,
			UserAgent:    in.UserAgent,
			DocumentHash: c.DocumentHash(),
			SignedAt:     now,
		}
		if err := s.ledger.Append(tx, sig); err != nil {
			return err
		}

		sigs, err := s.ledger.ForContract(tx, c.ID)
		if err != nil {
			return err
		}
		for _, entry := range sigs {
			if !c.HasSigned(entry.SignerType) {
				c.MarkSigned(entry.SignerType, entry.SignedAt)
			}
		}

		event := models.EventSignPartial
		if c.IsFullyExecuted() {
			event = models.EventSignFinal
		}
		next, err := models.Transition(before, event)
		if err != nil {
			return err
		}
		c.Status = next
		if next == models.ContractStatusFullyExecuted && c.FullyExecutedAt == nil {
			c.FullyExecutedAt = &now
			result.BecameFullyExecuted = true
		}
		if err := saveContract(tx, c); err != nil {
			return err
		}

		c.Signatures = sigs
		result.Signature = sig
		result.Contract = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
