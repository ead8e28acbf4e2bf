package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxNumberRetries = 3
)

type ContractService struct {
	db         *gorm.DB
	tokens     *TokenService
	dispatcher *Dispatcher
	ledger     *SignatureLedger
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewContractService(db *gorm.DB, tokens *TokenService, dispatcher *Dispatcher, ledger *SignatureLedger, log *zap.Logger, m *metrics.Metrics) *ContractService {
	return &ContractService{
		db:         db,
		tokens:     tokens,
		dispatcher: dispatcher,
		ledger:     ledger,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *ContractService) SetClock(now func() time.Time) {
	s.now = now
}

type CreateContractInput struct {
	ContractNumber string     `json:"contractNumber"`
	EventName      string     `json:"eventName"`
	EventDate      *time.Time `json:"eventDate"`
	Terms          string     `json:"terms"`

	ClientName   string `json:"clientName"`
	ClientEmail  string `json:"clientEmail"`
	SpeakerName  string `json:"speakerName"`
	SpeakerEmail string `json:"speakerEmail"`

	RequiresClientSignature  bool `json:"requiresClientSignature"`
	RequiresSpeakerSignature bool `json:"requiresSpeakerSignature"`
}

func (in CreateContractInput) validate() error {
	if strings.TrimSpace(in.Terms) == "" {
		return apperrors.NewValidation("terms are required")
	}
	if !in.RequiresClientSignature && !in.RequiresSpeakerSignature {
		return apperrors.NewValidation("at least one party must be required to sign")
	}
	if in.RequiresClientSignature {
		if err := validateParty("client", in.ClientName, in.ClientEmail); err != nil {
			return err
		}
	}
	if in.RequiresSpeakerSignature {
		if err := validateParty("speaker", in.SpeakerName, in.SpeakerEmail); err != nil {
			return err
		}
	}
	return nil
}

func validateParty(party, name, email string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.NewValidation(party + " name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return apperrors.NewValidation(party + " email is invalid")
	}
	return nil
}

// SendResult is what the admin sees after send or resend.
type SendResult struct {
	Contract      *models.Contract     `json:"contract"`
	Notifications []NotificationResult `json:"notifications"`
}

// ContractView is a contract with its effective status and ledger.
type ContractView struct {
	Contract *models.Contract `json:"contract"`
	Parties  []models.Party   `json:"parties"`
}

type ListFilter struct {
	Status models.ContractStatus
	Limit  int
	Offset int
}

type ListResult struct {
	Contracts []models.Contract `json:"contracts"`
	Total     int64             `json:"total"`
}

// Create stores a new draft. No tokens exist until the contract is sent.
func (s *ContractService) Create(ctx context.Context, in CreateContractInput) (*models.Contract, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &models.Contract{
		ContractNumber:           strings.TrimSpace(in.ContractNumber),
		Status:                   models.ContractStatusDraft,
		EventName:                strings.TrimSpace(in.EventName),
		EventDate:                in.EventDate,
		Terms:                    in.Terms,
		ClientName:               strings.TrimSpace(in.ClientName),
		ClientEmail:              strings.TrimSpace(in.ClientEmail),
		SpeakerName:              strings.TrimSpace(in.SpeakerName),
		SpeakerEmail:             strings.TrimSpace(in.SpeakerEmail),
		RequiresClientSignature:  in.RequiresClientSignature,
		RequiresSpeakerSignature: in.RequiresSpeakerSignature,
	}

	generated := c.ContractNumber == ""
	for attempt := 0; ; attempt++ {
		if generated {
			number, err := newContractNumber(now)
			if err != nil {
				return nil, err
			}
			c.ContractNumber = number
		}

		err := s.db.WithContext(ctx).Create(c).Error
		if err == nil {
			break
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("create contract: %w", err)
		}
		if !generated || attempt >= maxNumberRetries {
			return nil, apperrors.NewConflict(apperrors.CodeDuplicateNumber,
				fmt.Sprintf("contract number %s is already in use", c.ContractNumber))
		}
	}

	s.log.Info("contract created",
		zap.Uint("contract_id", c.ID),
		zap.String("contract_number", c.ContractNumber),
		zap.Strings("required_parties", signerStrings(c.RequiredParties())),
	)
	return c, nil
}

// newContractNumber formats CT-YYYYMMDD-XXXXXX.
func newContractNumber(now time.Time) (string, error) {
	suffix, err := randomString(numberAlphabet, 6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CT-%s-%s", now.Format("20060102"), suffix), nil
}

// Send issues tokens for every required party, moves the draft to sent and
// then invites each party. Delivery failures are reported, never rolled back.
func (s *ContractService) Send(ctx context.Context, id uint, actor string) (*SendResult, error) {
	var (
		c      *models.Contract
		issued IssuedTokens
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		c, err = lockContract(tx, id)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		next, err := models.Transition(c.EffectiveStatus(now), models.EventSend)
		if err != nil {
			return err
		}

		var missing []models.SignerType
		for _, p := range c.RequiredParties() {
			if c.SigningToken(p) == "" {
				missing = append(missing, p)
			}
		}
		issued, err = s.tokens.IssueTokens(missing, 0)
		if err != nil {
			return err
		}
		for p, tok := range issued.Tokens {
			c.SetSigningToken(p, tok)
		}

		c.TokensExpireAt = &issued.ExpiresAt
		c.SentAt = &now
		c.Status = next
		return saveContract(tx, c)
	})
	if err != nil {
		s.metrics.ObserveSend(resultLabel(err))
		return nil, err
	}

	s.metrics.ObserveSend(resultLabel(nil))
	s.log.Info("contract sent",
		zap.Uint("contract_id", c.ID),
		zap.String("contract_number", c.ContractNumber),
		zap.String("actor", actor),
		zap.Time("tokens_expire_at", *c.TokensExpireAt),
	)

	result := &SendResult{Contract: c}
	for _, p := range c.RequiredParties() {
		result.Notifications = append(result.Notifications, s.dispatcher.Invite(ctx, c, p, c.SigningToken(p)))
	}
	return result, nil
}

// Resend rotates one party's token, extends the shared horizon and invites
// that party again. The old link stops working immediately.
func (s *ContractService) Resend(ctx context.Context, id uint, party models.SignerType, actor string) (*SendResult, error) {
	if !party.Valid() {
		return nil, apperrors.NewValidation("party must be client or speaker")
	}

	var c *models.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		c, err = lockContract(tx, id)
		if err != nil {
			return err
		}
		if !c.IsRequired(party) {
			return apperrors.NewValidation(fmt.Sprintf("%s is not required to sign this contract", party))
		}

		now := s.now().UTC()
		switch status := c.EffectiveStatus(now); status {
		case models.ContractStatusSent, models.ContractStatusPartiallySigned:
		case models.ContractStatusCancelled:
			return apperrors.NewConflict(apperrors.CodeCancelled, "This contract has been cancelled")
		case models.ContractStatusExpired:
			return apperrors.NewExpired("This contract's signing links have expired")
		default:
			return apperrors.NewConflict(apperrors.CodeInvalidTransition,
				fmt.Sprintf("cannot resend a contract that is %s", status))
		}
		if c.HasSigned(party) {
			return apperrors.NewAlreadySigned(fmt.Sprintf("%s has already signed", party))
		}

		issued, err := s.tokens.IssueTokens([]models.SignerType{party}, 0)
		if err != nil {
			return err
		}
		c.SetSigningToken(party, issued.Tokens[party])
		c.TokensExpireAt = &issued.ExpiresAt
		return saveContract(tx, c)
	})
	if err != nil {
		s.metrics.ObserveSend(resultLabel(err))
		return nil, err
	}

	s.metrics.ObserveSend(resultLabel(nil))
	s.log.Info("signing link reissued",
		zap.Uint("contract_id", c.ID),
		zap.String("contract_number", c.ContractNumber),
		zap.String("party", string(party)),
		zap.String("actor", actor),
	)

	return &SendResult{
		Contract:      c,
		Notifications: []NotificationResult{s.dispatcher.Invite(ctx, c, party, c.SigningToken(party))},
	}, nil
}

// Cancel is legal from any status short of fully executed and is absorbing.
func (s *ContractService) Cancel(ctx context.Context, id uint, actor, reason string) (*models.Contract, error) {
	var c *models.Contract
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		c, err = lockContract(tx, id)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		next, err := models.Transition(c.EffectiveStatus(now), models.EventCancel)
		if err != nil {
			return err
		}
		c.Status = next
		c.CancelledAt = &now
		c.CancelledBy = actor
		c.CancelReason = strings.TrimSpace(reason)
		return saveContract(tx, c)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveCancellation()
	s.log.Info("contract cancelled",
		zap.Uint("contract_id", c.ID),
		zap.String("contract_number", c.ContractNumber),
		zap.String("actor", actor),
	)
	return c, nil
}

// Get loads a contract with its ledger. Status is the effective status.
func (s *ContractService) Get(ctx context.Context, id uint) (*ContractView, error) {
	db := s.db.WithContext(ctx)

	c, err := findContract(db, id)
	if err != nil {
		return nil, err
	}
	sigs, err := s.ledger.ForContract(db, id)
	if err != nil {
		return nil, err
	}
	c.Signatures = sigs
	c.Refresh(s.now().UTC())

	view := &ContractView{Contract: c}
	for _, p := range models.AllSignerTypes {
		if c.IsRequired(p) {
			view.Parties = append(view.Parties, c.Party(p))
		}
	}
	return view, nil
}

// List filters on effective status. Stored rows whose horizon has passed
// count as expired even though the column still says sent.
func (s *ContractService) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	now := s.now().UTC()
	q := s.db.WithContext(ctx).Model(&models.Contract{})
	open := []models.ContractStatus{models.ContractStatusSent, models.ContractStatusPartiallySigned}

	switch f.Status {
	case "":
	case models.ContractStatusExpired:
		q = q.Where("status = ? OR (status IN ? AND tokens_expire_at < ?)", models.ContractStatusExpired, open, now)
	case models.ContractStatusSent, models.ContractStatusPartiallySigned:
		q = q.Where("status = ? AND (tokens_expire_at IS NULL OR tokens_expire_at >= ?)", f.Status, now)
	default:
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count contracts: %w", err)
	}

	var contracts []models.Contract
	if err := q.Order("created_at DESC, id DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&contracts).Error; err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	for i := range contracts {
		contracts[i].Refresh(now)
	}

	return &ListResult{Contracts: contracts, Total: total}, nil
}

// lockContract loads a contract inside tx. Postgres takes a row lock;
// SQLite is already serialized by its single connection.
func lockContract(tx *gorm.DB, id uint) (*models.Contract, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return findContract(q, id)
}

func findContract(db *gorm.DB, id uint) (*models.Contract, error) {
	var c models.Contract
	err := db.First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFound("contract not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load contract %d: %w", id, err)
	}
	return &c, nil
}

// saveContract writes the contract row only. Ledger rows are never touched
// through the association.
func saveContract(tx *gorm.DB, c *models.Contract) error {
	if err := tx.Omit(clause.Associations).Save(c).Error; err != nil {
		return fmt.Errorf("save contract %d: %w", c.ID, err)
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(apperrors.CodeOf(err))
}

func signerStrings(parties []models.SignerType) []string {
	out := make([]string, len(parties))
	for i, p := range parties {
		out[i] = string(p)
	}
	return out
}
