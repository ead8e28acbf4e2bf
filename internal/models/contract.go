package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type SignerType string

const (
	SignerClient  SignerType = "client"
	SignerSpeaker SignerType = "speaker"
)

// AllSignerTypes lists every party that can ever sign, in display order.
var AllSignerTypes = []SignerType{SignerClient, SignerSpeaker}

func (s SignerType) Valid() bool {
	return s == SignerClient || s == SignerSpeaker
}

type Contract struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ContractNumber string         `gorm:"type:varchar(32);uniqueIndex;not null" json:"contract_number"`
	Status         ContractStatus `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`

	EventName string     `json:"event_name"`
	EventDate *time.Time `json:"event_date,omitempty"`
	Terms     string     `gorm:"type:text;not null" json:"terms"`

	// Client party
	ClientName              string     `gorm:"not null" json:"client_name"`
	ClientEmail             string     `gorm:"not null" json:"client_email"`
	ClientSigningToken      string     `gorm:"type:varchar(64);index" json:"-"`
	ClientSignedAt          *time.Time `json:"client_signed_at"`
	RequiresClientSignature bool       `gorm:"not null" json:"requires_client_signature"`

	// Speaker party
	SpeakerName              string     `json:"speaker_name"`
	SpeakerEmail             string     `json:"speaker_email"`
	SpeakerSigningToken      string     `gorm:"type:varchar(64);index" json:"-"`
	SpeakerSignedAt          *time.Time `json:"speaker_signed_at"`
	RequiresSpeakerSignature bool       `gorm:"not null" json:"requires_speaker_signature"`

	TokensExpireAt  *time.Time `json:"tokens_expire_at"`
	SentAt          *time.Time `json:"sent_at"`
	FullyExecutedAt *time.Time `json:"fully_executed_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy     string     `json:"cancelled_by,omitempty"`
	CancelReason    string     `gorm:"type:text" json:"cancel_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Signatures []Signature `gorm:"foreignKey:ContractID" json:"signatures,omitempty"`
}

// Party is a read-only projection of one side of a contract.
type Party struct {
	Type     SignerType `json:"type"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Required bool       `json:"required"`
	SignedAt *time.Time `json:"signed_at"`
}

func (c *Contract) Party(t SignerType) Party {
	switch t {
	case SignerSpeaker:
		return Party{
			Type:     SignerSpeaker,
			Name:     c.SpeakerName,
			Email:    c.SpeakerEmail,
			Required: c.RequiresSpeakerSignature,
			SignedAt: c.SpeakerSignedAt,
		}
	default:
		return Party{
			Type:     SignerClient,
			Name:     c.ClientName,
			Email:    c.ClientEmail,
			Required: c.RequiresClientSignature,
			SignedAt: c.ClientSignedAt,
		}
	}
}

// RequiredParties returns the signer types that must sign for full execution.
func (c *Contract) RequiredParties() []SignerType {
	var parties []SignerType
	for _, t := range AllSignerTypes {
		if c.IsRequired(t) {
			parties = append(parties, t)
		}
	}
	return parties
}

func (c *Contract) IsRequired(t SignerType) bool {
	switch t {
	case SignerClient:
		return c.RequiresClientSignature
	case SignerSpeaker:
		return c.RequiresSpeakerSignature
	}
	return false
}

func (c *Contract) SigningToken(t SignerType) string {
	switch t {
	case SignerClient:
		return c.ClientSigningToken
	case SignerSpeaker:
		return c.SpeakerSigningToken
	}
	return ""
}

func (c *Contract) SetSigningToken(t SignerType, token string) {
	switch t {
	case SignerClient:
		c.ClientSigningToken = token
	case SignerSpeaker:
		c.SpeakerSigningToken = token
	}
}

func (c *Contract) SignedAt(t SignerType) *time.Time {
	switch t {
	case SignerClient:
		return c.ClientSignedAt
	case SignerSpeaker:
		return c.SpeakerSignedAt
	}
	return nil
}

func (c *Contract) MarkSigned(t SignerType, at time.Time) {
	switch t {
	case SignerClient:
		c.ClientSignedAt = &at
	case SignerSpeaker:
		c.SpeakerSignedAt = &at
	}
}

func (c *Contract) HasSigned(t SignerType) bool {
	return c.SignedAt(t) != nil
}

// IsExpired reports whether the shared token horizon has passed.
func (c *Contract) IsExpired(now time.Time) bool {
	return c.TokensExpireAt != nil && now.After(*c.TokensExpireAt)
}

// DocumentHash is the SHA-256 of the terms body a signer agreed to.
func (c *Contract) DocumentHash() string {
	sum := sha256.Sum256([]byte(c.Terms))
	return hex.EncodeToString(sum[:])
}
