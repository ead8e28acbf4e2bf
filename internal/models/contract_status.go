package models

import (
	"fmt"
	"time"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
)

type ContractStatus string

const (
	ContractStatusDraft           ContractStatus = "draft"
	ContractStatusSent            ContractStatus = "sent"
	ContractStatusPartiallySigned ContractStatus = "partially_signed"
	ContractStatusFullyExecuted   ContractStatus = "fully_executed"
	ContractStatusExpired         ContractStatus = "expired"
	ContractStatusCancelled       ContractStatus = "cancelled"
)

func (s ContractStatus) Valid() bool {
	switch s {
	case ContractStatusDraft, ContractStatusSent, ContractStatusPartiallySigned,
		ContractStatusFullyExecuted, ContractStatusExpired, ContractStatusCancelled:
		return true
	}
	return false
}

// Terminal statuses admit no further transitions.
func (s ContractStatus) Terminal() bool {
	return s == ContractStatusFullyExecuted || s == ContractStatusCancelled
}

// Signable reports whether a party may sign while the contract is in s.
func (s ContractStatus) Signable() bool {
	return s == ContractStatusSent || s == ContractStatusPartiallySigned
}

type Event string

const (
	EventSend        Event = "send"
	EventSignPartial Event = "sign_partial"
	EventSignFinal   Event = "sign_final"
	EventExpire      Event = "expire"
	EventCancel      Event = "cancel"
)

// Transition is the single place that decides which lifecycle moves are legal.
func Transition(from ContractStatus, e Event) (ContractStatus, error) {
	var to ContractStatus
	switch from {
	case ContractStatusDraft:
		switch e {
		case EventSend:
			to = ContractStatusSent
		case EventCancel:
			to = ContractStatusCancelled
		}
	case ContractStatusSent:
		switch e {
		case EventSignPartial:
			to = ContractStatusPartiallySigned
		case EventSignFinal:
			to = ContractStatusFullyExecuted
		case EventExpire:
			to = ContractStatusExpired
		case EventCancel:
			to = ContractStatusCancelled
		}
	case ContractStatusPartiallySigned:
		switch e {
		case EventSignFinal:
			to = ContractStatusFullyExecuted
		case EventExpire:
			to = ContractStatusExpired
		case EventCancel:
			to = ContractStatusCancelled
		}
	case ContractStatusExpired:
		if e == EventCancel {
			to = ContractStatusCancelled
		}
	case ContractStatusFullyExecuted, ContractStatusCancelled:
	default:
		return "", fmt.Errorf("unknown contract status %q", from)
	}

	if to == "" {
		return "", apperrors.NewConflict(
			apperrors.CodeInvalidTransition,
			fmt.Sprintf("cannot %s a contract that is %s", e, from),
		)
	}
	return to, nil
}

// StatusInput is everything status derivation is allowed to look at.
type StatusInput struct {
	RequiresClient  bool
	RequiresSpeaker bool
	ClientSignedAt  *time.Time
	SpeakerSignedAt *time.Time
	SentAt          *time.Time
	TokensExpireAt  *time.Time
	Cancelled       bool
	Now             time.Time
}

// DeriveStatus computes the lifecycle status from signature timestamps and
// the expiration horizon. Cancellation is the only stored override.
func DeriveStatus(in StatusInput) ContractStatus {
	if in.Cancelled {
		return ContractStatusCancelled
	}

	required, signed := 0, 0
	if in.RequiresClient {
		required++
		if in.ClientSignedAt != nil {
			signed++
		}
	}
	if in.RequiresSpeaker {
		required++
		if in.SpeakerSignedAt != nil {
			signed++
		}
	}

	if required > 0 && signed == required {
		return ContractStatusFullyExecuted
	}
	if in.SentAt == nil {
		return ContractStatusDraft
	}
	if in.TokensExpireAt != nil && in.Now.After(*in.TokensExpireAt) {
		return ContractStatusExpired
	}
	if signed > 0 {
		return ContractStatusPartiallySigned
	}
	return ContractStatusSent
}

func (c *Contract) statusInput(now time.Time) StatusInput {
	return StatusInput{
		RequiresClient:  c.RequiresClientSignature,
		RequiresSpeaker: c.RequiresSpeakerSignature,
		ClientSignedAt:  c.ClientSignedAt,
		SpeakerSignedAt: c.SpeakerSignedAt,
		SentAt:          c.SentAt,
		TokensExpireAt:  c.TokensExpireAt,
		Cancelled:       c.Status == ContractStatusCancelled || c.CancelledAt != nil,
		Now:             now,
	}
}

// EffectiveStatus is the status every read path must use; the stored column
// may lag behind expiration.
func (c *Contract) EffectiveStatus(now time.Time) ContractStatus {
	return DeriveStatus(c.statusInput(now))
}

// Refresh rewrites the cached Status column from the derived status.
func (c *Contract) Refresh(now time.Time) ContractStatus {
	c.Status = c.EffectiveStatus(now)
	return c.Status
}

// IsFullyExecuted checks timestamps, never the cached column.
func (c *Contract) IsFullyExecuted() bool {
	required := c.RequiredParties()
	if len(required) == 0 {
		return false
	}
	for _, t := range required {
		if !c.HasSigned(t) {
			return false
		}
	}
	return true
}
