package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/speakerdesk/contract-engine/internal/apperrors"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/models"
)

// Notifier delivers signing invitations and execution confirmations.
type Notifier interface {
	SendInvite(ctx context.Context, c *models.Contract, party models.SignerType, token string) error
	SendConfirmation(ctx context.Context, c *models.Contract, party models.SignerType) error
}

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// NotificationResult is reported back to the admin after send or resend.
type NotificationResult struct {
	Party  models.SignerType  `json:"party"`
	Email  string             `json:"email"`
	Status NotificationStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
}

// Dispatcher runs notifications strictly after the authoritative state has
// been committed. Failures are logged and counted, never returned.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewDispatcher(n Notifier, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout, log: log, metrics: m}
}

// Invite sends one invitation synchronously so the admin sees the outcome.
// The request context only bounds the wait; a client disconnect does not
// abort a delivery already in progress.
func (d *Dispatcher) Invite(ctx context.Context, c *models.Contract, party models.SignerType, token string) NotificationResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	res := NotificationResult{Party: party, Email: c.Party(party).Email, Status: NotificationSent}
	if err := d.notifier.SendInvite(ctx, c, party, token); err != nil {
		d.logFailure(c, party, "invite", err)
		res.Status = NotificationFailed
		res.Error = "notification delivery failed"
	}
	d.metrics.ObserveNotification("invite", string(res.Status))
	return res
}

// ConfirmExecuted notifies every required party in the background. The
// contract is copied so the caller may keep mutating its own value.
func (d *Dispatcher) ConfirmExecuted(ctx context.Context, c *models.Contract) {
	snapshot := *c
	snapshot.Signatures = nil
	base := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, party := range snapshot.RequiredParties() {
			sendCtx, cancel := context.WithTimeout(base, d.timeout)
			err := d.notifier.SendConfirmation(sendCtx, &snapshot, party)
			cancel()

			result := NotificationSent
			if err != nil {
				d.logFailure(&snapshot, party, "confirmation", err)
				result = NotificationFailed
			}
			d.metrics.ObserveNotification("confirmation", string(result))
		}
	}()
}

// Wait blocks until background notifications finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) logFailure(c *models.Contract, party models.SignerType, kind string, err error) {
	depErr := apperrors.NewDependency("notification delivery failed", err)
	d.log.Warn("notification failed",
		zap.Uint("contract_id", c.ID),
		zap.String("contract_number", c.ContractNumber),
		zap.String("party", string(party)),
		zap.String("kind", kind),
		zap.Error(depErr),
	)
}
