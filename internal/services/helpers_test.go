package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/database"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentInvite struct {
	ContractID uint
	Party      models.SignerType
	Token      string
}

type sentConfirmation struct {
	ContractID uint
	Party      models.SignerType
}

// recordingNotifier captures deliveries and can be told to fail.
type recordingNotifier struct {
	mu            sync.Mutex
	invites       []sentInvite
	confirmations []sentConfirmation
	fail          bool
}

func (n *recordingNotifier) SendInvite(_ context.Context, c *models.Contract, party models.SignerType, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp unavailable")
	}
	n.invites = append(n.invites, sentInvite{ContractID: c.ID, Party: party, Token: token})
	return nil
}

func (n *recordingNotifier) SendConfirmation(_ context.Context, c *models.Contract, party models.SignerType) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp unavailable")
	}
	n.confirmations = append(n.confirmations, sentConfirmation{ContractID: c.ID, Party: party})
	return nil
}

func (n *recordingNotifier) Confirmations() []sentConfirmation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentConfirmation(nil), n.confirmations...)
}

func (n *recordingNotifier) Invites() []sentInvite {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentInvite(nil), n.invites...)
}

type fixture struct {
	db         *gorm.DB
	cfg        *config.Config
	clock      *testClock
	notifier   *recordingNotifier
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
	tokens     *TokenService
	ledger     *SignatureLedger
	contracts  *ContractService
	signing    *SigningService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db: newTestDB(t),
		cfg: &config.Config{
			AppName:         "SpeakerDesk",
			AppURL:          "http://localhost:3000",
			SigningTokenTTL: 21 * 24 * time.Hour,
			NotifyTimeout:   time.Second,
		},
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		ledger:   NewSignatureLedger(),
	}
	log := zap.NewNop()

	f.dispatcher = NewDispatcher(f.notifier, f.cfg.NotifyTimeout, log, f.metrics)
	f.tokens = NewTokenService(f.cfg)
	f.tokens.SetClock(f.clock.Now)
	f.contracts = NewContractService(f.db, f.tokens, f.dispatcher, f.ledger, log, f.metrics)
	f.contracts.SetClock(f.clock.Now)
	f.signing = NewSigningService(f.db, f.ledger, nil, f.dispatcher, log, f.metrics)
	f.signing.SetClock(f.clock.Now)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.dispatcher.Wait(ctx)
	})
	return f
}

func bilateralInput() CreateContractInput {
	return CreateContractInput{
		EventName:                "Annual Sales Kickoff",
		Terms:                    "Speaker agrees to deliver a 45 minute keynote.",
		ClientName:               "Acme Events",
		ClientEmail:              "events@acme.test",
		SpeakerName:              "Dana Reyes",
		SpeakerEmail:             "dana@speakers.test",
		RequiresClientSignature:  true,
		RequiresSpeakerSignature: true,
	}
}

func unilateralInput() CreateContractInput {
	in := bilateralInput()
	in.RequiresSpeakerSignature = false
	return in
}

// sentContract creates and sends a contract, returning it with its tokens.
func (f *fixture) sentContract(t *testing.T, in CreateContractInput) *models.Contract {
	t.Helper()
	ctx := context.Background()

	c, err := f.contracts.Create(ctx, in)
	require.NoError(t, err)
	res, err := f.contracts.Send(ctx, c.ID, "admin@speakerdesk.io")
	require.NoError(t, err)
	return res.Contract
}

func (f *fixture) signInput(c *models.Contract, party models.SignerType) SignInput {
	return SignInput{
		ContractID: c.ID,
		Token:      c.SigningToken(party),
		SignerType: party,
		SignerName: c.Party(party).Name,
		IP:         "203.0.113.7",
		UserAgent:  "Mozilla/5.0 (test)",
	}
}

func (f *fixture) reload(t *testing.T, id uint) *models.Contract {
	t.Helper()
	var c models.Contract
	require.NoError(t, f.db.First(&c, id).Error)
	return &c
}

func (f *fixture) ledgerCount(t *testing.T, id uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Signature{}).Where("contract_id = ?", id).Count(&n).Error)
	return n
}

func (f *fixture) waitNotifications(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Wait(ctx))
}
