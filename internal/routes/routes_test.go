package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm/logger"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/database"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/models"
	"github.com/speakerdesk/contract-engine/internal/services"
)

const (
	adminEmail    = "admin@speakerdesk.io"
	adminPassword = "correct horse battery"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type invite struct {
	contractID uint
	party      models.SignerType
	token      string
}

type notifier struct {
	mu            sync.Mutex
	invites       []invite
	confirmations []models.SignerType
	failInvites   bool
}

func (n *notifier) SendInvite(_ context.Context, c *models.Contract, party models.SignerType, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failInvites {
		return errors.New("smtp: connection refused")
	}
	n.invites = append(n.invites, invite{contractID: c.ID, party: party, token: token})
	return nil
}

func (n *notifier) SendConfirmation(_ context.Context, _ *models.Contract, party models.SignerType) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, party)
	return nil
}

// token returns the most recent invitation token for a party.
func (n *notifier) token(contractID uint, party models.SignerType) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.invites) - 1; i >= 0; i-- {
		if n.invites[i].contractID == contractID && n.invites[i].party == party {
			return n.invites[i].token
		}
	}
	return ""
}

func (n *notifier) confirmationCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmations)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testServer struct {
	t          *testing.T
	router     *gin.Engine
	notifier   *notifier
	clock      *clock
	dispatcher *services.Dispatcher
	adminToken string
}

func newTestServer(t *testing.T) *testServer {
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

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{
		AppName:           "SpeakerDesk",
		AppURL:            "http://localhost:3000",
		JWTSecret:         "test-secret",
		JWTExpiration:     1,
		AdminEmail:        adminEmail,
		AdminPasswordHash: string(hash),
		SigningTokenTTL:   21 * 24 * time.Hour,
		NotifyTimeout:     time.Second,
	}

	s := &testServer{
		t:        t,
		notifier: &notifier{},
		clock:    &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s.dispatcher = services.NewDispatcher(s.notifier, cfg.NotifyTimeout, log, m)
	tokens := services.NewTokenService(cfg)
	tokens.SetClock(s.clock.Now)
	ledger := services.NewSignatureLedger()
	contracts := services.NewContractService(db, tokens, s.dispatcher, ledger, log, m)
	contracts.SetClock(s.clock.Now)
	signing := services.NewSigningService(db, ledger, nil, s.dispatcher, log, m)
	signing.SetClock(s.clock.Now)

	s.router = SetupRouter(Deps{
		Config:       cfg,
		DB:           db,
		Log:          log,
		Metrics:      m,
		Gatherer:     reg,
		Auth:         services.NewAuthService(cfg),
		Contracts:    contracts,
		Signing:      signing,
		Certificates: services.NewCertificateService(cfg, contracts),
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.dispatcher.Wait(ctx)
	})

	w := s.do(http.MethodPost, "/api/admin/login", gin.H{"email": adminEmail, "password": adminPassword}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.adminToken = decode(t, w)["token"].(string)
	return s
}

func (s *testServer) do(method, path string, body any, bearer string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "route-test/1.0")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) admin(method, path string, body any) *httptest.ResponseRecorder {
	return s.do(method, path, body, s.adminToken)
}

// sentContract creates and sends a contract through the admin API.
func (s *testServer) sentContract(bilateral bool) uint {
	s.t.Helper()
	w := s.admin(http.MethodPost, "/api/admin/contracts", gin.H{
		"eventName":                "Annual Sales Kickoff",
		"terms":                    "Speaker agrees to deliver a 45 minute keynote.",
		"clientName":               "Acme Events",
		"clientEmail":              "events@acme.test",
		"speakerName":              "Dana Reyes",
		"speakerEmail":             "dana@speakers.test",
		"requiresClientSignature":  true,
		"requiresSpeakerSignature": bilateral,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	id := uint(decode(s.t, w)["contract"].(map[string]any)["id"].(float64))

	w = s.admin(http.MethodPost, fmt.Sprintf("/api/admin/contracts/%d/send", id), nil)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func (s *testServer) sign(id uint, party models.SignerType, token string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, fmt.Sprintf("/api/contracts/%d/sign", id), gin.H{
		"token":      token,
		"signerName": "Signer " + string(party),
		"signerType": party,
	}, "")
}

func (s *testServer) waitNotifications() {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(s.t, s.dispatcher.Wait(ctx))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, code, body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["db_connected"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = s.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "contract_http_requests_total")
}

func TestAdminRoutes_requireBearerToken(t *testing.T) {
	s := newTestServer(t)

	assertError(t, s.do(http.MethodGet, "/api/admin/contracts", nil, ""), http.StatusUnauthorized, "UNAUTHORIZED")
	assertError(t, s.do(http.MethodGet, "/api/admin/contracts", nil, "not-a-jwt"), http.StatusUnauthorized, "UNAUTHORIZED")

	w := s.do(http.MethodPost, "/api/admin/login", gin.H{"email": adminEmail, "password": "wrong"}, "")
	assertError(t, w, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestBilateralSigningFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	clientToken := s.notifier.token(id, models.SignerClient)
	speakerToken := s.notifier.token(id, models.SignerSpeaker)
	require.NotEmpty(t, clientToken)
	require.NotEmpty(t, speakerToken)

	w := s.do(http.MethodGet, fmt.Sprintf("/api/contracts/%d/signing?token=%s", id, clientToken), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sc := decode(t, w)
	assert.Equal(t, "client", sc["party"])
	assert.Equal(t, "sent", sc["status"])
	assert.Equal(t, false, sc["alreadySigned"])

	w = s.sign(id, models.SignerClient, clientToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["isFullyExecuted"])
	assert.NotZero(t, body["signatureId"])

	assertError(t, s.admin(http.MethodGet, fmt.Sprintf("/api/admin/contracts/%d/certificate", id), nil),
		http.StatusConflict, "NOT_FULLY_EXECUTED")

	w = s.sign(id, models.SignerSpeaker, speakerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["isFullyExecuted"])

	s.waitNotifications()
	assert.Equal(t, 2, s.notifier.confirmationCount())

	w = s.admin(http.MethodGet, fmt.Sprintf("/api/admin/contracts/%d", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "fully_executed", view["contract"].(map[string]any)["status"])
	assert.Len(t, view["parties"], 2)
	assert.NotContains(t, w.Body.String(), clientToken)

	w = s.admin(http.MethodGet, fmt.Sprintf("/api/admin/contracts/%d/certificate", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "-certificate.pdf")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))
}

func TestUnilateralSigning_executesOnFirstSignature(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(false)

	w := s.sign(id, models.SignerClient, s.notifier.token(id, models.SignerClient))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["isFullyExecuted"])

	s.waitNotifications()
	assert.Equal(t, 1, s.notifier.confirmationCount())
}

func TestSign_twice_alreadySigned(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	token := s.notifier.token(id, models.SignerClient)

	require.Equal(t, http.StatusOK, s.sign(id, models.SignerClient, token).Code)
	assertError(t, s.sign(id, models.SignerClient, token), http.StatusBadRequest, "ALREADY_SIGNED")
}

func TestSign_invalidTokens(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	other := s.sentContract(true)

	assertError(t, s.sign(id, models.SignerClient, "forged-token"), http.StatusForbidden, "INVALID_TOKEN")
	assertError(t, s.sign(id, models.SignerClient, s.notifier.token(other, models.SignerClient)), http.StatusForbidden, "INVALID_TOKEN")
	assertError(t, s.sign(id, models.SignerClient, s.notifier.token(id, models.SignerSpeaker)), http.StatusForbidden, "INVALID_TOKEN")
	assertError(t, s.sign(9999, models.SignerClient, "whatever"), http.StatusNotFound, "NOT_FOUND")
	assertError(t, s.sign(0, models.SignerClient, "whatever"), http.StatusNotFound, "NOT_FOUND")

	w := s.do(http.MethodGet, fmt.Sprintf("/api/contracts/%d/signing?token=forged", id), nil, "")
	assertError(t, w, http.StatusNotFound, "NOT_FOUND")
	w = s.do(http.MethodGet, "/api/contracts/abc/signing?token=forged", nil, "")
	assertError(t, w, http.StatusNotFound, "NOT_FOUND")
}

func TestSign_validation(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	token := s.notifier.token(id, models.SignerClient)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/contracts/%d/sign", id), gin.H{
		"token":      token,
		"signerType": "client",
	}, "")
	assertError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")

	w = s.do(http.MethodPost, fmt.Sprintf("/api/contracts/%d/sign", id), gin.H{
		"token":      token,
		"signerName": "   ",
		"signerType": "client",
	}, "")
	assertError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestSign_expired(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	token := s.notifier.token(id, models.SignerClient)

	s.clock.Advance(22 * 24 * time.Hour)

	w := s.do(http.MethodGet, fmt.Sprintf("/api/contracts/%d/signing?token=%s", id, token), nil, "")
	assertError(t, w, http.StatusBadRequest, "EXPIRED")
	assertError(t, s.sign(id, models.SignerClient, token), http.StatusBadRequest, "EXPIRED")
	assertError(t, s.sign(id, models.SignerClient, "forged-token"), http.StatusBadRequest, "EXPIRED")

	w = s.admin(http.MethodGet, "/api/admin/contracts?status=expired", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestCancelThenSign_conflict(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	token := s.notifier.token(id, models.SignerClient)

	w := s.admin(http.MethodPost, fmt.Sprintf("/api/admin/contracts/%d/cancel", id), gin.H{"reason": "event moved"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	contract := decode(t, w)["contract"].(map[string]any)
	assert.Equal(t, "cancelled", contract["status"])
	assert.Equal(t, adminEmail, contract["cancelled_by"])

	assertError(t, s.sign(id, models.SignerClient, token), http.StatusConflict, "CONTRACT_CANCELLED")
	w = s.do(http.MethodGet, fmt.Sprintf("/api/contracts/%d/signing?token=%s", id, token), nil, "")
	assertError(t, w, http.StatusConflict, "CONTRACT_CANCELLED")

	// no body is accepted, but a cancelled contract stays cancelled
	w = s.admin(http.MethodPost, fmt.Sprintf("/api/admin/contracts/%d/cancel", id), nil)
	assertError(t, w, http.StatusConflict, "INVALID_TRANSITION")
}

func TestSend_reportsNotificationFailures(t *testing.T) {
	s := newTestServer(t)
	s.notifier.failInvites = true

	w := s.admin(http.MethodPost, "/api/admin/contracts", gin.H{
		"terms":                   "Terms.",
		"clientName":              "Acme Events",
		"clientEmail":             "events@acme.test",
		"requiresClientSignature": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := uint(decode(t, w)["contract"].(map[string]any)["id"].(float64))

	w = s.admin(http.MethodPost, fmt.Sprintf("/api/admin/contracts/%d/send", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "sent", body["contract"].(map[string]any)["status"])
	notifications := body["notifications"].([]any)
	require.Len(t, notifications, 1)
	n := notifications[0].(map[string]any)
	assert.Equal(t, "client", n["party"])
	assert.Equal(t, "failed", n["status"])
	assert.NotContains(t, n["error"], "connection refused")
}

func TestResend_rotatesToken(t *testing.T) {
	s := newTestServer(t)
	id := s.sentContract(true)
	old := s.notifier.token(id, models.SignerSpeaker)

	w := s.admin(http.MethodPost, fmt.Sprintf("/api/admin/contracts/%d/resend", id), gin.H{"party": "speaker"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fresh := s.notifier.token(id, models.SignerSpeaker)
	assert.NotEqual(t, old, fresh)

	assertError(t, s.sign(id, models.SignerSpeaker, old), http.StatusForbidden, "INVALID_TOKEN")
	require.Equal(t, http.StatusOK, s.sign(id, models.SignerSpeaker, fresh).Code)

	w = s.admin(http.MethodPost, fmt.Sprintf("/api/admin/contracts/%d/resend", id), gin.H{})
	assertError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestCreateAndList(t *testing.T) {
	s := newTestServer(t)

	w := s.admin(http.MethodPost, "/api/admin/contracts", gin.H{"terms": "x"})
	assertError(t, w, http.StatusBadRequest, "VALIDATION_ERROR")

	s.sentContract(true)
	s.sentContract(false)

	w = s.admin(http.MethodGet, "/api/admin/contracts?status=sent&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["contracts"], 1)

	assertError(t, s.admin(http.MethodGet, "/api/admin/contracts?status=archived", nil), http.StatusBadRequest, "VALIDATION_ERROR")
	assertError(t, s.admin(http.MethodGet, "/api/admin/contracts?limit=-1", nil), http.StatusBadRequest, "VALIDATION_ERROR")
	assertError(t, s.admin(http.MethodGet, "/api/admin/contracts/424242", nil), http.StatusNotFound, "NOT_FOUND")
}
