package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/database"
	"github.com/speakerdesk/contract-engine/internal/logging"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/routes"
	"github.com/speakerdesk/contract-engine/internal/services"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "contract-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.AdminPasswordHash == "" {
		log.Warn("ADMIN_PASSWORD_HASH is empty; admin login is disabled")
	}

	db, err := database.Initialize(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize services
	emailService := services.NewEmailService(cfg, log)
	dispatcher := services.NewDispatcher(emailService, cfg.NotifyTimeout, log, m)
	tokenService := services.NewTokenService(cfg)
	ledger := services.NewSignatureLedger()
	contractService := services.NewContractService(db, tokenService, dispatcher, ledger, log, m)
	signingService := services.NewSigningService(db, ledger, nil, dispatcher, log, m)
	certificateService := services.NewCertificateService(cfg, contractService)
	authService := services.NewAuthService(cfg)

	router := routes.SetupRouter(routes.Deps{
		Config:       cfg,
		DB:           db,
		Log:          log,
		Metrics:      m,
		Gatherer:     reg,
		Auth:         authService,
		Contracts:    contractService,
		Signing:      signingService,
		Certificates: certificateService,
	})

	addr := cfg.ServerHost + ":" + cfg.ServerPort
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	// Confirmation emails started by the last signatures still need to finish.
	if err := dispatcher.Wait(ctx); err != nil {
		log.Warn("notifications still in flight at shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
