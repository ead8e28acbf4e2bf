package routes

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/speakerdesk/contract-engine/internal/config"
	"github.com/speakerdesk/contract-engine/internal/database"
	"github.com/speakerdesk/contract-engine/internal/handlers"
	"github.com/speakerdesk/contract-engine/internal/metrics"
	"github.com/speakerdesk/contract-engine/internal/middleware"
	"github.com/speakerdesk/contract-engine/internal/services"
)

// Deps is everything the router wires into handlers.
type Deps struct {
	Config       *config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Auth         *services.AuthService
	Contracts    *services.ContractService
	Signing      *services.SigningService
	Certificates *services.CertificateService
}

func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.RequestLogger(d.Log),
		d.Metrics.Middleware(),
	)

	// CORS configuration
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", middleware.RequestIDHeader},
		AllowCredentials: true,
	}
	if len(d.Config.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = d.Config.CORSOrigins
	} else {
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	}
	router.Use(cors.New(corsCfg))

	router.GET("/health", func(c *gin.Context) {
		connected := database.Ping(d.DB) == nil
		status := http.StatusOK
		if !connected {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":       http.StatusText(status),
			"db_connected": connected,
		})
	})
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	authHandler := handlers.NewAuthHandler(d.Auth)
	signingHandler := handlers.NewSigningHandler(d.Signing)
	contractHandler := handlers.NewContractHandler(d.Contracts, d.Certificates)

	api := router.Group("/api")
	{
		// Public signing surface, token only
		contracts := api.Group("/contracts")
		{
			contracts.GET("/:id/signing", signingHandler.GetSigningContext)
			contracts.POST("/:id/sign", signingHandler.Sign)
		}

		api.POST("/admin/login", authHandler.Login)

		admin := api.Group("/admin/contracts")
		admin.Use(middleware.AuthMiddleware(d.Auth), middleware.RequireAdmin())
		{
			admin.POST("", contractHandler.CreateContract)
			admin.GET("", contractHandler.ListContracts)
			admin.GET("/:id", contractHandler.GetContract)
			admin.POST("/:id/send", contractHandler.SendContract)
			admin.POST("/:id/resend", contractHandler.ResendContract)
			admin.POST("/:id/cancel", contractHandler.CancelContract)
			admin.GET("/:id/certificate", contractHandler.DownloadCertificate)
		}
	}

	return router
}
