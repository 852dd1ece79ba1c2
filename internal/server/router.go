package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/handlers"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/middleware"
)

type RouterConfig struct {
	Mode            string // gin mode: debug | release | test
	AuthMiddleware  *middleware.AuthMiddleware
	JobsHandler     *handlers.JobsHandler
	UploadHandler   *handlers.UploadHandler
	HealthHandler   *handlers.HealthHandler
	ProfilesHandler *handlers.ProfilesHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.Default()
	router.Use(otelgin.Middleware("subtitle-orchestrator"))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/health", cfg.HealthHandler.Health)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAdmin())
	// Jobs
	protected.GET("/jobs", cfg.JobsHandler.ListJobs)
	protected.GET("/jobs/stream", cfg.JobsHandler.Stream)
	protected.GET("/jobs/:stem", cfg.JobsHandler.GetJob)
	protected.POST("/action", cfg.JobsHandler.Action)
	protected.POST("/jobs/:stem/action", cfg.JobsHandler.Action)
	// Inbox
	protected.POST("/upload", cfg.UploadHandler.Upload)
	// Profiles
	protected.GET("/profiles", cfg.ProfilesHandler.ListProfiles)

	return router
}
