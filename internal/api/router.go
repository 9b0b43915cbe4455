// Package api exposes the publisher's HTTP surface: publish submission, job
// and post inspection, and the OAuth connection flow.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/queue"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
	healthCheckTimeout   = 2 * time.Second
	serviceVersion       = "1.0.0"
)

// PublishService is the slice of the queue service the API needs.
type PublishService interface {
	SubmitPublish(ctx context.Context, req queue.SubmitRequest) (*queue.SubmitResult, error)
	JobStatus(ctx context.Context, jobID string) (*queue.JobStatusInfo, error)
	PostDetail(ctx context.Context, postID string) (*domain.Post, []domain.PublishTarget, error)
}

// OAuthManager drives the connection flow. Implemented by oauth.Manager.
type OAuthManager interface {
	AuthorizationURL(platform, userID string) (string, error)
	HandleCallback(ctx context.Context, platform, code, state string) (*oauth.ConnectionInfo, error)
}

// ConnectionStore is the slice of the connection repository the API needs.
type ConnectionStore interface {
	Upsert(ctx context.Context, conn *domain.Connection) error
	ListByUser(ctx context.Context, userID string) ([]domain.Connection, error)
	Deactivate(ctx context.Context, userID, platform string) error
}

// Pinger reports database connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig holds the API dependencies.
type RouterConfig struct {
	Service     PublishService
	OAuth       OAuthManager
	Connections ConnectionStore
	DB          Pinger
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
	Debug       bool
	Logger      logger.Logger
}

// Router holds the API dependencies.
type Router struct {
	service     PublishService
	oauth       OAuthManager
	connections ConnectionStore
	db          Pinger
	gatherer    prometheus.Gatherer
	corsOrigins []string
	debug       bool
	logger      logger.Logger
}

// NewRouter creates a new API router.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		service:     cfg.Service,
		oauth:       cfg.OAuth,
		connections: cfg.Connections,
		db:          cfg.DB,
		gatherer:    cfg.Gatherer,
		corsOrigins: cfg.CORSOrigins,
		debug:       cfg.Debug,
		logger:      cfg.Logger,
	}
}

// SetupRoutes builds the gin engine with all routes and middleware.
func (r *Router) SetupRoutes() *gin.Engine {
	if !r.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(r.corsOrigins))

	router.GET("/health", r.healthCheck)
	if r.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")

	// The callback arrives from the provider redirect and carries its
	// identity inside the signed state token, not in headers.
	v1.GET("/connect/:platform/callback", r.oauthCallback)

	authed := v1.Group("")
	authed.Use(userIdentityMiddleware())
	authed.POST("/posts", r.submitPost)
	authed.GET("/posts/:id", r.getPost)
	authed.GET("/jobs/:id", r.getJob)
	authed.GET("/connect/:platform", r.connectPlatform)
	authed.GET("/connections", r.listConnections)
	authed.DELETE("/connections/:platform", r.disconnectPlatform)

	return router
}

// healthCheck returns the service health status.
func (r *Router) healthCheck(c *gin.Context) {
	health := gin.H{
		"status":  healthStatusHealthy,
		"service": "publisher",
		"version": serviceVersion,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	dbConnected := true
	if err := r.db.Ping(ctx); err != nil {
		dbConnected = false
		health["status"] = healthStatusDegraded
	}
	health["database"] = gin.H{"connected": dbConnected}

	c.JSON(http.StatusOK, health)
}
