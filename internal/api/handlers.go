package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crosspost/publisher/internal/domain"
	"github.com/crosspost/publisher/internal/logger"
	"github.com/crosspost/publisher/internal/oauth"
	"github.com/crosspost/publisher/internal/queue"
)

type submitPostRequest struct {
	Body        string     `json:"body"      binding:"required"`
	Images      []string   `json:"images"`
	Videos      []string   `json:"videos"`
	Platforms   []string   `json:"platforms" binding:"required"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// submitPost accepts a publish submission. Admission failures map to
// distinct status codes so callers can tell configuration errors from
// exhausted budgets.
func (r *Router) submitPost(c *gin.Context) {
	var req submitPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := r.service.SubmitPublish(c.Request.Context(), queue.SubmitRequest{
		UserID:      currentUser(c),
		Body:        req.Body,
		Images:      req.Images,
		Videos:      req.Videos,
		Platforms:   req.Platforms,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		r.handleSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (r *Router) handleSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUnknownPlatform), errors.Is(err, domain.ErrInvalidPost):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNoConnection):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		r.logger.Error("submit failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit post"})
	}
}

// getJob returns a job's state with per-platform outcomes.
func (r *Router) getJob(c *gin.Context) {
	info, err := r.service.JobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		r.logger.Error("get job failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, info)
}

// getPost returns a post with its targets.
func (r *Router) getPost(c *gin.Context) {
	post, targets, err := r.service.PostDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		r.logger.Error("get post failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get post"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"post": post, "targets": targets})
}

// connectPlatform starts the OAuth authorization flow.
func (r *Router) connectPlatform(c *gin.Context) {
	authURL, err := r.oauth.AuthorizationURL(c.Param("platform"), currentUser(c))
	if err != nil {
		if errors.Is(err, domain.ErrUnknownPlatform) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.logger.Error("authorization URL failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL})
}

// oauthCallback completes the authorization flow and stores the connection.
func (r *Router) oauthCallback(c *gin.Context) {
	platform := c.Param("platform")
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and state query parameters are required"})
		return
	}

	info, err := r.oauth.HandleCallback(c.Request.Context(), platform, code, state)
	if err != nil {
		r.handleCallbackError(c, err)
		return
	}

	conn := &domain.Connection{
		UserID:         info.UserID,
		Platform:       info.Platform,
		PlatformUserID: info.PlatformUserID,
		AccessToken:    info.Token.AccessToken,
		ExpiresAt:      info.Token.ExpiresAt,
		Active:         true,
	}
	if info.Token.RefreshToken != "" {
		conn.RefreshToken = &info.Token.RefreshToken
	}

	if upsertErr := r.connections.Upsert(c.Request.Context(), conn); upsertErr != nil {
		r.logger.Error("failed to store connection",
			logger.String("platform", platform),
			logger.Error(upsertErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store connection"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected": true,
		"platform":  info.Platform,
		"handle":    info.Handle,
	})
}

func (r *Router) handleCallbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, oauth.ErrInvalidState), errors.Is(err, oauth.ErrVerifierNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUnknownPlatform):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		var oe *oauth.Error
		if errors.As(err, &oe) && !oe.Retryable {
			c.JSON(http.StatusBadRequest, gin.H{"error": oe.Error()})
			return
		}
		r.logger.Error("oauth callback failed", logger.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "authorization could not be completed"})
	}
}

// listConnections returns all of the user's platform connections.
func (r *Router) listConnections(c *gin.Context) {
	conns, err := r.connections.ListByUser(c.Request.Context(), currentUser(c))
	if err != nil {
		r.logger.Error("list connections failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list connections"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// disconnectPlatform deactivates a platform connection.
func (r *Router) disconnectPlatform(c *gin.Context) {
	platform := c.Param("platform")
	if err := r.connections.Deactivate(c.Request.Context(), currentUser(c), platform); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active connection for " + platform})
			return
		}
		r.logger.Error("disconnect failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"disconnected": true, "platform": platform})
}
