package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/api/middleware"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/session"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/shared/utils"
)

var errUnknownUser = errors.New("user has no session")

// StartApp starts an app for a user, creating the user's session if needed
func (h *Handlers) StartApp(c *gin.Context) {
	userID, pkg := c.Param("userId"), c.Param("package")
	if !validIDs(c, userID, pkg) {
		return
	}

	user, _, err := h.registry.GetOrCreate(userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	// The wake outlives an impatient HTTP caller
	ctx := context.WithoutCancel(c.Request.Context())
	result, err := user.StartApp(ctx, pkg)
	if errors.Is(err, app.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "app": result})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// StopApp stops an app. ?restart=true starts it again.
func (h *Handlers) StopApp(c *gin.Context) {
	userID, pkg := c.Param("userId"), c.Param("package")
	if !validIDs(c, userID, pkg) {
		return
	}

	restart := false
	if raw := c.Query("restart"); raw != "" {
		var err error
		if restart, err = strconv.ParseBool(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "restart must be a boolean"})
			return
		}
	}

	user, ok := h.registry.Get(userID)
	if !ok {
		h.fail(c, errUnknownUser)
		return
	}
	if err := user.StopApp(context.WithoutCancel(c.Request.Context()), pkg, restart); err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{"packageName": pkg, "stopped": true, "restarted": restart}
	if info, ok := user.Apps().Session(pkg); ok {
		body["state"] = info.State
	}
	c.JSON(http.StatusOK, body)
}

// ListApps returns every app session of a user
func (h *Handlers) ListApps(c *gin.Context) {
	user, ok := h.registry.Get(c.Param("userId"))
	if !ok {
		h.fail(c, errUnknownUser)
		return
	}
	sessions := user.Apps().Sessions()
	c.JSON(http.StatusOK, gin.H{
		"userId":          user.UserID(),
		"sessionId":       user.ID(),
		"startedAt":       user.StartedAt(),
		"deviceConnected": user.DeviceConnected(),
		"apps":            sessions,
		"count":           len(sessions),
	})
}

// ListUsers returns the ids of every live user session
func (h *Handlers) ListUsers(c *gin.Context) {
	users := h.registry.Users()
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// RemoveUser ends a user's session and every app in it
func (h *Handlers) RemoveUser(c *gin.Context) {
	userID := c.Param("userId")
	if !h.registry.Remove(userID) {
		h.fail(c, errUnknownUser)
		return
	}
	h.log.Info("User session removed",
		zap.String("user_id", userID),
		zap.String("request_id", middleware.GetRequestID(c)),
	)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "removed": true})
}

// validIDs rejects malformed path parameters with 400
func validIDs(c *gin.Context, userID, pkg string) bool {
	err := utils.ValidateUserID(userID)
	if err == nil {
		err = utils.ValidatePackageName(pkg)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownApp),
		errors.Is(err, app.ErrAppNotRunning),
		errors.Is(err, errUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, app.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, app.ErrWakeFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, app.ErrManagerDisposed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
