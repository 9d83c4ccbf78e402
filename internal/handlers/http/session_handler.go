package http

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/internal/core/services"
	"lecturecast/internal/infrastructure/middleware"
	"lecturecast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SessionOrchestrator is the session API the handlers drive.
type SessionOrchestrator interface {
	Schedule(ctx context.Context, caller *domain.Caller, req services.ScheduleRequest) (*domain.ScheduledSession, error)
	Get(ctx context.Context, caller *domain.Caller, id domain.StreamID) (*services.SessionView, error)
	List(ctx context.Context, caller *domain.Caller, courseID string) ([]*services.SessionView, error)
	Start(ctx context.Context, caller *domain.Caller, id domain.StreamID, req services.StartRequest) (*domain.StreamInfo, error)
	Stop(ctx context.Context, caller *domain.Caller, id domain.StreamID) (*domain.StreamSession, error)
	IssueAccess(ctx context.Context, caller *domain.Caller, id domain.StreamID, req services.AccessRequest) (*domain.AccessGrant, error)
	RefreshAccess(ctx context.Context, token string, extendBy time.Duration) (string, *domain.AccessClaims, error)
	Analytics(ctx context.Context, caller *domain.Caller, id domain.StreamID) (*domain.AnalyticsSnapshot, error)
	RecordEvent(ctx context.Context, claims *domain.AccessClaims, id domain.StreamID, event domain.ViewerEvent) error
}

type SessionHandler struct {
	sessions   SessionOrchestrator
	callerAuth gin.HandlerFunc
	streamAuth gin.HandlerFunc
}

// NewSessionHandler wires the handlers with the middleware that authenticates
// platform callers and stream token holders respectively.
func NewSessionHandler(sessions SessionOrchestrator, callerAuth, streamAuth gin.HandlerFunc) *SessionHandler {
	return &SessionHandler{
		sessions:   sessions,
		callerAuth: callerAuth,
		streamAuth: streamAuth,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		platform := api.Group("/sessions", h.callerAuth)
		platform.POST("", h.ScheduleSession)
		platform.GET("", h.ListSessions)
		platform.GET("/:id", h.GetSession)
		platform.POST("/:id/start", h.StartSession)
		platform.POST("/:id/stop", h.StopSession)
		platform.POST("/:id/token", h.IssueToken)
		platform.GET("/:id/analytics", h.GetAnalytics)

		api.POST("/tokens/refresh", h.RefreshToken)
		api.POST("/streams/:id/events", h.streamAuth, h.RecordViewerEvent)
	}
}

type ScheduleSessionRequest struct {
	CourseID        string        `json:"course_id" binding:"required,max=100"`
	Title           string        `json:"title" binding:"required,max=200"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes" binding:"required,min=1,max=720"`
	TeacherID       domain.UserID `json:"teacher_id" binding:"max=100"`
}

type StartSessionRequest struct {
	InputURL            string             `json:"input_url" binding:"required,max=2048"`
	Quality             domain.QualityTier `json:"quality" binding:"max=20"`
	Bitrate             int                `json:"bitrate" binding:"min=0"`
	Resolution          string             `json:"resolution" binding:"max=20"`
	Framerate           int                `json:"framerate" binding:"min=0,max=120"`
	Record              bool               `json:"record"`
	RecordingMaxMinutes int                `json:"recording_max_minutes" binding:"min=0"`
}

type IssueTokenRequest struct {
	DeviceFingerprint string `json:"device_fingerprint" binding:"max=256"`
	TTLSeconds        int    `json:"ttl_seconds" binding:"min=0"`
}

type RefreshTokenRequest struct {
	Token         string `json:"token" binding:"required,max=4096"`
	ExtendSeconds int    `json:"extend_seconds" binding:"min=0"`
}

type ViewerEventRequest struct {
	Event domain.ViewerEvent `json:"event" binding:"required,max=32"`
}

type scheduleResponse struct {
	StreamID        domain.StreamID      `json:"stream_id"`
	CourseID        string               `json:"course_id"`
	TeacherID       domain.UserID        `json:"teacher_id"`
	Title           string               `json:"title"`
	ScheduledAt     time.Time            `json:"scheduled_at"`
	DurationSeconds int64                `json:"duration_seconds"`
	Status          domain.SessionStatus `json:"status"`
	StreamKey       string               `json:"stream_key"`
}

func (h *SessionHandler) ScheduleSession(c *gin.Context) {
	var req ScheduleSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	s, err := h.sessions.Schedule(c.Request.Context(), middleware.CallerFrom(c), services.ScheduleRequest{
		CourseID:    strings.TrimSpace(req.CourseID),
		Title:       req.Title,
		ScheduledAt: req.ScheduledAt,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
		TeacherID:   req.TeacherID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session": scheduleResponse{
			StreamID:        s.StreamID,
			CourseID:        s.CourseID,
			TeacherID:       s.TeacherID,
			Title:           s.Title,
			ScheduledAt:     s.ScheduledAt,
			DurationSeconds: int64(s.Duration.Seconds()),
			Status:          s.Status,
			StreamKey:       s.Credentials.StreamKey,
		},
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context(), middleware.CallerFrom(c), c.Query("course_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	view, err := h.sessions.Get(c.Request.Context(), middleware.CallerFrom(c), streamID(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": view,
	})
}

func (h *SessionHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	info, err := h.sessions.Start(c.Request.Context(), middleware.CallerFrom(c), streamID(c), services.StartRequest{
		InputURL:             req.InputURL,
		Quality:              req.Quality,
		Bitrate:              req.Bitrate,
		Resolution:           req.Resolution,
		Framerate:            req.Framerate,
		Record:               req.Record,
		RecordingMaxDuration: time.Duration(req.RecordingMaxMinutes) * time.Minute,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream": info,
	})
}

func (h *SessionHandler) StopSession(c *gin.Context) {
	session, err := h.sessions.Stop(c.Request.Context(), middleware.CallerFrom(c), streamID(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stream_id":      session.ID,
		"status":         session.Status,
		"ended_at":       session.EndedAt,
		"uptime_seconds": session.Analytics.UptimeSeconds,
		"recording_path": session.RecordingPath,
	})
}

func (h *SessionHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.DeviceFingerprint == "" {
		req.DeviceFingerprint = c.GetHeader(middleware.FingerprintHeader)
	}

	grant, err := h.sessions.IssueAccess(c.Request.Context(), middleware.CallerFrom(c), streamID(c), services.AccessRequest{
		DeviceFingerprint: req.DeviceFingerprint,
		ClientIP:          c.ClientIP(),
		TTL:               time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, grant)
}

func (h *SessionHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("token is required"))
		return
	}

	token, claims, err := h.sessions.RefreshAccess(c.Request.Context(), req.Token, time.Duration(req.ExtendSeconds)*time.Second)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": claims.ExpiresAt,
		"refreshed":  token != req.Token,
	})
}

func (h *SessionHandler) GetAnalytics(c *gin.Context) {
	snap, err := h.sessions.Analytics(c.Request.Context(), middleware.CallerFrom(c), streamID(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *SessionHandler) RecordViewerEvent(c *gin.Context) {
	var req ViewerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("event is required"))
		return
	}

	if err := h.sessions.RecordEvent(c.Request.Context(), middleware.ClaimsFrom(c), streamID(c), req.Event); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": true,
	})
}

func streamID(c *gin.Context) domain.StreamID {
	return domain.StreamID(c.Param("id"))
}

// bindOptionalJSON binds the body when there is one. It reports false after
// attaching an error for malformed bodies.
func bindOptionalJSON(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil && !stderrors.Is(err, io.EOF) {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return false
	}
	return true
}

var _ SessionOrchestrator = (*services.SessionService)(nil)

var _ ports.HTTPHandler = (*SessionHandler)(nil)
