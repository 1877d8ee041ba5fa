package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"docroom/internal/core/domain"
	"docroom/internal/core/services"
	"docroom/pkg/errors"
	"docroom/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SessionController is the collaboration session as driven by the local API.
type SessionController interface {
	Snapshot() services.SessionSnapshot
	Settings() services.Settings
	ApplySettings(ctx context.Context, settings services.Settings) error
	PublishContent(ctx context.Context, html string) error
	JoinVoice(ctx context.Context) error
	LeaveVoice(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetDeafened(ctx context.Context, deafened bool) error
	Peers() []domain.PeerConnection
}

type SessionHandler struct {
	session SessionController
}

func NewSessionHandler(session SessionController) *SessionHandler {
	return &SessionHandler{
		session: session,
	}
}

// SetupRoutes registers the session API on group, which carries any auth middleware.
func (h *SessionHandler) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/session", h.GetSession)
	group.GET("/session/settings", h.GetSettings)
	group.PUT("/session/settings", h.UpdateSettings)
	group.POST("/session/content", h.PublishContent)

	voice := group.Group("/voice")
	{
		voice.POST("/join", h.JoinVoice)
		voice.POST("/leave", h.LeaveVoice)
		voice.POST("/mute", h.SetMuted)
		voice.POST("/deafen", h.SetDeafened)
		voice.GET("/peers", h.ListPeers)
	}
}

// SettingsRequest is a partial update; absent fields keep their current value.
type SettingsRequest struct {
	RoomID           *string `json:"roomId"`
	DisplayName      *string `json:"displayName"`
	IsAdmin          *bool   `json:"isAdmin"`
	Passcode         *string `json:"passcode"`
	AllowList        *string `json:"allowList"`
	ApprovalRequired *bool   `json:"approvalRequired"`
	// JoinTimeoutSeconds of zero waits for an admin indefinitely.
	JoinTimeoutSeconds *int `json:"joinTimeoutSeconds"`
}

type SettingsResponse struct {
	RoomID             domain.RoomID `json:"roomId"`
	DisplayName        string        `json:"displayName"`
	IsAdmin            bool          `json:"isAdmin"`
	HasPasscode        bool          `json:"hasPasscode"`
	AllowList          []string      `json:"allowList"`
	ApprovalRequired   bool          `json:"approvalRequired"`
	JoinTimeoutSeconds int           `json:"joinTimeoutSeconds"`
}

func settingsResponse(s services.Settings) SettingsResponse {
	allow := s.AllowList
	if allow == nil {
		allow = []string{}
	}
	return SettingsResponse{
		RoomID:             s.RoomID,
		DisplayName:        s.DisplayName,
		IsAdmin:            s.IsAdmin,
		HasPasscode:        s.Passcode != "",
		AllowList:          allow,
		ApprovalRequired:   s.ApprovalRequired,
		JoinTimeoutSeconds: int(s.JoinTimeout / time.Second),
	}
}

// merge applies req on top of current and validates the result.
func (req SettingsRequest) merge(current services.Settings) (services.Settings, error) {
	next := current
	if req.RoomID != nil {
		next.RoomID = domain.RoomID(strings.TrimSpace(*req.RoomID))
	}
	if req.DisplayName != nil {
		next.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.IsAdmin != nil {
		next.IsAdmin = *req.IsAdmin
	}
	if req.Passcode != nil {
		next.Passcode = *req.Passcode
	}
	if req.AllowList != nil {
		next.AllowList = domain.ParseAllowList(*req.AllowList)
	}
	if req.ApprovalRequired != nil {
		next.ApprovalRequired = *req.ApprovalRequired
	}
	if req.JoinTimeoutSeconds != nil {
		if *req.JoinTimeoutSeconds < 0 {
			return next, errors.NewInvalidInputError("joinTimeoutSeconds must be >= 0")
		}
		next.JoinTimeout = time.Duration(*req.JoinTimeoutSeconds) * time.Second
	}

	if err := validation.ValidateRoomID(string(next.RoomID)); err != nil {
		return next, errors.NewInvalidInputError(err.Error()).WithContext("field", "roomId")
	}
	if err := validation.ValidateDisplayName(next.DisplayName); err != nil {
		return next, errors.NewInvalidInputError(err.Error()).WithContext("field", "displayName")
	}
	if err := validation.ValidateStringLength(next.Passcode, 0, 128, "passcode"); err != nil {
		return next, errors.NewInvalidInputError(err.Error()).WithContext("field", "passcode")
	}
	if err := validation.ValidateAllowList(next.AllowList); err != nil {
		return next, errors.NewInvalidInputError(err.Error()).WithContext("field", "allowList")
	}
	return next, nil
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *SessionHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsResponse(h.session.Settings()))
}

func (h *SessionHandler) UpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	next, err := req.merge(h.session.Settings())
	if err != nil {
		c.Error(err)
		return
	}

	if err := h.session.ApplySettings(c.Request.Context(), next); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settings": settingsResponse(h.session.Settings()),
		"status":   h.session.Snapshot().Status,
	})
}

func (h *SessionHandler) PublishContent(c *gin.Context) {
	var req struct {
		HTML *string `json:"html" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("html is required"))
		return
	}

	if err := h.session.PublishContent(c.Request.Context(), *req.HTML); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) JoinVoice(c *gin.Context) {
	if err := h.session.JoinVoice(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot().Voice)
}

func (h *SessionHandler) LeaveVoice(c *gin.Context) {
	if err := h.session.LeaveVoice(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot().Voice)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *SessionHandler) SetMuted(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("enabled is required"))
		return
	}
	if err := h.session.SetMuted(c.Request.Context(), *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot().Voice)
}

func (h *SessionHandler) SetDeafened(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("enabled is required"))
		return
	}
	if err := h.session.SetDeafened(c.Request.Context(), *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot().Voice)
}

func (h *SessionHandler) ListPeers(c *gin.Context) {
	peers := h.session.Peers()
	if peers == nil {
		peers = []domain.PeerConnection{}
	}
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}
