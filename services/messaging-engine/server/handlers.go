package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/princeshiamofficial/portal-sub000/internal/campaign"
	"github.com/princeshiamofficial/portal-sub000/internal/dispatch"
	"github.com/princeshiamofficial/portal-sub000/internal/engine"
	"github.com/princeshiamofficial/portal-sub000/internal/session"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

type engineAPI interface {
	Connect(tenant string) model.Session
	Status(tenant string) model.Session
	Logout(ctx context.Context, tenant string) error
	PairingQR(tenant string) ([]byte, error)
	StartBroadcast(ctx context.Context, tenant, templateID string) (*dispatch.Run, error)
	BroadcastProgress(tenant string) dispatch.Progress
	BroadcastRecipients(tenant string) []model.Recipient
	CampaignSettings(ctx context.Context, tenant string) (model.CampaignSettings, error)
	UpdateCampaignSettings(ctx context.Context, tenant string, s model.CampaignSettings) (model.CampaignSettings, error)
	CancelScheduled(ctx context.Context, tenant, id string) error
	Celebrants(ctx context.Context, tenant string, kind model.CampaignKind) ([]model.Recipient, error)
	Warnings(tenant string) []campaign.Warning
}

type Handlers struct {
	Engine engineAPI
	Events *Hub
}

func NewHandlers(e *engine.Engine, hub *Hub) *Handlers {
	return &Handlers{Engine: e, Events: hub}
}

type startBroadcastReq struct {
	TemplateID string `json:"template_id" binding:"required"`
}

type startBroadcastResp struct {
	RunID    string            `json:"run_id"`
	Progress dispatch.Progress `json:"progress"`
}

type progressResp struct {
	dispatch.Progress
	Recipients []model.Recipient `json:"recipients,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, campaign.ErrDispatchStarted),
		errors.Is(err, campaign.ErrCampaignFinal):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrSessionNotReady),
		errors.Is(err, dispatch.ErrEmptyRecipients),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, engine.ErrInvalidSettings):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrTemplateNotFound),
		errors.Is(err, engine.ErrNoPairing),
		errors.Is(err, campaign.ErrCampaignNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, event string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logx.L().Errorw(event, "tenant", c.Param("tenant"), "rid", c.GetString(requestIDKey), "error", err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) Connect(c *gin.Context) {
	c.JSON(http.StatusAccepted, h.Engine.Connect(c.Param("tenant")))
}

func (h *Handlers) Session(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.Status(c.Param("tenant")))
}

func (h *Handlers) PairingQR(c *gin.Context) {
	png, err := h.Engine.PairingQR(c.Param("tenant"))
	if err != nil {
		fail(c, "pairing_qr_error", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handlers) Logout(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	tenant := c.Param("tenant")
	if err := h.Engine.Logout(ctx, tenant); err != nil {
		fail(c, "logout_error", err)
		return
	}
	c.JSON(http.StatusOK, h.Engine.Status(tenant))
}

func (h *Handlers) StartBroadcast(c *gin.Context) {
	var req startBroadcastReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	run, err := h.Engine.StartBroadcast(ctx, c.Param("tenant"), req.TemplateID)
	if err != nil {
		fail(c, "start_broadcast_error", err)
		return
	}
	c.JSON(http.StatusAccepted, startBroadcastResp{RunID: run.ID, Progress: run.Progress()})
}

func (h *Handlers) BroadcastProgress(c *gin.Context) {
	tenant := c.Param("tenant")
	resp := progressResp{Progress: h.Engine.BroadcastProgress(tenant)}
	if c.Query("recipients") == "true" {
		resp.Recipients = h.Engine.BroadcastRecipients(tenant)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) GetCampaigns(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	st, err := h.Engine.CampaignSettings(ctx, c.Param("tenant"))
	if err != nil {
		fail(c, "get_campaigns_error", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) PutCampaigns(c *gin.Context) {
	var req model.CampaignSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	st, err := h.Engine.UpdateCampaignSettings(ctx, c.Param("tenant"), req)
	if err != nil {
		fail(c, "update_campaigns_error", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) CancelScheduled(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Engine.CancelScheduled(ctx, c.Param("tenant"), c.Param("id")); err != nil {
		fail(c, "cancel_scheduled_error", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Warnings(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.Warnings(c.Param("tenant")))
}

func (h *Handlers) Celebrants(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	kind := model.CampaignKind(c.DefaultQuery("kind", string(model.KindBirthday)))
	out, err := h.Engine.Celebrants(ctx, c.Param("tenant"), kind)
	if err != nil {
		fail(c, "celebrants_error", err)
		return
	}
	c.JSON(http.StatusOK, out)
}
