package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/DripScheduler/internal/campaign"
	"github.com/Mutter0815/DripScheduler/internal/eventlog"
	"github.com/Mutter0815/DripScheduler/internal/scheduler"
	"github.com/Mutter0815/DripScheduler/pkg/logx"
)

type storeAPI interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	InsertCampaign(ctx context.Context, tx *sql.Tx, name string, active bool, preferredSendTime string) (int64, error)
	InsertSteps(ctx context.Context, tx *sql.Tx, campaignID int64, steps []campaign.StepInput) error
	ReplaceSteps(ctx context.Context, campaignID int64, steps []campaign.StepInput) error
	UpdateCampaign(ctx context.Context, id int64, req campaign.UpdateCampaignReq) error
	DeleteCampaign(ctx context.Context, id int64) (int64, error)
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	GetCampaignStats(ctx context.Context, id int64) (campaign.Stats, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.Campaign, []campaign.Stats, error)

	Enroll(ctx context.Context, campaignID, leadID int64, now time.Time) (campaign.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (campaign.Subscription, error)
	Pause(ctx context.Context, id int64) (campaign.Subscription, error)
	Cancel(ctx context.Context, id int64) (campaign.Subscription, error)
	Resume(ctx context.Context, id int64, now time.Time) (campaign.Subscription, error)
}

type dispatcherAPI interface {
	Sweep(ctx context.Context) (scheduler.Summary, error)
	TriggerNow(ctx context.Context, subscriptionID int64, stepOrder *int) (campaign.TriggerResp, error)
}

type eventsAPI interface {
	Record(ctx context.Context, ev campaign.Event) error
}

type Handlers struct {
	Store      storeAPI
	Dispatcher dispatcherAPI
	Events     eventsAPI
	Now        func() time.Time
}

func NewHandlers(st storeAPI, d dispatcherAPI, ev eventsAPI) *Handlers {
	return &Handlers{
		Store:      st,
		Dispatcher: d,
		Events:     ev,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// writeError maps domain errors to HTTP statuses. Unexpected errors are
// logged under event and reported as 500.
func writeError(c *gin.Context, event string, err error, fields ...any) {
	var derr *campaign.DeliveryError
	switch {
	case errors.As(err, &derr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrNoSteps), errors.Is(err, campaign.ErrCampaignInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrSubscriptionNotActive),
		errors.Is(err, campaign.ErrAlreadyEnrolled),
		errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrConcurrentAdvance):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrInvalidSendTime):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logx.L().Errorw(event, append(fields, "error", err)...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func validSendTime(s string) error {
	_, _, _, err := campaign.ParseSendTime(s)
	return err
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req campaign.CreateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validSendTime(req.PreferredSendTime); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	var campaignID int64
	err := h.Store.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := h.Store.InsertCampaign(ctx, tx, req.Name, active, req.PreferredSendTime)
		if err != nil {
			return err
		}
		campaignID = id
		return h.Store.InsertSteps(ctx, tx, id, req.Steps)
	})
	if err != nil {
		writeError(c, "create_campaign_error", err, "name", req.Name)
		return
	}

	logx.L().Infow("campaign_created", "campaign_id", campaignID, "steps", len(req.Steps))
	c.JSON(http.StatusCreated, campaign.CreateCampaignResp{ID: campaignID})
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rows, stats, err := h.Store.ListCampaigns(ctx, limit, offset)
	if err != nil {
		writeError(c, "list_campaigns_error", err)
		return
	}

	out := make([]campaign.CampaignDetails, 0, len(rows))
	for i, r := range rows {
		out = append(out, campaign.CampaignDetails{Campaign: r, Stats: stats[i]})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		writeError(c, "get_campaign_error", err, "campaign_id", id)
		return
	}
	stats, err := h.Store.GetCampaignStats(ctx, id)
	if err != nil {
		writeError(c, "get_campaign_stats_error", err, "campaign_id", id)
		return
	}
	c.JSON(http.StatusOK, campaign.CampaignDetails{Campaign: camp, Stats: stats})
}

func (h *Handlers) UpdateCampaign(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req campaign.UpdateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PreferredSendTime != nil {
		if err := validSendTime(*req.PreferredSendTime); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Store.UpdateCampaign(ctx, id, req); err != nil {
		writeError(c, "update_campaign_error", err, "campaign_id", id)
		return
	}
	camp, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		writeError(c, "get_campaign_error", err, "campaign_id", id)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *Handlers) DeleteCampaign(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	cancelled, err := h.Store.DeleteCampaign(ctx, id)
	if err != nil {
		writeError(c, "delete_campaign_error", err, "campaign_id", id)
		return
	}
	logx.L().Infow("campaign_deleted", "campaign_id", id, "cancelled_subscriptions", cancelled)
	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled_subscriptions": cancelled})
}

func (h *Handlers) ReplaceSteps(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req campaign.ReplaceStepsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.Store.ReplaceSteps(ctx, id, req.Steps); err != nil {
		writeError(c, "replace_steps_error", err, "campaign_id", id)
		return
	}
	camp, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		writeError(c, "get_campaign_error", err, "campaign_id", id)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h *Handlers) Enroll(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req campaign.EnrollReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sub, err := h.Store.Enroll(ctx, id, req.LeadID, h.Now())
	if err != nil {
		writeError(c, "enroll_error", err, "campaign_id", id, "lead_id", req.LeadID)
		return
	}
	logx.L().Infow("lead_enrolled", "campaign_id", id, "lead_id", req.LeadID, "subscription_id", sub.ID)
	c.JSON(http.StatusCreated, sub)
}

func (h *Handlers) GetSubscription(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sub, err := h.Store.GetSubscription(ctx, id)
	if err != nil {
		writeError(c, "get_subscription_error", err, "subscription_id", id)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handlers) transition(c *gin.Context, name string, fn func(ctx context.Context, id int64) (campaign.Subscription, error)) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sub, err := fn(ctx, id)
	if err != nil {
		writeError(c, name+"_subscription_error", err, "subscription_id", id)
		return
	}
	logx.L().Infow("subscription_"+name, "subscription_id", id, "status", sub.Status)
	c.JSON(http.StatusOK, sub)
}

func (h *Handlers) PauseSubscription(c *gin.Context) {
	h.transition(c, "pause", h.Store.Pause)
}

func (h *Handlers) CancelSubscription(c *gin.Context) {
	h.transition(c, "cancel", h.Store.Cancel)
}

func (h *Handlers) ResumeSubscription(c *gin.Context) {
	h.transition(c, "resume", func(ctx context.Context, id int64) (campaign.Subscription, error) {
		return h.Store.Resume(ctx, id, h.Now())
	})
}

func (h *Handlers) Trigger(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	var req campaign.TriggerReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	resp, err := h.Dispatcher.TriggerNow(c.Request.Context(), id, req.StepOrder)
	if err != nil {
		writeError(c, "trigger_error", err, "subscription_id", id)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Sweep(c *gin.Context) {
	sum, err := h.Dispatcher.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, "sweep_error", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handlers) EmailWebhook(c *gin.Context) {
	var p eventlog.WebhookPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := eventlog.FromWebhook(p)
	if errors.Is(err, eventlog.ErrIgnoredEvent) {
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Events.Record(ctx, ev); err != nil {
		writeError(c, "webhook_record_error", err, "type", ev.Type, "campaign_id", ev.CampaignID)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}
