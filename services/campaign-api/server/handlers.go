package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Mutter0815/campaign-dispatch/docs"
	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
	"github.com/Mutter0815/campaign-dispatch/internal/queue"
	"github.com/Mutter0815/campaign-dispatch/pkg/logx"
)

type Handlers struct {
	Queue queue.Queue
	// Defaults fills the source fields a request leaves empty.
	Defaults campaign.Source
}

func NewHandlers(q queue.Queue, defaults campaign.Source) *Handlers {
	return &Handlers{Queue: q, Defaults: defaults}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// StartCampaign queues a run and acknowledges it at once. The outcome of the
// run is only visible in logs, metrics and the invalid-recipient log.
func (h *Handlers) StartCampaign(c *gin.Context) {
	var req campaign.StartCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := h.Defaults
	if req.Bucket != "" {
		source.Bucket = req.Bucket
	}
	if req.Key != "" {
		source.Key = req.Key
	}
	if req.Campaign != "" {
		source.CampaignTag = req.Campaign
	}
	if source.Bucket == "" || source.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no recipient source: set bucket and key"})
		return
	}

	job := campaign.Job{
		RunID: uuid.NewString(),
		Target: campaign.Target{
			TemplateName: req.TemplateName,
			FromAddress:  req.FromEmail,
			Subject:      req.Subject,
		},
		Source:     source,
		EnqueuedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	fields := []any{"run_id", job.RunID, "campaign", source.CampaignTag, "template", req.TemplateName}
	if err := h.Queue.Enqueue(ctx, job); err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
			logx.L().Warnw("enqueue_rejected", append(fields, "error", err)...)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "campaign queue unavailable, retry later"})
		case errors.Is(err, queue.ErrBroker):
			logx.L().Errorw("publish_job_error", append(fields, "error", err)...)
			c.JSON(http.StatusBadGateway, gin.H{"error": "queue unavailable"})
		default:
			logx.L().Errorw("enqueue_error", append(fields, "error", err)...)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue error"})
		}
		return
	}

	logx.L().Infow("campaign_enqueued", fields...)
	c.JSON(http.StatusOK, campaign.StartCampaignResp{Message: "campaign accepted", RunID: job.RunID})
}

func (h *Handlers) Docs(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", docs.CampaignSwaggerHTML)
}

func (h *Handlers) OpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", docs.CampaignOpenAPI)
}
