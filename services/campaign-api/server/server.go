package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/campaign-dispatch/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/health", h.Healthz)
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/docs", h.Docs)
	r.GET("/docs/campaign-api/openapi.yaml", h.OpenAPI)

	api := r.Group("/api/campaign")
	api.POST("/start", h.StartCampaign)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
