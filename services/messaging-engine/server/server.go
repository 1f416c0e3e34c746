package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/princeshiamofficial/portal-sub000/docs"
	"github.com/princeshiamofficial/portal-sub000/pkg/logx"
	"github.com/princeshiamofficial/portal-sub000/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.Any("/debug/loglevel", gin.WrapH(logx.LevelHandler()))
	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.EngineSwaggerHTML)
	})
	r.GET("/docs/messaging-engine/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.EngineOpenAPI)
	})
	if h.Events != nil {
		r.GET("/ws", h.Events.Serve)
	}

	t := r.Group("/tenants/:tenant")
	t.POST("/session/connect", h.Connect)
	t.GET("/session", h.Session)
	t.GET("/session/qr.png", h.PairingQR)
	t.POST("/session/logout", h.Logout)

	t.POST("/broadcasts", h.StartBroadcast)
	t.GET("/broadcasts/progress", h.BroadcastProgress)

	t.GET("/campaigns", h.GetCampaigns)
	t.PUT("/campaigns", h.PutCampaigns)
	t.DELETE("/campaigns/scheduled/:id", h.CancelScheduled)
	t.GET("/campaigns/warnings", h.Warnings)
	t.GET("/celebrants", h.Celebrants)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
