package app

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/TnZzZHlp/ai-forward/internal/middleware"
)

// routes builds the fasthttp handler: the authenticated chat/embeddings/
// models group behind middleware.Auth, and the unauthenticated admin group
// (stats, reset, health, version, metrics).
func (a *App) routes() fasthttp.RequestHandler {
	r := router.New()

	authed := middleware.Auth(a.ban, a.store)

	r.POST("/v1/chat/completions", authed(a.gw.ChatCompletions))
	r.POST("/v1/chat/no_think_completions", authed(a.gw.NoThinkChatCompletions))
	r.POST("/v1/embeddings", authed(a.gw.Embeddings))
	r.GET("/v1/models", authed(a.adm.Models))

	r.GET("/stats", a.adm.Stats)
	r.GET("/reset", a.adm.Reset)
	r.POST("/reset", a.adm.Reset)
	r.GET("/health", a.adm.Health)
	r.GET("/version", a.adm.Version)
	r.GET("/metrics", a.adm.Metrics)

	return middleware.Chain(r.Handler,
		middleware.Recovery,
		middleware.RequestID,
		middleware.Timing,
		middleware.CORS(nil),
		middleware.SecurityHeaders,
	)
}
