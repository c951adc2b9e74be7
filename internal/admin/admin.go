// Package admin implements the gateway's operational endpoints:
// /v1/models, /stats, /reset, /health, /version, and /metrics. These
// handlers never touch request forwarding — they exist purely to let
// operators inspect and reset gateway state.
package admin

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/TnZzZHlp/ai-forward/internal/config"
	"github.com/TnZzZHlp/ai-forward/internal/metrics"
	"github.com/TnZzZHlp/ai-forward/internal/usage"
	"github.com/TnZzZHlp/ai-forward/internal/version"
)

// modelAlias is one entry of the /v1/models catalog response, shaped like
// OpenAI's model list entries.
type modelAlias struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// providerUsage is one entry of the /stats provider_usage array.
type providerUsage struct {
	Provider string `json:"provider"`
	Usage    uint64 `json:"usage"`
}

// Handlers bundles the collaborators the admin endpoints read or reset.
type Handlers struct {
	store    *config.Store
	counters *usage.Counters
	metrics  *metrics.Registry
	log      *slog.Logger
}

// New creates the admin Handlers.
func New(store *config.Store, counters *usage.Counters, reg *metrics.Registry, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{store: store, counters: counters, metrics: reg, log: log}
}

// Models lists the virtual model aliases visible to clients, deduplicated
// across providers — the point of the catalog is that clients never see
// which provider or real model name backs an alias.
func (h *Handlers) Models(ctx *fasthttp.RequestCtx) {
	cfg := h.store.Get()
	seen := make(map[string]struct{})
	var aliases []modelAlias
	for _, p := range cfg.Providers {
		for _, m := range p.Models {
			if _, ok := seen[m.Alias]; ok {
				continue
			}
			seen[m.Alias] = struct{}{}
			aliases = append(aliases, modelAlias{
				ID:      m.Alias,
				Object:  "model",
				Created: 0,
				OwnedBy: "ai_forward",
			})
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"object": "list",
		"data":   aliases,
	})
}

// Stats reports the current per-provider usage counters as a flat array.
func (h *Handlers) Stats(ctx *fasthttp.RequestCtx) {
	snapshot := h.counters.ProviderSnapshot()
	usages := make([]providerUsage, 0, len(snapshot))
	for provider, count := range snapshot {
		usages = append(usages, providerUsage{Provider: provider, Usage: count})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"provider_usage": usages,
	})
}

// Reset clears the usage counters and reloads the config file. A reload
// failure leaves the previous config in place and is surfaced as a 500;
// the counter reset always succeeds regardless.
func (h *Handlers) Reset(ctx *fasthttp.RequestCtx) {
	h.counters.Reset()

	if err := h.store.Reload(); err != nil {
		h.log.Error("config_reload_failed", slog.String("error", err.Error()))
		writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
}

// Health is a liveness probe: it always returns 200 once the process is
// serving requests.
func (h *Handlers) Health(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Unix(),
	})
}

// Version reports the build-stamped version and build time.
func (h *Handlers) Version(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"version":    version.Version,
		"build_time": version.BuildTime,
	})
}

// Metrics exposes the Prometheus registry in the standard exposition
// format.
func (h *Handlers) Metrics(ctx *fasthttp.RequestCtx) {
	h.metrics.Handler()(ctx)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(data)
}
