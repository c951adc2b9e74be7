// Package gateway implements the end-to-end orchestration of a
// chat-completion (or embeddings) request across the cache, router,
// forwarder, and stream processor.
//
// Authentication and IP-ban enforcement happen one layer up, in
// internal/middleware.Auth — by the time a Handler method runs, the
// request has already passed authn.
package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/TnZzZHlp/ai-forward/internal/cache"
	"github.com/TnZzZHlp/ai-forward/internal/config"
	"github.com/TnZzZHlp/ai-forward/internal/forwarder"
	gwlogger "github.com/TnZzZHlp/ai-forward/internal/logger"
	"github.com/TnZzZHlp/ai-forward/internal/metrics"
	"github.com/TnZzZHlp/ai-forward/internal/router"
	"github.com/TnZzZHlp/ai-forward/internal/stream"
	"github.com/TnZzZHlp/ai-forward/pkg/apierr"
)

const maxBodyBytes = 10 * 1024 * 1024

// Handler wires together the collaborators a chat-completion request flows
// through.
type Handler struct {
	store     *config.Store
	router    *router.Router
	forwarder *forwarder.Forwarder
	cache     *cache.ResponseCache
	metrics   *metrics.Registry
	log       *gwlogger.Logger
	slog      *slog.Logger
}

// New creates a Handler.
func New(store *config.Store, r *router.Router, f *forwarder.Forwarder, c *cache.ResponseCache, m *metrics.Registry, l *gwlogger.Logger, sl *slog.Logger) *Handler {
	if sl == nil {
		sl = slog.Default()
	}
	return &Handler{store: store, router: r, forwarder: f, cache: c, metrics: m, log: l, slog: sl}
}

type chatEnvelope struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages json.RawMessage `json:"messages"`
}

// ChatCompletions handles POST /v1/chat/completions: plain passthrough,
// no think-strip.
func (h *Handler) ChatCompletions(ctx *fasthttp.RequestCtx) {
	h.handleChat(ctx, false)
}

// NoThinkChatCompletions handles POST /v1/chat/no_think_completions: the
// think-strip transform runs when the resolved Model has think=true.
func (h *Handler) NoThinkChatCompletions(ctx *fasthttp.RequestCtx) {
	h.handleChat(ctx, true)
}

func (h *Handler) handleChat(ctx *fasthttp.RequestCtx, noThinkEndpoint bool) {
	start := time.Now()
	clientID, _ := ctx.UserValue("client_id").(string)

	h.metrics.IncInFlight()

	body := ctx.PostBody()
	if len(body) > maxBodyBytes {
		apierr.WriteFlat(ctx, fasthttp.StatusRequestEntityTooLarge, "request body too large")
		h.metrics.DecInFlight()
		return
	}

	var env chatEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Model == "" {
		apierr.WriteFlat(ctx, fasthttp.StatusBadRequest, "missing or invalid `model`")
		h.metrics.DecInFlight()
		return
	}

	fingerprint := cache.Fingerprint(env.Messages)

	if cached, hit := h.cache.Get(ctx, fingerprint); hit != cache.HitNone {
		h.replayFromCache(ctx, env.Stream, cached)
		h.finish(ctx, start, clientID, cacheTagFor(hit), env.Model, "")
		return
	}

	cfg := h.store.Get()
	sel, err := h.router.Select(cfg.Providers, env.Model)
	if err != nil {
		apierr.WriteFlat(ctx, fasthttp.StatusInternalServerError, err.Error())
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, "")
		return
	}

	rewritten, err := rewriteModel(body, sel.RealModel)
	if err != nil {
		apierr.WriteFlat(ctx, fasthttp.StatusInternalServerError, "failed to rewrite request body")
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
		return
	}

	resp, err := h.forwarder.Forward(ctx, sel.Provider.Name, sel.Provider.URL, sel.Key, rewritten)
	if err != nil {
		h.writeUpstreamError(ctx, err)
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
		return
	}

	thinkStrip := noThinkEndpoint && sel.Think

	if env.Stream {
		ctx.SetContentType("text/event-stream")
		// fasthttp invokes this writer while flushing the response, after
		// the handler itself returns — the cache write and the completion
		// log line must happen from inside it, not after SetBodyStreamWriter
		// returns, or they would race ahead of the actual relay.
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			result, relayErr := stream.RelayStreaming(resp.Body, w, thinkStrip)
			resp.Body.Close()
			if relayErr != nil {
				h.slog.Warn("stream_relay_failed", slog.String("error", relayErr.Error()))
			}
			w.Flush()

			if result.CacheEligible && result.AssistantText != "" {
				h.cache.Set(ctx, fingerprint, string(env.Messages), result.AssistantText)
			}
			h.metrics.AddTokens(sel.Provider.Name, string(ctx.Path()), result.PromptTokens, result.OutputTokens, false)
			h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
		})
		return
	}
	defer resp.Body.Close()

	ctx.SetContentType("application/json")
	var buf bytes.Buffer
	result, err := stream.RelayNonStreaming(resp.Body, &buf, thinkStrip)
	if err != nil {
		apierr.WriteFlat(ctx, fasthttp.StatusInternalServerError, "failed to read upstream response")
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
		return
	}
	ctx.SetBody(buf.Bytes())

	if result.CacheEligible && result.AssistantText != "" {
		h.cache.Set(ctx, fingerprint, string(env.Messages), result.AssistantText)
	}
	h.metrics.AddTokens(sel.Provider.Name, string(ctx.Path()), result.PromptTokens, result.OutputTokens, false)

	h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
}

func (h *Handler) replayFromCache(ctx *fasthttp.RequestCtx, streamed bool, cached string) {
	if streamed {
		ctx.SetContentType("text/event-stream")
		stream.CacheReplayStreaming(ctx, cached)
		return
	}
	ctx.SetContentType("application/json")
	stream.CacheReplayNonStreaming(ctx, cached)
}

// Embeddings handles POST /v1/embeddings: the payload's `model` is
// rewritten to the resolved upstream name and the response is relayed
// verbatim — no caching, no streaming, no think-strip.
func (h *Handler) Embeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	clientID, _ := ctx.UserValue("client_id").(string)

	h.metrics.IncInFlight()

	body := ctx.PostBody()
	if len(body) > maxBodyBytes {
		apierr.WriteFlat(ctx, fasthttp.StatusRequestEntityTooLarge, "request body too large")
		h.metrics.DecInFlight()
		return
	}

	var env struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Model == "" {
		apierr.WriteFlat(ctx, fasthttp.StatusBadRequest, "missing or invalid `model`")
		h.metrics.DecInFlight()
		return
	}

	cfg := h.store.Get()
	sel, err := h.router.Select(cfg.Providers, env.Model)
	if err != nil {
		apierr.WriteFlat(ctx, fasthttp.StatusInternalServerError, err.Error())
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, "")
		return
	}

	rewritten, err := rewriteModel(body, sel.RealModel)
	if err != nil {
		apierr.WriteFlat(ctx, fasthttp.StatusInternalServerError, "failed to rewrite request body")
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
		return
	}

	resp, err := h.forwarder.Forward(ctx, sel.Provider.Name, sel.Provider.URL, sel.Key, rewritten)
	if err != nil {
		h.writeUpstreamError(ctx, err)
		h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
		return
	}
	defer resp.Body.Close()

	ctx.SetContentType("application/json")
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	ctx.SetBody(buf.Bytes())

	h.finish(ctx, start, clientID, gwlogger.CacheNone, env.Model, sel.Provider.Name)
}

func (h *Handler) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	if uerr, ok := err.(*forwarder.UpstreamError); ok {
		errType := "upstream_error"
		if uerr.InvalidKey {
			errType = "invalid_key"
		}
		h.metrics.RecordError(uerr.Provider, errType)
		apierr.WriteProviderError(ctx, uerr.Message, uerr.Provider)
		return
	}
	h.metrics.RecordError("", "internal")
	apierr.WriteProviderError(ctx, err.Error(), "")
}

func (h *Handler) finish(ctx *fasthttp.RequestCtx, start time.Time, clientID string, cacheTag gwlogger.CacheTag, model, provider string) {
	status := ctx.Response.StatusCode()
	dur := time.Since(start)

	h.metrics.DecInFlight()
	h.metrics.ObserveHTTP(string(ctx.Path()), status, dur)
	if provider != "" {
		h.metrics.ObserveGatewayRequest(provider, string(ctx.Path()), string(cacheTag), dur)
	}
	switch cacheTag {
	case gwlogger.CacheMemory, gwlogger.CacheDB:
		h.metrics.CacheGetHit()
	default:
		h.metrics.CacheGetMiss()
	}

	if h.log != nil {
		h.log.Log(gwlogger.RequestLog{
			ClientID:  clientID,
			Status:    status,
			Cache:     cacheTag,
			Model:     model,
			Provider:  provider,
			Duration:  dur,
			CreatedAt: time.Now(),
		})
	}
}

func cacheTagFor(hit cache.HitSource) gwlogger.CacheTag {
	switch hit {
	case cache.HitMemory:
		return gwlogger.CacheMemory
	case cache.HitDB:
		return gwlogger.CacheDB
	default:
		return gwlogger.CacheNone
	}
}

// rewriteModel replaces only the `model` field of a JSON request body,
// leaving every other field byte-for-byte structurally intact.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = modelJSON
	return json.Marshal(fields)
}
