// Package middleware provides the fasthttp middleware chain wrapping every
// handler: panic recovery, request IDs, timing, security headers, CORS, and
// the gateway's own authentication + IP-ban gate.
package middleware

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/TnZzZHlp/ai-forward/internal/banmanager"
	"github.com/TnZzZHlp/ai-forward/pkg/apierr"
)

// Recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func Recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.WriteFlat(ctx, fasthttp.StatusInternalServerError, "internal server error")
			}
		}()
		next(ctx)
	}
}

// RequestID ensures every request has an X-Request-ID header, generating a
// UUID v4 when the client supplies none, and stores it for downstream
// handlers under the "request_id" user value.
func RequestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// Timing records the total handler duration in X-Response-Time.
func Timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// SecurityHeaders adds standard hardening headers to every response.
func SecurityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// CORS returns a CORS middleware for the given allowed origins; nil or
// []string{"*"} allows any origin. OPTIONS preflight is answered 204.
func CORS(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// Chain wraps h with the given middlewares; the first in the slice is the
// outermost wrapper (runs first on request, last on response) —
// Chain(h, mw1, mw2) == mw1(mw2(h)).
func Chain(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// AuthConfig reads the current bearer token used for client authentication;
// Token is indirected so Auth always sees a reloaded config's latest value.
type AuthConfig interface {
	AuthToken() string
}

// Auth derives the client identifier, rejects banned identifiers with 403,
// then compares the bearer token against cfg.AuthToken(). A match resets
// the ban manager's failure count for this identifier; a mismatch or
// missing header records a failure and may trip a permanent ban.
func Auth(ban *banmanager.Manager, cfg AuthConfig) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			id := clientIdentifier(ctx)
			ctx.SetUserValue("client_id", id)

			if ban.IsBanned(id) {
				apierr.WriteBanned(ctx)
				return
			}

			header := string(ctx.Request.Header.Peek("Authorization"))
			const prefix = "Bearer "
			if header == "" {
				ban.RecordFailure(id)
				apierr.WriteFlat(ctx, fasthttp.StatusUnauthorized, apierr.MessageMissingAuth)
				return
			}
			if !strings.HasPrefix(header, prefix) || strings.TrimPrefix(header, prefix) != cfg.AuthToken() {
				ban.RecordFailure(id)
				apierr.WriteFlat(ctx, fasthttp.StatusUnauthorized, apierr.MessageInvalidAuth)
				return
			}

			ban.ResetFailures(id)
			next(ctx)
		}
	}
}

func clientIdentifier(ctx *fasthttp.RequestCtx) string {
	peer := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	xRealIP := string(ctx.Request.Header.Peek("X-Real-IP"))
	xForwardedFor := string(ctx.Request.Header.Peek("X-Forwarded-For"))
	return banmanager.ClientIdentifier(peer, xRealIP, xForwardedFor)
}
