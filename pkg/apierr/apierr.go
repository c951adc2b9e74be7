// Package apierr writes the gateway's client-facing error bodies.
//
// Two shapes are in play: a flat {"error": "..."} (and
// {"error","provider"}) form for auth failures and upstream/provider
// errors, and a nested {"error":{"message","type"}} form for IP bans.
// There is deliberately no single envelope type unifying them.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Bilingual auth-failure messages.
const (
	MessageMissingAuth = "缺少 Authorization"
	MessageInvalidAuth = "无效的 Authorization"
)

type flatError struct {
	Error string `json:"error"`
}

type flatProviderError struct {
	Error    string `json:"error"`
	Provider string `json:"provider"`
}

type bannedBody struct {
	Error bannedError `json:"error"`
}

type bannedError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// WriteFlat writes a flat {"error": message} body with the given status.
// Used for missing/invalid Authorization and for "model not served by any
// provider".
func WriteFlat(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(flatError{Error: message})
	ctx.SetBody(body)
}

// WriteProviderError writes the {"error", "provider"} body used for both
// non-2xx provider responses and transport failures — always a flat 500,
// with no failover attempted.
func WriteProviderError(ctx *fasthttp.RequestCtx, message, provider string) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(flatProviderError{Error: message, Provider: provider})
	ctx.SetBody(body)
}

// WriteBanned writes the nested 403 body for a banned client identifier.
func WriteBanned(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusForbidden)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(bannedBody{Error: bannedError{
		Message: "IP banned due to repeated authentication failures",
		Type:    "ip_banned",
	}})
	ctx.SetBody(body)
}
