// Package forwarder issues the upstream HTTP request chosen by the router
// and hands back a raw byte stream for the stream processor to transform.
//
// Non-2xx responses are read in full and surfaced as {error, provider};
// 401/403 responses are logged as an invalid key but the key itself is
// never banned — only IP-level authentication failures feed the ban
// manager.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// connectTimeout bounds dial and header wait only; it is a var so tests can
// shrink it instead of sleeping through the real 10s window.
var connectTimeout = 10 * time.Second

// UpstreamError is returned when the provider responds with a non-2xx
// status or a transport-level failure occurs. It carries the provider name
// so handlers can surface {error, provider}.
type UpstreamError struct {
	Message  string
	Provider string
	// InvalidKey is true when the upstream responded 401 or 403 — operators
	// must rotate the key; the gateway never bans it automatically.
	InvalidKey bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// Response is a successful upstream response: the raw body stream and a
// closer the caller must invoke once done reading.
type Response struct {
	Body io.ReadCloser
}

// Forwarder issues POSTs to upstream provider endpoints over a shared,
// kept-alive resty client.
type Forwarder struct {
	client *resty.Client
	log    *slog.Logger
}

// New creates a Forwarder with a shared connection pool and a fixed 10s
// connect timeout. There is no overall read timeout — streamed responses
// may legitimately run for minutes.
func New(log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	client := resty.New().
		SetTimeout(0) // no overall deadline; streaming responses can be long-lived
	return &Forwarder{client: client, log: log}
}

// Forward POSTs body to url with the given bearer key, and returns the raw
// response byte stream on success. body must already have `model` rewritten
// to the resolved upstream model name — Forward performs no body mutation.
//
// connectTimeout only bounds dial and header wait: it is armed as a timer
// that cancels the request context, and the timer is stopped as soon as
// Post returns. Cancelling the context itself at that point would race the
// connection closed before the body is read, since the underlying transport
// keeps watching the request context for the entire body-read lifetime. So
// on success the cancel func is deferred to the returned body's Close.
func (f *Forwarder) Forward(ctx context.Context, providerName, url, key string, body []byte) (*Response, error) {
	dialCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(connectTimeout, cancel)
	req := f.client.R().
		SetContext(dialCtx).
		SetAuthToken(key).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetDoNotParseResponse(true)

	resp, err := req.Post(url)
	if !timer.Stop() && err == nil {
		// The timer fired after the headers arrived; the context is already
		// cancelled, so the body cannot be read.
		resp.RawBody().Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		return nil, &UpstreamError{Message: err.Error(), Provider: providerName}
	}

	raw := resp.RawBody()
	status := resp.StatusCode()

	if status < 200 || status >= 300 {
		defer cancel()
		defer raw.Close()
		errBody, _ := io.ReadAll(raw)

		invalidKey := status == 401 || status == 403
		if invalidKey {
			f.log.Warn("upstream_invalid_key", slog.String("provider", providerName))
		}

		return nil, &UpstreamError{
			Message:    string(errBody),
			Provider:   providerName,
			InvalidKey: invalidKey,
		}
	}

	return &Response{Body: &cancelOnCloseReader{ReadCloser: raw, cancel: cancel}}, nil
}

// cancelOnCloseReader defers releasing the request context until the body
// has been closed, so a long-lived streamed response isn't cut off mid-read.
type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}
