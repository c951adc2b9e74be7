package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/TnZzZHlp/ai-forward/internal/admin"
	"github.com/TnZzZHlp/ai-forward/internal/banmanager"
	"github.com/TnZzZHlp/ai-forward/internal/cache"
	"github.com/TnZzZHlp/ai-forward/internal/config"
	"github.com/TnZzZHlp/ai-forward/internal/forwarder"
	"github.com/TnZzZHlp/ai-forward/internal/gateway"
	"github.com/TnZzZHlp/ai-forward/internal/metrics"
	"github.com/TnZzZHlp/ai-forward/internal/router"
	"github.com/TnZzZHlp/ai-forward/internal/usage"
)

func testApp() *App {
	cfg := &config.Config{
		Auth: "secret",
		Providers: []config.Provider{
			{Name: "A", URL: "https://example.invalid", Keys: []string{"k"}, Models: []config.Model{
				{Alias: "gpt-4", Model: "real-a"},
			}},
		},
	}
	store := config.NewStore(cfg)
	counters := usage.New()
	reg := metrics.New()

	a := &App{
		cfg:      cfg,
		store:    store,
		ban:      banmanager.New(5, 0),
		counters: counters,
		prom:     reg,
		rtr:      router.New(counters),
		fwd:      forwarder.New(nil),
	}
	a.respCache = cache.New(10, nil, nil)
	a.gw = gateway.New(store, a.rtr, a.fwd, a.respCache, reg, nil, nil)
	a.adm = admin.New(store, counters, reg, nil)
	return a
}

// serveRoutes starts the full route tree on an in-memory listener and
// returns an HTTP client bound to it plus a cleanup func.
func serveRoutes(t *testing.T, a *App) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, a.routes())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func TestRoutes_ChatCompletionsRequiresAuth(t *testing.T) {
	a := testApp()
	client, cleanup := serveRoutes(t, a)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRoutes_AdminEndpointsSkipAuth(t *testing.T) {
	a := testApp()
	client, cleanup := serveRoutes(t, a)
	defer cleanup()

	for _, path := range []string{"/health", "/stats", "/version"} {
		resp, err := client.Get("http://test" + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRoutes_ModelsRequiresAuth(t *testing.T) {
	a := testApp()
	client, cleanup := serveRoutes(t, a)
	defer cleanup()

	resp, err := client.Get("http://test/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", "http://test/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp2.StatusCode)
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	json.NewDecoder(resp2.Body).Decode(&body)
	if len(body.Data) != 1 {
		t.Errorf("got %d aliases, want 1", len(body.Data))
	}
}

func TestRoutes_MetricsExposed(t *testing.T) {
	a := testApp()
	client, cleanup := serveRoutes(t, a)
	defer cleanup()

	resp, err := client.Get("http://test/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
