package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestForward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("Authorization header = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	f := New(nil)
	resp, err := f.Forward(context.Background(), "p1", srv.URL, "secret-key", []byte(`{"model":"real"}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"choices":[{"message":{"content":"hi"}}]}` {
		t.Errorf("body = %q", body)
	}
}

func TestForward_NonSuccessSurfacesErrorWithProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	f := New(nil)
	_, err := f.Forward(context.Background(), "p1", srv.URL, "k", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	uerr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("error is %T, want *UpstreamError", err)
	}
	if uerr.Provider != "p1" || uerr.Message != "upstream down" {
		t.Errorf("UpstreamError = %+v", uerr)
	}
	if uerr.InvalidKey {
		t.Error("500 must not be flagged as an invalid key")
	}
}

func TestForward_401FlagsInvalidKeyWithoutBan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	f := New(nil)
	_, err := f.Forward(context.Background(), "p1", srv.URL, "bad", []byte(`{}`))
	uerr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("error is %T, want *UpstreamError", err)
	}
	if !uerr.InvalidKey {
		t.Error("expected InvalidKey=true on a 401")
	}
}

func TestForward_TransportError(t *testing.T) {
	f := New(nil)
	_, err := f.Forward(context.Background(), "p1", "http://127.0.0.1:0", "k", []byte(`{}`))
	if err == nil {
		t.Fatal("expected transport error for unreachable address")
	}
	if _, ok := err.(*UpstreamError); !ok {
		t.Fatalf("error is %T, want *UpstreamError", err)
	}
}

// TestForward_BodyOutlivesConnectTimeout verifies a streamed body can still
// be fully read well past the connect-phase timeout window: the dial
// context must not be cancelled until the body itself is closed.
func TestForward_BodyOutlivesConnectTimeout(t *testing.T) {
	orig := connectTimeout
	connectTimeout = 50 * time.Millisecond
	defer func() { connectTimeout = orig }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("chunk-1\n"))
		flusher.Flush()
		time.Sleep(connectTimeout + 150*time.Millisecond)
		w.Write([]byte("chunk-2\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	f := New(nil)
	resp, err := f.Forward(context.Background(), "p1", srv.URL, "k", []byte(`{}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body after connect timeout elapsed: %v", err)
	}
	if string(body) != "chunk-1\nchunk-2\n" {
		t.Errorf("body = %q", body)
	}
}
