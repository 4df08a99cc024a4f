package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/vod-stitch/failure"
)

func tokenServer(t *testing.T, calls *atomic.Int32, token func(n int32) (string, int)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", got)
		}
		if got := r.PostForm.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q, want test-client", got)
		}
		tok, exp := token(n)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": tok,
			"expires_in":   exp,
			"token_type":   "bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_GetCached(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(int32) (string, int) { return "test-token-123", 3600 })

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}
	ctx := context.Background()

	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-123" {
		t.Errorf("Get() = %s, want test-token-123", token1)
	}
	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 API call, got %d", calls.Load())
	}
}

func TestTokenSource_GetRefreshesInsideBuffer(t *testing.T) {
	var calls atomic.Int32
	// Tokens expiring within a minute are treated as expired.
	srv := tokenServer(t, &calls, func(n int32) (string, int) {
		if n == 1 {
			return "test-token-1", 30
		}
		return "test-token-2", 3600
	})

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}
	ctx := context.Background()
	if tok, _ := ts.Get(ctx); tok != "test-token-1" {
		t.Errorf("Get() = %s, want test-token-1", tok)
	}
	if tok, _ := ts.Get(ctx); tok != "test-token-2" {
		t.Errorf("Get() = %s, want test-token-2 (refreshed)", tok)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 API calls, got %d", calls.Load())
	}
}

func TestTokenSource_SetTokenAndInvalidate(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(int32) (string, int) { return "fresh", 3600 })

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}
	ts.SetToken("preset", time.Now().Add(time.Hour))
	if tok, _ := ts.Get(context.Background()); tok != "preset" {
		t.Errorf("Get() = %s, want preset", tok)
	}
	ts.Invalidate()
	if tok, _ := ts.Get(context.Background()); tok != "fresh" {
		t.Errorf("Get() after Invalidate = %s, want fresh", tok)
	}
}

func TestTokenSource_GetMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	if ts.Configured() {
		t.Error("Configured() = true for empty credentials")
	}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("Get() with missing credentials should return error")
	}
	if !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("Get() error = %v, want error about missing credentials", err)
	}
	if !errors.Is(err, failure.ErrConfiguration) {
		t.Errorf("Get() error = %v, want configuration class", err)
	}
}

func TestTokenSource_GetRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":400,"message":"invalid client secret"}`))
	}))
	defer srv.Close()

	ts := &TokenSource{ClientID: "bad-client", ClientSecret: "bad-secret", TokenURL: srv.URL}
	_, err := ts.Get(context.Background())
	if failure.Classify(err) != failure.ClassConfiguration {
		t.Errorf("Get() error = %v, want configuration class", err)
	}
}

func TestTokenSource_GetEmptyToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(int32) (string, int) { return "", 3600 })

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("Get() with empty access_token should return error")
	}
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(int32) (string, int) {
		time.Sleep(50 * time.Millisecond)
		return "test-token", 3600
	})

	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", TokenURL: srv.URL}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := ts.Get(context.Background()); err != nil || tok != "test-token" {
				t.Errorf("Get() = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("expected 1 API call with concurrent access, got %d", calls.Load())
	}
}
