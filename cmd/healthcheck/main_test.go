package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"":               "http://localhost:8080",
		":9090":          "http://localhost:9090",
		"0.0.0.0:8080":   "http://localhost:8080",
		"127.0.0.1:8081": "http://127.0.0.1:8081",
		"[::]:8080":      "http://localhost:8080",
	}
	for addr, want := range tests {
		if got := baseURL(addr); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.Client(), srv.URL+"/healthz"); err != nil {
		t.Errorf("healthz probe: %v", err)
	}
	if err := probe(context.Background(), srv.Client(), srv.URL+"/readyz"); err == nil {
		t.Error("expected readyz probe to fail on 503")
	}
}
