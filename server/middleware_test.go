package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSPolicy(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		origin  string
		method  string
		want    string
		wantRun bool
	}{
		{name: "unset admits any", origin: "https://dash.example.com", method: http.MethodGet, want: "*", wantRun: true},
		{name: "listed origin", env: "https://dash.example.com, https://ops.example.com", origin: "https://ops.example.com", method: http.MethodGet, want: "https://ops.example.com", wantRun: true},
		{name: "subdomain wildcard", env: "*.example.com", origin: "https://dash.example.com", method: http.MethodGet, want: "https://dash.example.com", wantRun: true},
		{name: "other origin refused", env: "*.example.com", origin: "https://example.org", method: http.MethodGet, wantRun: true},
		{name: "preflight", env: "https://dash.example.com", origin: "https://dash.example.com", method: http.MethodOptions, want: "https://dash.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CORS_ALLOWED_ORIGINS", tt.env)
			ran := false
			h := corsFromEnv().wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { ran = true }))

			req := httptest.NewRequest(tt.method, "/status", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.want)
			}
			if ran != tt.wantRun {
				t.Errorf("handler ran = %v, want %v", ran, tt.wantRun)
			}
			if tt.method == http.MethodOptions && rr.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", rr.Code)
			}
		})
	}
}
