// Package testutil holds test servers and database helpers shared by package tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/vod-stitch/twitchapi"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu   sync.Mutex
	hits map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *MockTwitchServer) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	})
}

// Video is one archived broadcast served by MockVideos.
type Video struct {
	ID        string
	StreamID  string
	Duration  string
	CreatedAt time.Time
}

// MockVideos serves /helix/videos, both the user listing and lookups by id.
func (m *MockTwitchServer) MockVideos(videos ...Video) {
	m.handle("/helix/videos", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		data := []map[string]string{}
		for _, v := range videos {
			if id != "" && v.ID != id {
				continue
			}
			data = append(data, map[string]string{
				"id":         v.ID,
				"stream_id":  v.StreamID,
				"duration":   v.Duration,
				"created_at": v.CreatedAt.UTC().Format(time.RFC3339),
				"type":       "archive",
			})
		}
		writeJSON(w, map[string]interface{}{"data": data, "pagination": map[string]string{}})
	})
}

// MockLive reports login as live with the given stream id.
func (m *MockTwitchServer) MockLive(streamID, userID, login string, startedAt time.Time) {
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"data": []map[string]string{{
				"id": streamID, "user_id": userID, "user_login": login, "type": "live",
				"started_at": startedAt.UTC().Format(time.RFC3339),
			}},
		})
	})
}

// MockOffline reports every channel as offline.
func (m *MockTwitchServer) MockOffline() {
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"data": []interface{}{}})
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// Client returns a Helix client pointed at the mock server.
func (m *MockTwitchServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "test-client-id",
			ClientSecret: "test-secret",
			HTTPClient:   m.Server.Client(),
			TokenURL:     m.URL + "/oauth2/token",
		},
		ClientID:   "test-client-id",
		HTTPClient: m.Server.Client(),
		BaseURL:    m.URL + "/helix",
	}
}
