package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/vod-stitch/failure"
)

// DefaultTokenURL is the Twitch OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// TokenSource fetches and caches a Twitch app access (client credentials) token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL defaults to DefaultTokenURL.
	TokenURL string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Configured reports whether credentials are present.
func (ts *TokenSource) Configured() bool {
	return ts != nil && ts.ClientID != "" && ts.ClientSecret != ""
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// SetToken installs a token obtained elsewhere.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token, ts.expiresAt = token, expiresAt
}

// Invalidate drops the cached token so the next Get fetches a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", fmt.Errorf("%w: missing client id/secret for twitch app token", failure.ErrConfiguration)
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusForbidden) {
			return "", failure.New(failure.ClassConfiguration, "twitch token", err)
		}
		return "", fmt.Errorf("twitch token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	if ts.expiresAt.IsZero() {
		ts.expiresAt = time.Now().Add(time.Hour)
	}
	return ts.token, nil
}
