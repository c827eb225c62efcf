// Package oauth implements provider-specific token refresh for the bot
// identities and a background refresher that keeps stored credentials fresh.
// Tokens live in the bot_tokens table, one row per (provider, account).
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Token endpoints, overridable in tests.
var (
	TwitchTokenURL = "https://id.twitch.tv/oauth2/token"
	TrovoTokenURL  = "https://open-api.trovo.live/openplatform/refreshtoken"
	KickTokenURL   = "https://id.kick.com/oauth/token"
)

// Result is the outcome of one refresh exchange.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scope        string
}

// ComputeExpiry returns absolute expiry from seconds, defaulting to +60m
// when the provider does not report one.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// RefreshTwitch exchanges a refresh token at the Twitch identity endpoint.
func RefreshTwitch(ctx context.Context, clientID, clientSecret, refreshToken string) (*Result, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	var body struct {
		AccessToken  string   `json:"access_token"`
		RefreshToken string   `json:"refresh_token"`
		ExpiresIn    int      `json:"expires_in"`
		Scope        []string `json:"scope"`
	}
	if err := postForm(ctx, TwitchTokenURL, form, nil, &body); err != nil {
		return nil, fmt.Errorf("twitch refresh: %w", err)
	}
	return &Result{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken, ExpiresIn: body.ExpiresIn, Scope: strings.Join(body.Scope, " ")}, nil
}

// RefreshTrovo exchanges a refresh token at the Trovo open platform endpoint.
// Trovo wants a JSON body and the client id in a header.
func RefreshTrovo(ctx context.Context, clientID, clientSecret, refreshToken string) (*Result, error) {
	if clientID == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/refreshToken")
	}
	payload, err := json.Marshal(map[string]string{
		"client_secret": clientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TrovoTokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-ID", clientID)
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := doJSON(req, &body); err != nil {
		return nil, fmt.Errorf("trovo refresh: %w", err)
	}
	return &Result{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken, ExpiresIn: body.ExpiresIn}, nil
}

// RefreshKick exchanges a refresh token at the Kick identity endpoint.
func RefreshKick(ctx context.Context, clientID, clientSecret, refreshToken string) (*Result, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := postForm(ctx, KickTokenURL, form, nil, &body); err != nil {
		return nil, fmt.Errorf("kick refresh: %w", err)
	}
	return &Result{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken, ExpiresIn: body.ExpiresIn, Scope: body.Scope}, nil
}

// RefreshGoogle refreshes a YouTube (Google) token through the oauth2 package.
func RefreshGoogle(ctx context.Context, clientID, clientSecret, refreshToken string) (*Result, error) {
	if clientID == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/refreshToken")
	}
	oc := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: google.Endpoint}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("google refresh: %w", err)
	}
	expiresIn := int(time.Until(tok.Expiry).Seconds())
	rt := tok.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	return &Result{AccessToken: tok.AccessToken, RefreshToken: rt, ExpiresIn: expiresIn}, nil
}

func postForm(ctx context.Context, endpoint string, form url.Values, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(req, out)
}

func doJSON(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token request failed: %s: %s", resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
