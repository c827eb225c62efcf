package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRefreshTwitch(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"client_id":     r.PostForm.Get("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-at",
			"refresh_token": "new-rt",
			"expires_in":    3600,
			"scope":         []string{"chat:read", "chat:edit"},
		})
	}))
	defer srv.Close()
	old := TwitchTokenURL
	TwitchTokenURL = srv.URL
	defer func() { TwitchTokenURL = old }()

	res, err := RefreshTwitch(context.Background(), "cid", "secret", "old-rt")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.AccessToken != "new-at" || res.RefreshToken != "new-rt" || res.ExpiresIn != 3600 {
		t.Fatalf("result: %+v", res)
	}
	if res.Scope != "chat:read chat:edit" {
		t.Fatalf("scope: %q", res.Scope)
	}
	if gotForm["grant_type"] != "refresh_token" || gotForm["refresh_token"] != "old-rt" || gotForm["client_id"] != "cid" {
		t.Fatalf("form: %+v", gotForm)
	}
}

func TestRefreshTwitchMissingArgs(t *testing.T) {
	if _, err := RefreshTwitch(context.Background(), "", "s", "r"); err == nil {
		t.Fatal("missing client id should error")
	}
	if _, err := RefreshTwitch(context.Background(), "c", "s", ""); err == nil {
		t.Fatal("missing refresh token should error")
	}
}

func TestRefreshTrovoHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-ID") != "cid" {
			t.Errorf("client id header: %q", r.Header.Get("Client-ID"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["grant_type"] != "refresh_token" || body["refresh_token"] != "old-rt" {
			t.Errorf("body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-at",
			"refresh_token": "new-rt",
			"expires_in":    1800,
		})
	}))
	defer srv.Close()
	old := TrovoTokenURL
	TrovoTokenURL = srv.URL
	defer func() { TrovoTokenURL = old }()

	res, err := RefreshTrovo(context.Background(), "cid", "secret", "old-rt")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.AccessToken != "new-at" || res.ExpiresIn != 1800 {
		t.Fatalf("result: %+v", res)
	}
}

func TestRefreshKickErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	old := KickTokenURL
	KickTokenURL = srv.URL
	defer func() { KickTokenURL = old }()

	if _, err := RefreshKick(context.Background(), "cid", "secret", "revoked"); err == nil {
		t.Fatal("non-200 response should error")
	}
}

func TestComputeExpiry(t *testing.T) {
	got := ComputeExpiry(3600)
	want := time.Now().Add(time.Hour)
	if d := got.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("expiry off by %v", d)
	}
	// Unreported lifetime gets a conservative default.
	got = ComputeExpiry(0)
	want = time.Now().Add(time.Hour)
	if d := got.Sub(want); d < -time.Minute || d > time.Minute {
		t.Fatalf("default expiry off by %v", d)
	}
}
